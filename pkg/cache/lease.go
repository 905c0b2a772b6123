package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another process owns the ledger write lease.
var ErrLeaseHeld = errors.New("ledger write lease held by another process")

// ErrLeaseLost is returned by Extend once the lease expired or was taken over.
var ErrLeaseLost = errors.New("ledger write lease lost")

// 只有持有者才能释放
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// 只有持有者才能续期，续期从当前时刻重新计满 ttl
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lease 跨进程单写者租约，每个对账周期持有一次
type Lease struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
	owner  string
}

func NewLease(client redis.Cmdable, table string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    "tradeledger:lease:" + table,
		ttl:    ttl,
		owner:  uuid.NewString(),
	}
}

// Acquire takes the lease or returns ErrLeaseHeld. The returned release is safe to call
// after expiry; it never deletes a lease taken over by someone else.
func (l *Lease) Acquire(ctx context.Context) (release func(context.Context) error, err error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err()
	}, nil
}

// Extend renews a held lease for another full ttl. Writers call it right before each write
// so a cycle that outlived the ttl never writes under a lease someone else now owns.
func (l *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *Lease) Key() string { return l.key }
