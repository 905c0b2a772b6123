// Package venue defines the source contract the scheduler consumes.
package venue

import (
	"context"
	"errors"
	"time"

	"tradeledger/internal/model"
)

// Subscriber is a push channel. Subscribe must return once the subscription is live; events
// and errors are delivered through the callbacks afterwards, until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context, onEvent func(model.RawEvent), onError func(error)) error
}

// Poller is a pull channel. PollRange returns at most max events in [from, to], oldest first.
type Poller interface {
	PollRange(ctx context.Context, account string, from, to time.Time, max int) ([]model.RawEvent, error)
}

type Source interface {
	Subscriber
	Poller
}

type composite struct {
	Subscriber
	Poller
}

// Compose pairs any push transport with any pull transport. push may be nil for pure polling.
func Compose(push Subscriber, pull Poller) Source {
	if push == nil {
		push = noPush{}
	}
	return composite{Subscriber: push, Poller: pull}
}

// HasPush reports whether s carries a real push channel.
func HasPush(s Source) bool {
	c, ok := s.(composite)
	if !ok {
		return true
	}
	_, none := c.Subscriber.(noPush)
	return !none
}

type noPush struct{}

func (noPush) Subscribe(context.Context, func(model.RawEvent), func(error)) error {
	return ErrNoPush
}

// ErrNoPush is returned by Subscribe on a source built without a push transport.
var ErrNoPush = errors.New("source has no push channel")
