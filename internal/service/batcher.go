package service

import (
	"context"
	"sync/atomic"
	"time"

	"tradeledger/internal/model"
)

// Submitter accepts batches for the single ledger writer.
type Submitter interface {
	Submit(ctx context.Context, b *Batch) error
}

// PushBatcher 把推送事件攒成小批次，按条数或时间间隔刷新
type PushBatcher struct {
	out      Submitter
	in       chan model.RawEvent
	size     int
	interval time.Duration

	lastEvent atomic.Int64 // unix nano
}

func NewPushBatcher(out Submitter, size int, interval time.Duration) *PushBatcher {
	if size < 1 {
		size = 1
	}
	b := &PushBatcher{
		out:      out,
		in:       make(chan model.RawEvent, size*4),
		size:     size,
		interval: interval,
	}
	b.Touch()
	return b
}

// Add hands one event to the batcher. It blocks only when the buffer is full.
func (b *PushBatcher) Add(ctx context.Context, e model.RawEvent) {
	b.Touch()
	select {
	case b.in <- e:
	case <-ctx.Done():
	}
}

// Touch marks channel activity for the silence watchdog.
func (b *PushBatcher) Touch() {
	b.lastEvent.Store(time.Now().UnixNano())
}

// Silence 距离最近一次推送活动的时长
func (b *PushBatcher) Silence() time.Duration {
	return time.Since(time.Unix(0, b.lastEvent.Load()))
}

// Run flushes until ctx ends; a partial batch pending at shutdown is dropped, the next
// catch-up pull covers it.
func (b *PushBatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	pending := make([]model.RawEvent, 0, b.size)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		batch := NewPushBatch(pending)
		pending = make([]model.RawEvent, 0, b.size)
		return b.out.Submit(ctx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-b.in:
			pending = append(pending, e)
			if len(pending) >= b.size {
				if err := flush(); err != nil && ctx.Err() == nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}
