package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"tradeledger/internal/model"
)

var t0 = time.Date(2025, 8, 10, 13, 0, 0, 0, time.UTC)

func raw(id string, filled int64, status model.ExecStatus, at time.Time) model.RawEvent {
	return model.RawEvent{Source: model.SourceRest, Fields: map[string]any{
		"ExecutionID":       id,
		"OrderID":           "O-" + id,
		"Account":           "ACC",
		"Symbol":            "GGAL",
		"Side":              "BUY",
		"Quantity":          100,
		"Price":             "10",
		"FilledQty":         filled,
		"Status":            string(status),
		"EventTimestampUTC": at,
	}}
}

// fakeVenue serves PollRange from a tape and lets tests drive the push channel.
type fakeVenue struct {
	mu         sync.Mutex
	tape       []model.RawEvent
	polls      int
	pollErrs   []error // consumed one per PollRange call
	subscribes int
	subErr     error
	onEvent    func(model.RawEvent)
	onError    func(error)
}

func (v *fakeVenue) PollRange(ctx context.Context, account string, from, to time.Time, max int) ([]model.RawEvent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.polls++
	if len(v.pollErrs) > 0 {
		err := v.pollErrs[0]
		v.pollErrs = v.pollErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	var out []model.RawEvent
	for _, e := range v.tape {
		at := e.Fields["EventTimestampUTC"].(time.Time)
		if !at.Before(from) && !at.After(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Fields["EventTimestampUTC"].(time.Time).Before(out[j].Fields["EventTimestampUTC"].(time.Time))
	})
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (v *fakeVenue) Subscribe(ctx context.Context, onEvent func(model.RawEvent), onError func(error)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.subscribes++
	if v.subErr != nil {
		return v.subErr
	}
	v.onEvent, v.onError = onEvent, onError
	return nil
}

func (v *fakeVenue) add(events ...model.RawEvent) {
	v.mu.Lock()
	v.tape = append(v.tape, events...)
	v.mu.Unlock()
}

func (v *fakeVenue) push(e model.RawEvent) {
	v.mu.Lock()
	fn := v.onEvent
	v.mu.Unlock()
	fn(e)
}

func (v *fakeVenue) drop(err error) {
	v.mu.Lock()
	fn := v.onError
	v.mu.Unlock()
	fn(err)
}

func (v *fakeVenue) counts() (polls, subscribes int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.polls, v.subscribes
}

// stateLog records scheduler transitions.
type stateLog struct {
	mu  sync.Mutex
	seq []State
}

func (l *stateLog) hook(from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.seq) == 0 {
		l.seq = append(l.seq, from)
	}
	l.seq = append(l.seq, to)
}

func (l *stateLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.seq...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
