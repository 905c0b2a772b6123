package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"tradeledger/internal/dao/memory"
	"tradeledger/internal/ledger"
	"tradeledger/internal/model"
)

type capturePublisher struct {
	mu      sync.Mutex
	changes []ledger.Change
}

func (p *capturePublisher) Publish(_ context.Context, _ string, changes []ledger.Change) error {
	p.mu.Lock()
	p.changes = append(p.changes, changes...)
	p.mu.Unlock()
	return nil
}

type captureJournal struct {
	entries []any
}

func (j *captureJournal) Record(e any) error {
	j.entries = append(j.entries, e)
	return nil
}

type heldLease struct{}

func (heldLease) Acquire(context.Context) (func(context.Context) error, error) {
	return nil, errors.New("lease held")
}

func (heldLease) Extend(context.Context) error { return errors.New("lease held") }

// fakeLease 可获取；extendErr 模拟周期中途被他人接管
type fakeLease struct {
	mu        sync.Mutex
	extendErr error
	extends   int
	released  int
}

func (l *fakeLease) Acquire(context.Context) (func(context.Context) error, error) {
	return func(context.Context) error {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
		return nil
	}, nil
}

func (l *fakeLease) Extend(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	return l.extendErr
}

func TestProcess_PullBatchAdvancesCheckpoint(t *testing.T) {
	store := memory.NewStore()
	pub := &capturePublisher{}
	journal := &captureJournal{}
	w := NewLedgerWorker(store, WithPublisher(pub), WithJournal(journal))
	ctx := context.Background()

	batch := []model.RawEvent{
		raw("A", 50, model.StatusPartiallyFilled, t0),
		raw("A", 100, model.StatusFilled, t0.Add(2e9)),
		raw("B", 0, model.StatusNew, t0.Add(1e9)),
	}
	res := w.Process(ctx, NewPullBatch(batch))
	if res.Err != nil {
		t.Fatalf("cycle failed: %v", res.Err)
	}
	if res.Stats != (model.Stats{Inserted: 2, Updated: 1}) {
		t.Errorf("stats = %s", res.Stats)
	}
	if res.Checkpoint == nil || !res.Checkpoint.Equal(t0.Add(2e9)) {
		t.Errorf("checkpoint = %v", res.Checkpoint)
	}
	if cp, ok, _ := store.ReadCheckpoint(ctx); !ok || !cp.Equal(t0.Add(2e9)) {
		t.Errorf("stored checkpoint = %v %v", cp, ok)
	}
	if len(pub.changes) != 2 || len(journal.entries) != 1 {
		t.Errorf("published %d changes, journaled %d cycles", len(pub.changes), len(journal.entries))
	}

	// a replay changes nothing, writes nothing and publishes nothing
	writes := store.Writes()
	res = w.Process(ctx, NewPullBatch(batch))
	if res.Stats != (model.Stats{Unchanged: 3}) {
		t.Errorf("replay stats = %s", res.Stats)
	}
	if store.Writes() != writes || len(pub.changes) != 2 {
		t.Errorf("replay wrote or published")
	}
	if last, ok := w.LastCycle(); !ok || last.ID != res.ID {
		t.Errorf("LastCycle = %+v", last)
	}
}

func TestProcess_CheckpointNeverMovesBackwards(t *testing.T) {
	store := memory.NewStore()
	w := NewLedgerWorker(store)
	ctx := context.Background()

	w.Process(ctx, NewPullBatch([]model.RawEvent{raw("A", 0, model.StatusNew, t0.Add(5e9))}))
	res := w.Process(ctx, NewPullBatch([]model.RawEvent{raw("B", 0, model.StatusNew, t0)}))
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if cp, _, _ := store.ReadCheckpoint(ctx); !cp.Equal(t0.Add(5e9)) {
		t.Errorf("checkpoint = %v, want unchanged", cp)
	}
}

func TestProcess_PushBatchLeavesCheckpoint(t *testing.T) {
	store := memory.NewStore()
	w := NewLedgerWorker(store)
	res := w.Process(context.Background(), NewPushBatch([]model.RawEvent{raw("A", 0, model.StatusNew, t0)}))
	if res.Err != nil || res.Stats.Inserted != 1 {
		t.Fatalf("res = %+v", res)
	}
	if _, ok, _ := store.ReadCheckpoint(context.Background()); ok {
		t.Error("push batch moved the checkpoint")
	}
}

func TestProcess_StoreFailureRetriedOnce(t *testing.T) {
	store := memory.NewStore()
	store.FailWrites(1)
	w := NewLedgerWorker(store)
	res := w.Process(context.Background(), NewPullBatch([]model.RawEvent{raw("A", 0, model.StatusNew, t0)}))
	if res.Err != nil || res.Stats.Inserted != 1 || len(store.Rows()) != 1 {
		t.Fatalf("res = %+v rows = %d", res, len(store.Rows()))
	}
}

func TestProcess_StoreFailureLeavesCheckpoint(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	_ = store.WriteCheckpoint(ctx, t0)
	store.FailWrites(2)
	w := NewLedgerWorker(store)

	batch := NewPullBatch([]model.RawEvent{raw("A", 0, model.StatusNew, t0.Add(1e9))})
	res := w.Process(ctx, batch)
	var serr *model.StoreError
	if !errors.As(res.Err, &serr) || res.Error == "" {
		t.Fatalf("err = %v, want StoreError", res.Err)
	}
	if cp, _, _ := store.ReadCheckpoint(ctx); !cp.Equal(t0) {
		t.Errorf("checkpoint moved to %v after failed cycle", cp)
	}
	if len(store.Rows()) != 0 {
		t.Errorf("rows written by failed cycle")
	}

	// the retry on the next tick reprocesses the same range
	res = w.Process(ctx, NewPullBatch(batch.Events))
	if res.Err != nil || res.Stats.Inserted != 1 {
		t.Fatalf("retry = %+v", res)
	}
	if cp, _, _ := store.ReadCheckpoint(ctx); !cp.Equal(t0.Add(1e9)) {
		t.Errorf("checkpoint = %v", cp)
	}
}

func TestProcess_RejectionsCounted(t *testing.T) {
	store := memory.NewStore()
	w := NewLedgerWorker(store)
	malformed := raw("M", 0, model.StatusNew, t0)
	delete(malformed.Fields, "OrderID")

	res := w.Process(context.Background(), NewPullBatch([]model.RawEvent{
		malformed,
		raw("C", 0, model.StatusCanceled, t0),
		raw("A", 0, model.StatusNew, t0),
	}))
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Stats != (model.Stats{Inserted: 1, Rejected: 2}) || len(res.Rejections) != 2 {
		t.Errorf("stats = %s rejections = %+v", res.Stats, res.Rejections)
	}
}

func TestProcess_LeaseHeldAbortsCycle(t *testing.T) {
	store := memory.NewStore()
	w := NewLedgerWorker(store, WithLease(heldLease{}))
	res := w.Process(context.Background(), NewPullBatch([]model.RawEvent{raw("A", 0, model.StatusNew, t0)}))
	if res.Err == nil {
		t.Fatal("cycle ran without the lease")
	}
	if store.Writes() != 0 {
		t.Error("store written without the lease")
	}
}

func TestProcess_RenewsLeaseBeforeEachWrite(t *testing.T) {
	store := memory.NewStore()
	lease := &fakeLease{}
	w := NewLedgerWorker(store, WithLease(lease))
	res := w.Process(context.Background(), NewPullBatch([]model.RawEvent{raw("A", 0, model.StatusNew, t0)}))
	if res.Err != nil {
		t.Fatalf("cycle failed: %v", res.Err)
	}
	// snapshot + checkpoint
	if lease.extends != 2 || lease.released != 1 {
		t.Errorf("extends = %d released = %d, want 2 and 1", lease.extends, lease.released)
	}
}

func TestProcess_LostLeaseAbortsBeforeWriting(t *testing.T) {
	store := memory.NewStore()
	lease := &fakeLease{extendErr: errors.New("ledger write lease lost")}
	w := NewLedgerWorker(store, WithLease(lease))
	res := w.Process(context.Background(), NewPullBatch([]model.RawEvent{raw("A", 0, model.StatusNew, t0)}))
	if res.Err == nil {
		t.Fatal("cycle wrote after losing the lease")
	}
	if store.Writes() != 0 {
		t.Errorf("store written %d times after losing the lease", store.Writes())
	}
	if _, ok, _ := store.ReadCheckpoint(context.Background()); ok {
		t.Error("checkpoint advanced after losing the lease")
	}
	// not retried as a store failure
	if lease.extends != 1 || lease.released != 1 {
		t.Errorf("extends = %d released = %d, want 1 and 1", lease.extends, lease.released)
	}
}

func TestRun_SerializesBatches(t *testing.T) {
	store := memory.NewStore()
	w := NewLedgerWorker(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i))
			if _, err := w.Await(ctx, NewPullBatch([]model.RawEvent{raw(id, 0, model.StatusNew, t0)})); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	if n := len(store.Rows()); n != 8 {
		t.Errorf("rows = %d, want 8 (a lost update means cycles overlapped)", n)
	}
}
