package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeledger/internal/dao"
	"tradeledger/internal/ledger"
	"tradeledger/internal/model"
	"tradeledger/internal/normalizer"
	"tradeledger/pkg/logger"
	"tradeledger/pkg/recorder"
)

const (
	OriginPull = "pull"
	OriginPush = "push"
)

// Batch 进入队列的一批原始事件。拉取批次带 done 通道，调度器据此等待结果
type Batch struct {
	Origin string
	Events []model.RawEvent
	// AdvanceCheckpoint 写回成功后推进水位，只有拉取批次设置
	AdvanceCheckpoint bool

	done chan CycleResult
}

func NewPullBatch(events []model.RawEvent) *Batch {
	return &Batch{Origin: OriginPull, Events: events, AdvanceCheckpoint: true, done: make(chan CycleResult, 1)}
}

func NewPushBatch(events []model.RawEvent) *Batch {
	return &Batch{Origin: OriginPush, Events: events}
}

type RejectionRecord struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// CycleResult 一次对账周期的结果，同时作为 journal 的一行
type CycleResult struct {
	ID         string            `json:"id"`
	Origin     string            `json:"origin"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Events     int               `json:"events"`
	Stats      model.Stats       `json:"stats"`
	Rejections []RejectionRecord `json:"rejections,omitempty"`
	// Checkpoint 周期结束后的水位，nil 表示从未对账
	Checkpoint *time.Time `json:"checkpoint,omitempty"`
	Error      string     `json:"error,omitempty"`

	Err error `json:"-"`
}

// Lease 跨进程单写者租约；每次写入前 Extend，续不上说明已被他人接管
type Lease interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
	Extend(ctx context.Context) error
}

// Publisher 写回成功后发布变更
type Publisher interface {
	Publish(ctx context.Context, cycleID string, changes []ledger.Change) error
}

type WorkerOption func(*LedgerWorker)

func WithLease(l Lease) WorkerOption { return func(w *LedgerWorker) { w.lease = l } }

func WithPublisher(p Publisher) WorkerOption { return func(w *LedgerWorker) { w.publisher = p } }

func WithJournal(r recorder.Recorder) WorkerOption { return func(w *LedgerWorker) { w.journal = r } }

// LedgerWorker 唯一的台账写入者：单队列、单消费者，周期之间互不重叠
type LedgerWorker struct {
	store     dao.LedgerStore
	queue     chan *Batch
	lease     Lease
	publisher Publisher
	journal   recorder.Recorder

	mu   sync.RWMutex
	last *CycleResult
}

func NewLedgerWorker(store dao.LedgerStore, opts ...WorkerOption) *LedgerWorker {
	w := &LedgerWorker{
		store:   store,
		queue:   make(chan *Batch, 16),
		journal: recorder.Nop{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Submit 入队，队列满时阻塞
func (w *LedgerWorker) Submit(ctx context.Context, b *Batch) error {
	select {
	case w.queue <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await 提交拉取批次并等待周期结果
func (w *LedgerWorker) Await(ctx context.Context, b *Batch) (CycleResult, error) {
	if b.done == nil {
		return CycleResult{}, errors.New("batch has no result channel")
	}
	if err := w.Submit(ctx, b); err != nil {
		return CycleResult{}, err
	}
	select {
	case res := <-b.done:
		return res, nil
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
}

// Run 消费队列直到 ctx 结束
func (w *LedgerWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-w.queue:
			res := w.Process(ctx, b)
			if b.done != nil {
				b.done <- res
			}
		}
	}
}

// LastCycle 最近一次周期的结果
func (w *LedgerWorker) LastCycle() (CycleResult, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.last == nil {
		return CycleResult{}, false
	}
	return *w.last, true
}

// Process runs one cycle: normalize, read the snapshot, merge, write it back, then move the
// checkpoint. Store failures are retried once; the checkpoint never moves on failure.
func (w *LedgerWorker) Process(ctx context.Context, b *Batch) CycleResult {
	res := CycleResult{ID: uuid.NewString(), Origin: b.Origin, StartedAt: time.Now().UTC(), Events: len(b.Events)}

	execs, rejected := normalizer.NormalizeBatch(b.Events)
	res.Stats.Rejected += len(rejected)
	for _, r := range rejected {
		res.Rejections = append(res.Rejections, RejectionRecord{Key: "-", Reason: r.Err.Error()})
	}

	if len(execs) > 0 {
		w.merge(ctx, b, execs, &res)
	}

	res.FinishedAt = time.Now().UTC()
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	w.finish(res)
	return res
}

func (w *LedgerWorker) merge(ctx context.Context, b *Batch, execs []model.Execution, res *CycleResult) {
	if w.lease != nil {
		release, err := w.lease.Acquire(ctx)
		if err != nil {
			res.Err = fmt.Errorf("acquire write lease: %w", err)
			return
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release write lease failed", logger.Pair("cycle", res.ID), logger.Pair("err", err.Error()))
			}
		}()
	}

	var merged ledger.Result
	err := retryStoreOnce(res.ID, "write-back", func() error {
		snapshot, err := w.store.ReadSnapshot(ctx)
		if err != nil {
			return err
		}
		merged = ledger.Merge(snapshot, execs)
		if merged.Stats.Inserted == 0 && merged.Stats.Updated == 0 {
			return nil
		}
		if err := w.holdLease(ctx); err != nil {
			return err
		}
		return w.store.WriteSnapshot(ctx, merged.Rows)
	})
	if err != nil {
		res.Err = err
		return
	}
	res.Stats.Add(merged.Stats)
	for _, r := range merged.Rejections {
		res.Rejections = append(res.Rejections, RejectionRecord{Key: r.Key.String(), Reason: r.Reason})
	}

	if b.AdvanceCheckpoint {
		cp, err := w.advanceCheckpoint(ctx, res.ID, maxEventTime(execs))
		if err != nil {
			res.Err = err
			return
		}
		res.Checkpoint = cp
	}

	if w.publisher != nil && len(merged.Changes) > 0 {
		if err := w.publisher.Publish(ctx, res.ID, merged.Changes); err != nil {
			logger.Warn("publish ledger changes failed",
				logger.Pair("cycle", res.ID),
				logger.Pair("changes", len(merged.Changes)),
				logger.Pair("err", err.Error()))
		}
	}
}

// advanceCheckpoint moves the checkpoint forward to ts, never backwards.
func (w *LedgerWorker) advanceCheckpoint(ctx context.Context, cycleID string, ts time.Time) (*time.Time, error) {
	var cp *time.Time
	err := retryStoreOnce(cycleID, "checkpoint", func() error {
		current, ok, err := w.store.ReadCheckpoint(ctx)
		if err != nil {
			return err
		}
		if ok {
			cp = &current
		}
		if ts.IsZero() || (ok && !ts.After(current)) {
			return nil
		}
		if err := w.holdLease(ctx); err != nil {
			return err
		}
		if err := w.store.WriteCheckpoint(ctx, ts); err != nil {
			return err
		}
		cp = &ts
		return nil
	})
	return cp, err
}

// holdLease renews the write lease before a write. A lost lease is not a StoreError, so
// retryStoreOnce gives up immediately.
func (w *LedgerWorker) holdLease(ctx context.Context) error {
	if w.lease == nil {
		return nil
	}
	if err := w.lease.Extend(ctx); err != nil {
		return fmt.Errorf("renew write lease: %w", err)
	}
	return nil
}

func retryStoreOnce(cycleID, op string, fn func() error) error {
	err := fn()
	var serr *model.StoreError
	if err == nil || !errors.As(err, &serr) {
		return err
	}
	logger.Warn("store failure, retrying once",
		logger.Pair("cycle", cycleID),
		logger.Pair("op", op),
		logger.Pair("err", err.Error()))
	return fn()
}

func (w *LedgerWorker) finish(res CycleResult) {
	w.mu.Lock()
	w.last = &res
	w.mu.Unlock()

	if err := w.journal.Record(res); err != nil {
		logger.Warn("journal append failed", logger.Pair("cycle", res.ID), logger.Pair("err", err.Error()))
	}

	fields := []logger.Field{
		logger.Pair("cycle", res.ID),
		logger.Pair("origin", res.Origin),
		logger.Pair("events", res.Events),
		logger.Pair("inserted", res.Stats.Inserted),
		logger.Pair("updated", res.Stats.Updated),
		logger.Pair("unchanged", res.Stats.Unchanged),
		logger.Pair("rejected", res.Stats.Rejected),
		logger.Pair("elapsed", res.FinishedAt.Sub(res.StartedAt).String()),
	}
	if res.Err != nil {
		logger.Error("ledger cycle failed", append(fields, logger.Pair("err", res.Error))...)
		return
	}
	logger.Info("ledger cycle done", fields...)
}

func maxEventTime(execs []model.Execution) time.Time {
	var max time.Time
	for _, e := range execs {
		if e.EventTimestampUTC.After(max) {
			max = e.EventTimestampUTC
		}
	}
	return max
}
