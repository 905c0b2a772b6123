package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tradeledger/conf"
	"tradeledger/internal/dao"
	"tradeledger/internal/model"
	"tradeledger/internal/normalizer"
	"tradeledger/internal/venue"
	"tradeledger/pkg/logger"
	"tradeledger/pkg/utils"
)

type State string

const (
	StateIdle        State = "Idle"
	StateBackfilling State = "Backfilling"
	StateStreaming   State = "Streaming"
	StateCatchingUp  State = "CatchingUp"
)

// SchedulerConfig 调度参数，来自 conf.TradesConfig
type SchedulerConfig struct {
	Account        string
	BatchSize      int
	Realtime       bool
	PollInterval   time.Duration
	Lookback       time.Duration
	PullTimeout    time.Duration
	MaxRetries     int
	RetryBase      time.Duration
	SilenceTimeout time.Duration
	// PullRate 拉取请求的速率上限
	PullRate rate.Limit
}

func NewSchedulerConfig(t conf.TradesConfig) SchedulerConfig {
	return SchedulerConfig{
		Account:        t.Account,
		BatchSize:      t.BatchSize,
		Realtime:       t.RealtimeEnabled,
		PollInterval:   t.PollInterval(),
		Lookback:       t.Lookback(),
		PullTimeout:    t.PullTimeout(),
		MaxRetries:     t.MaxRetries,
		RetryBase:      t.RetryBase(),
		SilenceTimeout: t.SilenceTimeout(),
		PullRate:       rate.Every(200 * time.Millisecond),
	}
}

// PullAwaiter runs pull batches through the ledger writer and waits for the result.
type PullAwaiter interface {
	Await(ctx context.Context, b *Batch) (CycleResult, error)
}

// Scheduler 对账调度状态机：Idle → Backfilling → Streaming ⇄ CatchingUp
// 纯轮询模式下跳过 Streaming：Idle → Backfilling → CatchingUp → CatchingUp …
type Scheduler struct {
	cfg     SchedulerConfig
	src     venue.Source
	store   dao.LedgerStore
	writer  PullAwaiter
	batcher *PushBatcher
	limiter *rate.Limiter
	now     func() time.Time

	mu         sync.RWMutex
	state      State
	checkpoint *time.Time
	onState    func(from, to State)
}

func NewScheduler(cfg SchedulerConfig, src venue.Source, store dao.LedgerStore, writer PullAwaiter, batcher *PushBatcher) *Scheduler {
	if cfg.PullRate == 0 {
		cfg.PullRate = rate.Inf
	}
	return &Scheduler{
		cfg:     cfg,
		src:     src,
		store:   store,
		writer:  writer,
		batcher: batcher,
		limiter: rate.NewLimiter(cfg.PullRate, 1),
		now:     func() time.Time { return time.Now().UTC() },
		state:   StateIdle,
	}
}

// OnStateChange registers a hook called on every transition. Set it before Run.
func (s *Scheduler) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Checkpoint 最近一次已知的水位
func (s *Scheduler) Checkpoint() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.checkpoint == nil {
		return time.Time{}, false
	}
	return *s.checkpoint, true
}

func (s *Scheduler) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	hook := s.onState
	s.mu.Unlock()
	if from == to {
		return
	}
	logger.Info("scheduler state", logger.Pair("from", string(from)), logger.Pair("to", string(to)))
	if hook != nil {
		hook(from, to)
	}
}

// Run drives the state machine until ctx ends or the source fails unrecoverably.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setState(StateBackfilling)
	if err := s.reconcile(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if halt(err) {
			return err
		}
		logger.Error("backfill failed, retrying on next tick", logger.Pair("err", err.Error()))
	}

	if s.cfg.Realtime && s.batcher != nil && venue.HasPush(s.src) {
		return s.stream(ctx)
	}
	return s.poll(ctx)
}

func (s *Scheduler) poll(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.catchUp(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) stream(ctx context.Context) error {
	resync := time.NewTicker(s.cfg.PollInterval)
	defer resync.Stop()

	watch := s.cfg.SilenceTimeout / 4
	if watch < 10*time.Millisecond {
		watch = 10 * time.Millisecond
	}
	watchdog := time.NewTicker(watch)
	defer watchdog.Stop()

	for {
		subCtx, cancel := context.WithCancel(ctx)
		dropped := make(chan error, 1)
		err := s.src.Subscribe(subCtx,
			func(e model.RawEvent) { s.batcher.Add(subCtx, e) },
			func(err error) {
				select {
				case dropped <- err:
				default:
				}
			})
		if err != nil {
			cancel()
			if halt(err) {
				return err
			}
			logger.Warn("subscribe failed", logger.Pair("err", err.Error()))
			if err := s.catchUpAfter(ctx, s.cfg.RetryBase); err != nil {
				return err
			}
			continue
		}
		s.batcher.Touch()
		s.setState(StateStreaming)

		reason, err := s.watch(ctx, dropped, resync.C, watchdog.C)
		cancel()
		if err != nil {
			return err
		}
		if reason == nil {
			return nil
		}
		logger.Warn("push channel lost", logger.Pair("reason", reason.Error()))
		if err := s.catchUp(ctx); err != nil {
			return err
		}
	}
}

// watch blocks while streaming and runs periodic resyncs in place. Silence also triggers an
// in-place catch-up: a quiet account is not a dead connection, the transport reports that
// through dropped. It returns the reason the subscription must be rebuilt, a fatal error from
// a catch-up, or two nils when ctx ended.
func (s *Scheduler) watch(ctx context.Context, dropped <-chan error, resync, watchdog <-chan time.Time) (reason, fatal error) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case err := <-dropped:
			return err, nil
		case <-watchdog:
			if s.batcher.Silence() <= s.cfg.SilenceTimeout {
				continue
			}
			logger.Info("push channel silent, catching up", logger.Pair("silence", s.batcher.Silence().String()))
			if err := s.catchUp(ctx); err != nil {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, nil
			}
			s.batcher.Touch()
			s.setState(StateStreaming)
		case <-resync:
			if err := s.catchUp(ctx); err != nil {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, nil
			}
			s.setState(StateStreaming)
		}
	}
}

// catchUpAfter waits d before catching up, so a failing subscribe does not spin.
func (s *Scheduler) catchUpAfter(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-t.C:
	}
	return s.catchUp(ctx)
}

// catchUp pulls from the checkpoint to now. Only unrecoverable errors are returned; anything
// else is logged and left for the next tick.
func (s *Scheduler) catchUp(ctx context.Context) error {
	s.setState(StateCatchingUp)
	err := s.reconcile(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	if halt(err) {
		return err
	}
	logger.Error("catch-up failed, retrying on next tick", logger.Pair("err", err.Error()))
	return nil
}

// reconcile pulls [checkpoint or now-lookback, now] page by page. Each page is merged before
// the next is requested; the worker advances the checkpoint after each write-back.
func (s *Scheduler) reconcile(ctx context.Context) error {
	cp, ok, err := s.store.ReadCheckpoint(ctx)
	if err != nil {
		return err
	}
	to := s.now()
	from := to.Add(-s.cfg.Lookback)
	if ok {
		s.setCheckpoint(cp)
		from = cp
	}

	for {
		page, err := s.pull(ctx, from, to)
		if err != nil {
			return err
		}
		if len(page) > 0 {
			res, err := s.writer.Await(ctx, NewPullBatch(page))
			if err != nil {
				return err
			}
			if res.Err != nil {
				return res.Err
			}
			if res.Checkpoint != nil {
				s.setCheckpoint(*res.Checkpoint)
			}
		}
		if len(page) < s.cfg.BatchSize {
			return nil
		}

		next, ok := lastEventTime(page)
		if !ok || !next.After(from) {
			next = from.Add(time.Millisecond)
			logger.Warn("page did not advance, stepping past dense timestamp",
				logger.Pair("from", from.Format(time.RFC3339Nano)))
		}
		if next.After(to) {
			return nil
		}
		from = next
	}
}

func (s *Scheduler) pull(ctx context.Context, from, to time.Time) ([]model.RawEvent, error) {
	var page []model.RawEvent
	err := utils.RetryContext(ctx, s.cfg.MaxRetries, s.cfg.RetryBase, true, halt, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		pctx, cancel := context.WithTimeout(ctx, s.cfg.PullTimeout)
		defer cancel()
		var err error
		page, err = s.src.PollRange(pctx, s.cfg.Account, from, to, s.cfg.BatchSize)
		if err != nil {
			logger.Warn("pull failed",
				logger.Pair("from", from.Format(time.RFC3339Nano)),
				logger.Pair("to", to.Format(time.RFC3339Nano)),
				logger.Pair("err", err.Error()))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pull %s..%s: %w", from.Format(time.RFC3339), to.Format(time.RFC3339), err)
	}
	return page, nil
}

func (s *Scheduler) setCheckpoint(ts time.Time) {
	s.mu.Lock()
	if s.checkpoint == nil || ts.After(*s.checkpoint) {
		s.checkpoint = &ts
	}
	s.mu.Unlock()
}

func lastEventTime(page []model.RawEvent) (time.Time, bool) {
	var last time.Time
	found := false
	for _, e := range page {
		if ts, ok := normalizer.EventTime(e); ok && ts.After(last) {
			last, found = ts, true
		}
	}
	return last, found
}

func halt(err error) bool {
	return errors.Is(err, model.ErrUnrecoverable)
}
