package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"tradeledger/conf"
	"tradeledger/internal/dao"
	"tradeledger/internal/venue"
)

// Pipeline 组装写入者、推送批处理与调度器，三者在同一个 errgroup 中运行
type Pipeline struct {
	Worker    *LedgerWorker
	Batcher   *PushBatcher
	Scheduler *Scheduler
}

func NewPipeline(cfg conf.TradesConfig, src venue.Source, store dao.LedgerStore, opts ...WorkerOption) *Pipeline {
	worker := NewLedgerWorker(store, opts...)
	var batcher *PushBatcher
	if cfg.RealtimeEnabled && venue.HasPush(src) {
		batcher = NewPushBatcher(worker, cfg.BatchSize, cfg.PushFlushInterval())
	}
	return &Pipeline{
		Worker:    worker,
		Batcher:   batcher,
		Scheduler: NewScheduler(NewSchedulerConfig(cfg), src, store, worker, batcher),
	}
}

// Run blocks until ctx ends or one task fails; an unrecoverable source error is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Worker.Run(ctx) })
	if p.Batcher != nil {
		g.Go(func() error { return p.Batcher.Run(ctx) })
	}
	g.Go(func() error { return p.Scheduler.Run(ctx) })
	return g.Wait()
}

// Status 对外暴露的运行状态
type Status struct {
	State      State        `json:"state"`
	Checkpoint *time.Time   `json:"checkpoint"`
	LastCycle  *CycleResult `json:"last_cycle"`
}

func (p *Pipeline) Status() Status {
	st := Status{State: p.Scheduler.State()}
	if cp, ok := p.Scheduler.Checkpoint(); ok {
		st.Checkpoint = &cp
	}
	if last, ok := p.Worker.LastCycle(); ok {
		st.LastCycle = &last
	}
	return st
}
