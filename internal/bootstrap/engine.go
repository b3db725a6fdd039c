package bootstrap

import (
	"context"
	"time"

	"github.com/appnoxtech/mini-crm-backend-sub003/adapter/in/worker"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/service/push"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/service/summary"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

// Engine groups the background machinery: sync scheduler, freshness
// sweeper, push watch renewal, and the summary submit/poll loops.
type Engine struct {
	Scheduler *worker.Scheduler
	Sweeper   *worker.FreshnessSweeper
	Bridge    *push.Bridge
	Renewal   *push.RenewalScheduler
	Summaries *summary.Loops
}

// NewEngine builds the background components on top of shared deps.
func NewEngine(deps *Dependencies) *Engine {
	cfg := deps.Config

	scheduler := worker.NewScheduler(deps.Syncer, worker.Config{
		Workers:       cfg.SyncWorkerCount,
		QueueCapacity: cfg.SyncQueueCapacity,
		TaskTimeout:   10 * time.Minute,
		Retry:         worker.DefaultRetryPolicy(),
	}, deps.Zlog)

	bridge := push.NewBridge(deps.AccountRepo, deps.Vault, deps.ProviderFactory, scheduler)

	eng := &Engine{
		Scheduler: scheduler,
		Sweeper:   worker.NewFreshnessSweeper(deps.AccountRepo, scheduler, cfg.FreshnessInterval, cfg.FreshnessWindow),
		Bridge:    bridge,
		Renewal:   push.NewRenewalScheduler(deps.AccountRepo, bridge, cfg.WatchRenewInterval, cfg.WatchRenewLead),
	}

	if deps.Compute != nil {
		orchestrator := summary.NewOrchestrator(
			deps.JobRepo,
			deps.MessageRepo,
			deps.ContentRepo,
			deps.Compute,
			deps.RealtimeAdapter,
			cfg.SummaryFreshnessTTL,
		)
		eng.Summaries = summary.NewLoops(orchestrator, cfg.SummarySubmitEvery, cfg.SummaryPollEvery, cfg.SummarySubmitLimit)
	}

	return eng
}

// Start brings the background loops up. Watch state is restored before
// the scheduler begins so that re-registered accounts can enqueue.
func (e *Engine) Start(ctx context.Context) {
	if err := e.Bridge.Restore(ctx); err != nil {
		logger.Warn("Watch restore failed: %v", err)
	}

	e.Scheduler.Start()
	e.Sweeper.Start()
	e.Renewal.Start()
	if e.Summaries != nil {
		e.Summaries.Start()
	}
	logger.Info("Background engine started")
}

// Stop shuts the loops down in reverse order and drains running syncs.
func (e *Engine) Stop() {
	if e.Summaries != nil {
		e.Summaries.Stop()
	}
	e.Renewal.Stop()
	e.Sweeper.Stop()
	e.Scheduler.Stop()
	logger.Info("Background engine stopped")
}
