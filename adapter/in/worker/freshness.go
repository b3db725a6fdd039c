package worker

import (
	"context"
	"time"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

const (
	DefaultFreshnessInterval = 15 * time.Minute
	DefaultFreshnessWindow   = 15 * time.Minute
)

// FreshnessSweeper is the polling fallback: on a fixed interval it enqueues
// every active account whose last sync is older than the freshness window,
// so accounts keep syncing even when push delivery is broken.
type FreshnessSweeper struct {
	accounts      out.AccountRepository
	scheduler     *Scheduler
	checkInterval time.Duration
	window        time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewFreshnessSweeper(accounts out.AccountRepository, scheduler *Scheduler, interval, window time.Duration) *FreshnessSweeper {
	if interval <= 0 {
		interval = DefaultFreshnessInterval
	}
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FreshnessSweeper{
		accounts:      accounts,
		scheduler:     scheduler,
		checkInterval: interval,
		window:        window,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetCheckInterval overrides the sweep interval (used in tests).
func (s *FreshnessSweeper) SetCheckInterval(interval time.Duration) {
	s.checkInterval = interval
}

// Start starts the sweeper.
func (s *FreshnessSweeper) Start() {
	logger.Info("[FreshnessSweeper] Starting with %v interval", s.checkInterval)
	go s.run()
}

// Stop stops the sweeper.
func (s *FreshnessSweeper) Stop() {
	logger.Info("[FreshnessSweeper] Stopping...")
	s.cancel()
}

func (s *FreshnessSweeper) run() {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[FreshnessSweeper] Stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *FreshnessSweeper) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	stale, err := s.accounts.ListStale(ctx, time.Now().Add(-s.window))
	if err != nil {
		logger.Error("[FreshnessSweeper] Failed to list stale accounts: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	enqueued := 0
	for _, account := range stale {
		if s.scheduler.Enqueue(account.ID, PriorityLow) {
			enqueued++
		}
	}
	logger.Info("[FreshnessSweeper] Enqueued %d of %d stale accounts", enqueued, len(stale))
}
