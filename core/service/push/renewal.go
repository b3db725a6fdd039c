package push

import (
	"context"
	"time"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

const (
	DefaultRenewInterval = 1 * time.Hour
	// DefaultRenewLead renews a watch this long before its expiry. Provider
	// watches last about seven days and are never renewed server-side.
	DefaultRenewLead = 24 * time.Hour
)

// RenewalScheduler re-subscribes watches before they lapse.
type RenewalScheduler struct {
	accounts      out.AccountRepository
	bridge        *Bridge
	checkInterval time.Duration
	lead          time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewRenewalScheduler(accounts out.AccountRepository, bridge *Bridge, interval, lead time.Duration) *RenewalScheduler {
	if interval <= 0 {
		interval = DefaultRenewInterval
	}
	if lead <= 0 {
		lead = DefaultRenewLead
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RenewalScheduler{
		accounts:      accounts,
		bridge:        bridge,
		checkInterval: interval,
		lead:          lead,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// SetCheckInterval overrides the renewal tick (used in tests).
func (s *RenewalScheduler) SetCheckInterval(interval time.Duration) {
	s.checkInterval = interval
}

// Start starts the renewal loop.
func (s *RenewalScheduler) Start() {
	logger.Info("[WatchRenewal] Starting with %v interval, %v lead", s.checkInterval, s.lead)
	go s.run()
}

// Stop stops the renewal loop.
func (s *RenewalScheduler) Stop() {
	logger.Info("[WatchRenewal] Stopping...")
	s.cancel()
}

func (s *RenewalScheduler) run() {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			logger.Info("[WatchRenewal] Stopped")
			return
		case <-ticker.C:
			s.renewExpiring()
		}
	}
}

// renewExpiring re-subscribes every watch that expires inside the lead
// window. A failed renewal leaves the account to the freshness sweep.
func (s *RenewalScheduler) renewExpiring() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	expiring, err := s.accounts.ListWatchExpiring(ctx, time.Now().Add(s.lead))
	if err != nil {
		logger.Error("[WatchRenewal] Failed to list expiring watches: %v", err)
		return
	}
	if len(expiring) == 0 {
		return
	}

	renewed := 0
	for _, account := range expiring {
		if err := s.bridge.StartWatching(ctx, account); err != nil {
			if apperr.IsPermanent(err) {
				logger.WithError(err).Warn("[WatchRenewal] watch for %s cannot be renewed, clearing", account.Email)
				if clearErr := s.accounts.ClearWatch(ctx, account.ID); clearErr != nil {
					logger.Error("[WatchRenewal] Failed to clear dead watch: %v", clearErr)
				}
			} else {
				logger.WithError(err).Warn("[WatchRenewal] renewal failed for %s, will retry next tick", account.Email)
			}
			continue
		}
		renewed++
	}
	logger.Info("[WatchRenewal] Renewed %d of %d expiring watches", renewed, len(expiring))
}
