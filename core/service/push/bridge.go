// Package push maintains provider watch subscriptions and turns decoded
// push notifications into scheduler requests.
package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

// Enqueuer is the slice of the scheduler the bridge needs.
type Enqueuer interface {
	Enqueue(accountID int64, priority domain.SyncPriority) bool
}

// Bridge owns the watch registry. It never fetches mail itself; every
// notification becomes a high-priority scheduler request.
type Bridge struct {
	accounts  out.AccountRepository
	vault     out.TokenVault
	factory   out.ConnectorFactory
	scheduler Enqueuer

	mu      sync.RWMutex
	watches map[int64]*domain.WatchSubscription
	byEmail map[string]int64
}

func NewBridge(accounts out.AccountRepository, vault out.TokenVault, factory out.ConnectorFactory, scheduler Enqueuer) *Bridge {
	return &Bridge{
		accounts:  accounts,
		vault:     vault,
		factory:   factory,
		scheduler: scheduler,
		watches:   make(map[int64]*domain.WatchSubscription),
		byEmail:   make(map[string]int64),
	}
}

// Restore re-registers watches persisted before a restart so notifications
// resolve immediately. Expired entries are re-subscribed.
func (b *Bridge) Restore(ctx context.Context) error {
	accounts, err := b.accounts.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		if !account.Provider.PushCapable() || account.WatchExternalID == "" {
			continue
		}
		if time.Now().After(account.WatchExpiry) {
			if err := b.StartWatching(ctx, account); err != nil {
				logger.WithError(err).Warn("[PushBridge] failed to re-subscribe expired watch for %s", account.Email)
			}
			continue
		}
		b.RegisterWatch(&domain.WatchSubscription{
			AccountID:   account.ID,
			Email:       account.Email,
			Provider:    account.Provider,
			ExternalID:  account.WatchExternalID,
			ClientState: account.WatchClientState,
			Expiry:      account.WatchExpiry,
		})
	}
	logger.Info("[PushBridge] restored %d watch subscriptions", b.Count())
	return nil
}

// StartWatching subscribes the account for push delivery and records the
// subscription in the registry and the account row.
func (b *Bridge) StartWatching(ctx context.Context, account *domain.Account) error {
	if !account.Provider.PushCapable() {
		return apperr.New(apperr.CodeFetchUnsupported,
			fmt.Sprintf("%s does not support push", account.Provider), apperr.KindPermanent, 501)
	}

	cred, err := b.vault.GetValidCredential(ctx, account)
	if err != nil {
		return err
	}
	connector, err := b.factory.ConnectorFor(account.Provider)
	if err != nil {
		return err
	}
	if !connector.SupportsWatch() {
		return apperr.New(apperr.CodeFetchUnsupported,
			fmt.Sprintf("connector for %s has no watch support", account.Provider), apperr.KindPermanent, 501)
	}

	sub, err := connector.Watch(ctx, cred, account.Email)
	if err != nil {
		return err
	}
	sub.AccountID = account.ID
	sub.Email = account.Email
	sub.Provider = account.Provider

	if err := b.accounts.UpdateWatch(ctx, account.ID, sub.ExternalID, sub.ClientState, sub.Expiry); err != nil {
		return apperr.DatabaseError("persist watch", err)
	}
	b.RegisterWatch(sub)

	logger.WithAccount(fmt.Sprintf("%d", account.ID)).
		Info("[PushBridge] watching %s until %s", account.Email, sub.Expiry.Format(time.RFC3339))
	return nil
}

// StopWatching unsubscribes the account and clears the registry entry.
func (b *Bridge) StopWatching(ctx context.Context, accountID int64) error {
	b.mu.Lock()
	sub, ok := b.watches[accountID]
	if ok {
		delete(b.watches, accountID)
		delete(b.byEmail, sub.Email)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	account, err := b.vault.GetAccount(ctx, accountID)
	if err == nil {
		if cred, err := b.vault.GetValidCredential(ctx, account); err == nil {
			if connector, err := b.factory.ConnectorFor(account.Provider); err == nil {
				if err := connector.StopWatch(ctx, cred, sub.ExternalID); err != nil {
					logger.WithError(err).Warn("[PushBridge] provider stop-watch failed for %s", sub.Email)
				}
			}
		}
	}
	return b.accounts.ClearWatch(ctx, accountID)
}

// HandleNotification resolves a decoded push payload to a watched account
// and enqueues a high-priority sync. Unknown addresses are logged and
// dropped; this method never blocks on downstream work.
func (b *Bridge) HandleNotification(notification *domain.PushNotification) {
	b.mu.RLock()
	accountID, ok := b.byEmail[notification.Email]
	b.mu.RUnlock()
	if !ok {
		logger.Warn("[PushBridge] push for unwatched address dropped: %s", maskEmail(notification.Email))
		return
	}

	if !b.scheduler.Enqueue(accountID, domain.SyncPriorityHigh) {
		logger.Warn("[PushBridge] scheduler rejected push-triggered sync for account %d", accountID)
	}
}

// ResolveExternal finds the watch registered under a provider subscription
// id. Graph notifications identify the mailbox this way instead of by
// address.
func (b *Bridge) ResolveExternal(externalID string) (*domain.WatchSubscription, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.watches {
		if sub.ExternalID == externalID {
			return sub, true
		}
	}
	return nil, false
}

// Subscription returns the registered watch for an account, if any.
func (b *Bridge) Subscription(accountID int64) (*domain.WatchSubscription, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sub, ok := b.watches[accountID]
	return sub, ok
}

// Count returns the number of registered watches.
func (b *Bridge) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.watches)
}

// RegisterWatch installs a subscription in the registry so notifications
// for its address or external id resolve.
func (b *Bridge) RegisterWatch(sub *domain.WatchSubscription) {
	b.mu.Lock()
	b.watches[sub.AccountID] = sub
	b.byEmail[sub.Email] = sub.AccountID
	b.mu.Unlock()
}

// maskEmail keeps logs useful without recording full addresses we do not own.
func maskEmail(email string) string {
	for i, r := range email {
		if r == '@' {
			if i <= 2 {
				return "***" + email[i:]
			}
			return email[:2] + "***" + email[i:]
		}
	}
	return "***"
}
