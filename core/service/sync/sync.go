// Package sync runs one account's mailbox synchronization end to end:
// credentials, page-wise fetch, ingestion, cursor advancement.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/service/ingest"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

// Syncer performs full account syncs. It holds no per-account state; the
// scheduler guarantees at most one run per account is in flight.
type Syncer struct {
	accounts out.AccountRepository
	vault    out.TokenVault
	factory  out.ConnectorFactory
	cursors  out.CursorRepository
	pipeline *ingest.Pipeline
	realtime out.RealtimePort
}

func NewSyncer(
	accounts out.AccountRepository,
	vault out.TokenVault,
	factory out.ConnectorFactory,
	cursors out.CursorRepository,
	pipeline *ingest.Pipeline,
	realtime out.RealtimePort,
) *Syncer {
	return &Syncer{
		accounts: accounts,
		vault:    vault,
		factory:  factory,
		cursors:  cursors,
		pipeline: pipeline,
		realtime: realtime,
	}
}

// SyncAccount fetches everything new for the account across its folders.
// The cursor is persisted after every ingested page, so a failure mid-fetch
// resumes from the last completed page on the next run.
func (s *Syncer) SyncAccount(ctx context.Context, accountID int64) error {
	started := time.Now()
	log := logger.WithAccount(fmt.Sprintf("%d", accountID))

	account, err := s.vault.GetAccount(ctx, accountID)
	if err != nil {
		return apperr.DatabaseError("load account", err)
	}
	if !account.IsActive {
		return apperr.New(apperr.CodeMissingConfig, "account is deactivated", apperr.KindPermanent, 409)
	}

	cred, err := s.vault.GetValidCredential(ctx, account)
	if err != nil {
		return err
	}

	connector, err := s.factory.ConnectorFor(account.Provider)
	if err != nil {
		return err
	}

	folders, err := connector.Folders(ctx, cred)
	if err != nil {
		return err
	}

	var totalInserted, totalSkipped int
	for _, folder := range folders {
		inserted, skipped, err := s.syncFolder(ctx, account, cred, connector, folder)
		totalInserted += inserted
		totalSkipped += skipped
		if err != nil {
			// Cursors for already-completed folders are persisted; report
			// the failure and let the scheduler decide on a retry.
			return err
		}
	}

	if err := s.accounts.MarkSynced(ctx, account.ID, time.Now()); err != nil {
		log.WithError(err).Error("[Sync] failed to record sync watermark")
	}

	log.WithDuration(time.Since(started)).
		Info("[Sync] account synced, %d inserted, %d skipped", totalInserted, totalSkipped)
	s.pushDone(ctx, account, totalInserted, totalSkipped)
	return nil
}

func (s *Syncer) syncFolder(ctx context.Context, account *domain.Account, cred *domain.Credential, connector out.MailConnector, folder string) (int, int, error) {
	cursor, err := s.cursors.Get(ctx, account.ID, folder)
	if err != nil {
		return 0, 0, apperr.DatabaseError("load cursor", err)
	}

	var inserted, skipped int
	for {
		page, err := connector.FetchPage(ctx, cred, folder, cursor)
		if err != nil {
			return inserted, skipped, err
		}
		if page.CursorReset {
			logger.WithAccount(fmt.Sprintf("%d", account.ID)).
				Warn("[Sync] cursor reset for folder %s, re-syncing from start", folder)
		}

		if len(page.Messages) > 0 {
			result, err := s.pipeline.Ingest(ctx, account, page.Messages)
			if err != nil {
				return inserted, skipped, err
			}
			inserted += result.Inserted
			skipped += result.Skipped
		}

		next := page.NextCursor
		next.AccountID = account.ID
		next.Folder = folder
		next.UpdatedAt = time.Now()
		if err := s.cursors.Save(ctx, &next); err != nil {
			return inserted, skipped, apperr.DatabaseError("save cursor", err)
		}
		cursor = &next

		if !page.HasMore {
			return inserted, skipped, nil
		}
	}
}

func (s *Syncer) pushDone(ctx context.Context, account *domain.Account, inserted, skipped int) {
	if s.realtime == nil {
		return
	}
	userID := account.UserID.String()
	s.realtime.Push(ctx, userID, &domain.RealtimeEvent{
		Type:      domain.EventSyncDone,
		UserID:    userID,
		AccountID: account.ID,
		Payload: domain.SyncProgressPayload{
			Inserted: inserted,
			Skipped:  skipped,
		},
		Timestamp: time.Now(),
	})
}

// Send delivers a draft through the account's provider and returns the
// provider-assigned message id.
func (s *Syncer) Send(ctx context.Context, accountID int64, draft *domain.Draft) (string, error) {
	account, err := s.vault.GetAccount(ctx, accountID)
	if err != nil {
		return "", apperr.DatabaseError("load account", err)
	}
	cred, err := s.vault.GetValidCredential(ctx, account)
	if err != nil {
		return "", err
	}
	connector, err := s.factory.ConnectorFor(account.Provider)
	if err != nil {
		return "", err
	}
	if draft.From == "" {
		draft.From = account.Email
	}
	return connector.Send(ctx, cred, draft)
}
