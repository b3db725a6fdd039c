// Package ingest writes fetched messages into storage: in-batch dedupe,
// at-most-once content, always-refreshed metadata.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

// Pipeline ingests batches of raw messages for one account at a time.
type Pipeline struct {
	metas    out.MessageMetadataRepository
	contents out.ContentRepository
	realtime out.RealtimePort
}

// NewPipeline wires the pipeline. contents and realtime may be nil; without
// a content store only metadata is recorded, and the empty content slot
// stays overwritable once a store is configured.
func NewPipeline(metas out.MessageMetadataRepository, contents out.ContentRepository, realtime out.RealtimePort) *Pipeline {
	return &Pipeline{
		metas:    metas,
		contents: contents,
		realtime: realtime,
	}
}

// Ingest deduplicates, stores content for unseen identifiers, and upserts
// metadata rows. Re-running it with an unchanged message set is a no-op on
// content; metadata rows are refreshed in place. Malformed records are
// skipped without aborting the batch.
func (p *Pipeline) Ingest(ctx context.Context, account *domain.Account, raws []*domain.RawMessage) (*domain.IngestResult, error) {
	result := &domain.IngestResult{}
	if len(raws) == 0 {
		return result, nil
	}

	deduped := dedupeBatch(raws)

	keys := make([]string, 0, len(deduped))
	for _, raw := range deduped {
		keys = append(keys, raw.MessageKey)
	}
	existing, err := p.metas.ExistingKeys(ctx, account.ID, keys)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	metas := make([]*domain.MessageMetadata, 0, len(deduped))
	var fresh []*domain.RawMessage
	for _, raw := range deduped {
		if raw.MessageKey == "" {
			logger.WithAccount(fmt.Sprintf("%d", account.ID)).
				Warn("[Ingest] skipping message without provider id in folder %s", raw.Folder)
			result.Skipped++
			continue
		}

		if err := p.storeContent(ctx, raw, now); err != nil {
			// Content store failures degrade to metadata-only ingestion;
			// the empty content slot stays overwritable on re-fetch.
			logger.WithError(err).Warn("[Ingest] content write failed for %s", raw.MessageKey)
		}

		metas = append(metas, toMetadata(account, raw, now))
		if existing[raw.MessageKey] {
			result.Skipped++
		} else {
			result.Inserted++
			fresh = append(fresh, raw)
		}
	}

	if len(metas) == 0 {
		return result, nil
	}

	if err := p.metas.BulkUpsert(ctx, metas); err != nil {
		logger.WithError(err).WithAccount(fmt.Sprintf("%d", account.ID)).
			Warn("[Ingest] bulk upsert failed, falling back to per-message writes")
		result = p.fallback(ctx, account, metas, existing)
	}

	p.notify(ctx, account, fresh, result)
	return result, nil
}

// fallback re-ingests one row at a time after a failed batch transaction so
// a single bad record cannot block the rest.
func (p *Pipeline) fallback(ctx context.Context, account *domain.Account, metas []*domain.MessageMetadata, existing map[string]bool) *domain.IngestResult {
	result := &domain.IngestResult{}
	for _, meta := range metas {
		if err := p.metas.Upsert(ctx, meta); err != nil {
			logger.WithError(err).WithAccount(fmt.Sprintf("%d", account.ID)).
				Warn("[Ingest] dropping message %s", meta.MessageKey)
			result.Skipped++
			continue
		}
		if existing[meta.MessageKey] {
			result.Skipped++
		} else {
			result.Inserted++
		}
	}
	return result
}

func (p *Pipeline) storeContent(ctx context.Context, raw *domain.RawMessage, now time.Time) error {
	if p.contents == nil {
		return nil
	}
	content := &domain.MessageContent{
		MessageKey:  raw.MessageKey,
		TextBody:    raw.TextBody,
		HTMLBody:    raw.HTMLBody,
		Attachments: raw.Attachments,
		ParseFailed: raw.ParseFailed,
		UpdatedAt:   now,
	}
	if raw.ParseFailed {
		content.TextBody = domain.ParseFailedSentinel
		content.HTMLBody = ""
	}
	_, err := p.contents.PutIfAbsentOrEmpty(ctx, content)
	return err
}

func (p *Pipeline) notify(ctx context.Context, account *domain.Account, fresh []*domain.RawMessage, result *domain.IngestResult) {
	if p.realtime == nil {
		return
	}
	userID := account.UserID.String()
	for _, raw := range fresh {
		p.realtime.Push(ctx, userID, &domain.RealtimeEvent{
			Type:      domain.EventNewMessage,
			UserID:    userID,
			AccountID: account.ID,
			Payload: domain.NewMessagePayload{
				MessageKey: raw.MessageKey,
				ThreadKey:  raw.ThreadKey,
				Folder:     raw.Folder,
				From:       raw.From,
				Subject:    raw.Subject,
				Snippet:    DeriveSnippet(raw.TextBody, raw.HTMLBody),
			},
			Timestamp: time.Now(),
		})
	}
	p.realtime.Push(ctx, userID, &domain.RealtimeEvent{
		Type:      domain.EventSyncProgress,
		UserID:    userID,
		AccountID: account.ID,
		Payload: domain.SyncProgressPayload{
			Inserted: result.Inserted,
			Skipped:  result.Skipped,
		},
		Timestamp: time.Now(),
	})
}

// dedupeBatch collapses duplicate identifiers inside one batch, preferring
// the variant that carries content.
func dedupeBatch(raws []*domain.RawMessage) []*domain.RawMessage {
	seen := make(map[string]int, len(raws))
	deduped := make([]*domain.RawMessage, 0, len(raws))
	for _, raw := range raws {
		idx, ok := seen[raw.MessageKey]
		if !ok || raw.MessageKey == "" {
			seen[raw.MessageKey] = len(deduped)
			deduped = append(deduped, raw)
			continue
		}
		if !deduped[idx].HasContent() && raw.HasContent() {
			deduped[idx] = raw
		}
	}
	return deduped
}

func toMetadata(account *domain.Account, raw *domain.RawMessage, now time.Time) *domain.MessageMetadata {
	return &domain.MessageMetadata{
		AccountID:  account.ID,
		UserID:     account.UserID,
		MessageKey: raw.MessageKey,
		ThreadKey:  raw.ThreadKey,
		Folder:     raw.Folder,
		UID:        raw.UID,
		From:       raw.From,
		To:         raw.To,
		Cc:         raw.Cc,
		Subject:    raw.Subject,
		Snippet:    DeriveSnippet(raw.TextBody, raw.HTMLBody),
		IsRead:     raw.IsRead,
		IsStarred:  raw.IsStarred,
		Labels:     raw.Labels,
		ReceivedAt: raw.ReceivedAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
