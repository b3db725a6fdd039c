package out

import (
	"context"
	"time"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
)

// AccountRepository persists mailbox connections. Credential columns are
// written pre-encrypted by the vault; the repository never sees plaintext.
type AccountRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	ListActive(ctx context.Context) ([]*domain.Account, error)
	// ListStale returns active accounts whose last sync is older than the
	// freshness window.
	ListStale(ctx context.Context, olderThan time.Time) ([]*domain.Account, error)
	// ListWatchExpiring returns push-capable active accounts whose watch
	// expires before the deadline.
	ListWatchExpiring(ctx context.Context, before time.Time) ([]*domain.Account, error)

	Create(ctx context.Context, account *domain.Account) error
	// UpdateTokens atomically replaces the encrypted token pair and expiry.
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error
	UpdateWatch(ctx context.Context, id int64, externalID, clientState string, expiry time.Time) error
	ClearWatch(ctx context.Context, id int64) error
	MarkSynced(ctx context.Context, id int64, at time.Time) error
	// Deactivate soft-disables an account after a permanent auth failure.
	Deactivate(ctx context.Context, id int64, reason string) error
}

// MessageMetadataRepository persists the per-account message rows.
type MessageMetadataRepository interface {
	// ExistingKeys returns the subset of keys already stored for the account.
	ExistingKeys(ctx context.Context, accountID int64, keys []string) (map[string]bool, error)
	Upsert(ctx context.Context, meta *domain.MessageMetadata) error
	BulkUpsert(ctx context.Context, metas []*domain.MessageMetadata) error
	ListByThread(ctx context.Context, threadKey string) ([]*domain.MessageMetadata, error)
	// ThreadsNeedingSummary returns thread keys with messages newer than
	// their last completed summary (or with no summary at all) and no
	// non-terminal job, capped at limit.
	ThreadsNeedingSummary(ctx context.Context, staleBefore time.Time, limit int) ([]string, error)
}

// ContentRepository stores message bodies keyed by the provider-stable
// message key, at most once per key.
type ContentRepository interface {
	Get(ctx context.Context, messageKey string) (*domain.MessageContent, error)
	GetMany(ctx context.Context, messageKeys []string) (map[string]*domain.MessageContent, error)
	// PutIfAbsentOrEmpty writes content only when no populated content is
	// stored for the key. Returns true when a write happened.
	PutIfAbsentOrEmpty(ctx context.Context, content *domain.MessageContent) (bool, error)
}

// CursorRepository persists per (account, folder) resume positions.
type CursorRepository interface {
	Get(ctx context.Context, accountID int64, folder string) (*domain.SyncCursor, error)
	Save(ctx context.Context, cursor *domain.SyncCursor) error
	Reset(ctx context.Context, accountID int64, folder string) error
}

// SummaryJobRepository persists summarization job state across restarts.
type SummaryJobRepository interface {
	Create(ctx context.Context, job *domain.SummarizationJob) error
	GetByThread(ctx context.Context, threadKey string) (*domain.SummarizationJob, error)
	ListNonTerminal(ctx context.Context) ([]*domain.SummarizationJob, error)
	UpdateStatus(ctx context.Context, id int64, status domain.JobStatus, errorReason string) error
	Complete(ctx context.Context, id int64, summary string, participants []string) error
}
