package out

import (
	"context"
	"time"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
)

// MailConnector is the uniform surface over IMAP, SMTP, and OAuth mail APIs.
// Implementations receive decrypted credentials per call and hold no
// per-account state between calls.
type MailConnector interface {
	MailFetcher
	MailSender
	MailWatcher
}

// MailFetcher pulls messages page by page so a partial failure resumes from
// the last persisted cursor rather than from scratch.
type MailFetcher interface {
	// FetchPage returns the next page after cursor. Send-only backends
	// return a permanent fetch-unsupported error.
	FetchPage(ctx context.Context, cred *domain.Credential, folder string, cursor *domain.SyncCursor) (*domain.FetchPage, error)
	// Folders lists the folders the backend will sync.
	Folders(ctx context.Context, cred *domain.Credential) ([]string, error)
}

// MailSender submits a draft and returns the provider-assigned message id.
type MailSender interface {
	Send(ctx context.Context, cred *domain.Credential, draft *domain.Draft) (string, error)
}

// MailWatcher manages provider push subscriptions. Backends without push
// support return ok=false from SupportsWatch and reject the other calls.
type MailWatcher interface {
	SupportsWatch() bool
	Watch(ctx context.Context, cred *domain.Credential, email string) (*domain.WatchSubscription, error)
	StopWatch(ctx context.Context, cred *domain.Credential, externalID string) error
}

// ConnectorFactory resolves the connector for an account's provider kind.
type ConnectorFactory interface {
	ConnectorFor(kind domain.ProviderKind) (MailConnector, error)
}

// TokenVault yields usable credentials, refreshing and re-persisting OAuth
// tokens as needed. A permanent auth error means the account was deactivated.
// Account reads go through the vault's TTL cache, which is invalidated on
// every token or active-flag mutation.
type TokenVault interface {
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetValidCredential(ctx context.Context, account *domain.Account) (*domain.Credential, error)
}

// Clock is injected where schedules must be testable.
type Clock interface {
	Now() time.Time
}
