package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProviderKind identifies how an account talks to its mailbox.
type ProviderKind string

const (
	ProviderGmail    ProviderKind = "gmail"
	ProviderOutlook  ProviderKind = "outlook"
	ProviderIMAPSMTP ProviderKind = "imap_smtp"
	ProviderSMTP     ProviderKind = "smtp"
)

// OAuthBacked reports whether the provider authenticates with OAuth tokens.
func (p ProviderKind) OAuthBacked() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

// PushCapable reports whether the provider supports watch subscriptions.
func (p ProviderKind) PushCapable() bool {
	return p == ProviderGmail || p == ProviderOutlook
}

// Account is one mailbox connection. Credential columns hold only
// ciphertext; plaintext exists in Credential values returned by the vault.
type Account struct {
	ID           int64        `json:"id"`
	UserID       uuid.UUID    `json:"user_id"`
	Email        string       `json:"email"`
	Provider     ProviderKind `json:"provider"`
	AccessToken  string       `json:"-"`
	RefreshToken string       `json:"-"`
	TokenExpiry  time.Time    `json:"token_expiry"`
	// MailboxConfig holds the encrypted IMAP/SMTP connection bundle for
	// basic-auth accounts; empty for OAuth accounts.
	MailboxConfig string `json:"-"`

	IsActive     bool      `json:"is_active"`
	LastSyncedAt time.Time `json:"last_synced_at"`
	LastError    string    `json:"last_error,omitempty"`

	WatchExternalID  string    `json:"watch_external_id,omitempty"`
	WatchClientState string    `json:"-"`
	WatchExpiry      time.Time `json:"watch_expiry,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Credential is the decrypted, in-memory form of an account's secrets.
// Never persisted and never logged.
type Credential struct {
	Provider ProviderKind
	// OAuth
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	// IMAP/SMTP
	Mailbox *MailboxConfig
}

// MailboxConfig parameterizes plain IMAP/SMTP connections.
type MailboxConfig struct {
	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	Username string `json:"username"`
	Password string `json:"password"`
	UseTLS   bool   `json:"use_tls"`
}
