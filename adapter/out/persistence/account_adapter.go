// Package persistence implements the Postgres repositories.
package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
)

// AccountAdapter persists email accounts. Token and mailbox columns are
// stored as ciphertext; encryption happens in the vault before rows reach
// this adapter.
type AccountAdapter struct {
	db *sqlx.DB
}

func NewAccountAdapter(db *sqlx.DB) *AccountAdapter {
	return &AccountAdapter{db: db}
}

type accountEntity struct {
	ID            int64          `db:"id"`
	UserID        uuid.UUID      `db:"user_id"`
	Email         string         `db:"email"`
	Provider      string         `db:"provider"`
	AccessToken   sql.NullString `db:"access_token"`
	RefreshToken  sql.NullString `db:"refresh_token"`
	TokenExpiry   sql.NullTime   `db:"token_expiry"`
	MailboxConfig sql.NullString `db:"mailbox_config"`

	IsActive     bool           `db:"is_active"`
	LastSyncedAt sql.NullTime   `db:"last_synced_at"`
	LastError    sql.NullString `db:"last_error"`

	WatchExternalID  sql.NullString `db:"watch_external_id"`
	WatchClientState sql.NullString `db:"watch_client_state"`
	WatchExpiry      sql.NullTime   `db:"watch_expiry"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (e *accountEntity) toDomain() *domain.Account {
	account := &domain.Account{
		ID:        e.ID,
		UserID:    e.UserID,
		Email:     e.Email,
		Provider:  domain.ProviderKind(e.Provider),
		IsActive:  e.IsActive,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}

	if e.AccessToken.Valid {
		account.AccessToken = e.AccessToken.String
	}
	if e.RefreshToken.Valid {
		account.RefreshToken = e.RefreshToken.String
	}
	if e.TokenExpiry.Valid {
		account.TokenExpiry = e.TokenExpiry.Time
	}
	if e.MailboxConfig.Valid {
		account.MailboxConfig = e.MailboxConfig.String
	}
	if e.LastSyncedAt.Valid {
		account.LastSyncedAt = e.LastSyncedAt.Time
	}
	if e.LastError.Valid {
		account.LastError = e.LastError.String
	}
	if e.WatchExternalID.Valid {
		account.WatchExternalID = e.WatchExternalID.String
	}
	if e.WatchClientState.Valid {
		account.WatchClientState = e.WatchClientState.String
	}
	if e.WatchExpiry.Valid {
		account.WatchExpiry = e.WatchExpiry.Time
	}

	return account
}

func (a *AccountAdapter) GetByID(ctx context.Context, id int64) (*domain.Account, error) {
	var entity accountEntity
	query := `SELECT * FROM email_accounts WHERE id = $1`
	if err := a.db.GetContext(ctx, &entity, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *AccountAdapter) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	var entity accountEntity
	query := `SELECT * FROM email_accounts WHERE email = $1`
	if err := a.db.GetContext(ctx, &entity, query, email); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *AccountAdapter) ListActive(ctx context.Context) ([]*domain.Account, error) {
	var entities []accountEntity
	query := `SELECT * FROM email_accounts WHERE is_active = TRUE ORDER BY id`
	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, err
	}
	return toAccounts(entities), nil
}

func (a *AccountAdapter) ListStale(ctx context.Context, olderThan time.Time) ([]*domain.Account, error) {
	var entities []accountEntity
	query := `
		SELECT * FROM email_accounts
		WHERE is_active = TRUE
		  AND (last_synced_at IS NULL OR last_synced_at < $1)
		ORDER BY last_synced_at ASC NULLS FIRST
	`
	if err := a.db.SelectContext(ctx, &entities, query, olderThan); err != nil {
		return nil, err
	}
	return toAccounts(entities), nil
}

func (a *AccountAdapter) ListWatchExpiring(ctx context.Context, before time.Time) ([]*domain.Account, error) {
	var entities []accountEntity
	query := `
		SELECT * FROM email_accounts
		WHERE is_active = TRUE
		  AND provider IN ('gmail', 'outlook')
		  AND (watch_expiry IS NULL OR watch_expiry < $1)
		ORDER BY watch_expiry ASC NULLS FIRST
	`
	if err := a.db.SelectContext(ctx, &entities, query, before); err != nil {
		return nil, err
	}
	return toAccounts(entities), nil
}

func (a *AccountAdapter) Create(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO email_accounts (
			user_id, email, provider, access_token, refresh_token,
			token_expiry, mailbox_config, is_active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	return a.db.QueryRowContext(ctx, query,
		account.UserID,
		account.Email,
		string(account.Provider),
		toNullableString(account.AccessToken),
		toNullableString(account.RefreshToken),
		toNullableTime(account.TokenExpiry),
		toNullableString(account.MailboxConfig),
		account.IsActive,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
}

func (a *AccountAdapter) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiry time.Time) error {
	query := `
		UPDATE email_accounts SET
			access_token = $1,
			refresh_token = $2,
			token_expiry = $3,
			last_error = NULL,
			updated_at = NOW()
		WHERE id = $4
	`
	_, err := a.db.ExecContext(ctx, query, accessToken, refreshToken, expiry, id)
	return err
}

func (a *AccountAdapter) UpdateWatch(ctx context.Context, id int64, externalID, clientState string, expiry time.Time) error {
	query := `
		UPDATE email_accounts SET
			watch_external_id = $1,
			watch_client_state = $2,
			watch_expiry = $3,
			updated_at = NOW()
		WHERE id = $4
	`
	_, err := a.db.ExecContext(ctx, query, externalID, sql.NullString{String: clientState, Valid: clientState != ""}, expiry, id)
	return err
}

func (a *AccountAdapter) ClearWatch(ctx context.Context, id int64) error {
	query := `
		UPDATE email_accounts SET
			watch_external_id = NULL,
			watch_client_state = NULL,
			watch_expiry = NULL,
			updated_at = NOW()
		WHERE id = $1
	`
	_, err := a.db.ExecContext(ctx, query, id)
	return err
}

func (a *AccountAdapter) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE email_accounts SET
			last_synced_at = $1,
			last_error = NULL,
			updated_at = NOW()
		WHERE id = $2
	`
	_, err := a.db.ExecContext(ctx, query, at, id)
	return err
}

func (a *AccountAdapter) Deactivate(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE email_accounts SET
			is_active = FALSE,
			last_error = $1,
			watch_external_id = NULL,
			watch_expiry = NULL,
			updated_at = NOW()
		WHERE id = $2
	`
	_, err := a.db.ExecContext(ctx, query, toNullableString(reason), id)
	return err
}

func toAccounts(entities []accountEntity) []*domain.Account {
	accounts := make([]*domain.Account, len(entities))
	for i := range entities {
		accounts[i] = entities[i].toDomain()
	}
	return accounts
}

func toNullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func toNullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
