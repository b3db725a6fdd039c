package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS email_accounts (
    id                BIGSERIAL PRIMARY KEY,
    user_id           UUID NOT NULL,
    email             TEXT NOT NULL UNIQUE,
    provider          TEXT NOT NULL,
    access_token      TEXT,
    refresh_token     TEXT,
    token_expiry      TIMESTAMPTZ,
    mailbox_config    TEXT,
    is_active         BOOLEAN NOT NULL DEFAULT TRUE,
    last_synced_at    TIMESTAMPTZ,
    last_error        TEXT,
    watch_external_id TEXT,
    watch_client_state TEXT,
    watch_expiry      TIMESTAMPTZ,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

ALTER TABLE email_accounts ADD COLUMN IF NOT EXISTS watch_client_state TEXT;

CREATE INDEX IF NOT EXISTS idx_email_accounts_active
    ON email_accounts (is_active, last_synced_at);
CREATE INDEX IF NOT EXISTS idx_email_accounts_watch
    ON email_accounts (watch_expiry) WHERE watch_external_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS email_messages (
    id          BIGSERIAL PRIMARY KEY,
    account_id  BIGINT NOT NULL REFERENCES email_accounts(id) ON DELETE CASCADE,
    user_id     UUID NOT NULL,
    message_key TEXT NOT NULL,
    thread_key  TEXT NOT NULL,
    folder      TEXT NOT NULL,
    uid         BIGINT NOT NULL DEFAULT 0,
    from_addr   TEXT NOT NULL DEFAULT '',
    to_addrs    TEXT[] NOT NULL DEFAULT '{}',
    cc_addrs    TEXT[] NOT NULL DEFAULT '{}',
    subject     TEXT NOT NULL DEFAULT '',
    snippet     TEXT NOT NULL DEFAULT '',
    is_read     BOOLEAN NOT NULL DEFAULT FALSE,
    is_starred  BOOLEAN NOT NULL DEFAULT FALSE,
    labels      TEXT[] NOT NULL DEFAULT '{}',
    received_at TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (account_id, message_key)
);

CREATE INDEX IF NOT EXISTS idx_email_messages_thread
    ON email_messages (thread_key, received_at);
CREATE INDEX IF NOT EXISTS idx_email_messages_folder
    ON email_messages (account_id, folder, received_at DESC);

CREATE TABLE IF NOT EXISTS sync_cursors (
    account_id   BIGINT NOT NULL REFERENCES email_accounts(id) ON DELETE CASCADE,
    folder       TEXT NOT NULL,
    uid_validity BIGINT NOT NULL DEFAULT 0,
    last_uid     BIGINT NOT NULL DEFAULT 0,
    history_id   BIGINT NOT NULL DEFAULT 0,
    delta_link   TEXT,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (account_id, folder)
);

CREATE TABLE IF NOT EXISTS summary_jobs (
    id           BIGSERIAL PRIMARY KEY,
    thread_key   TEXT NOT NULL,
    external_id  TEXT,
    status       TEXT NOT NULL,
    summary      TEXT,
    participants TEXT[] NOT NULL DEFAULT '{}',
    error_reason TEXT,
    submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_summary_jobs_thread
    ON summary_jobs (thread_key, submitted_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS uq_summary_jobs_live
    ON summary_jobs (thread_key) WHERE status IN ('IN_QUEUE', 'IN_PROGRESS');
`

// Migrate applies the schema. Statements are idempotent, so running at every
// startup is safe.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
