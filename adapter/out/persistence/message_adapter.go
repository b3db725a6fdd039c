package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
)

// MessageAdapter persists per-account message metadata rows. Bodies live in
// the content store; this table holds placement, flags, and addressing only.
type MessageAdapter struct {
	db *sqlx.DB
}

func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

type messageEntity struct {
	ID         int64          `db:"id"`
	AccountID  int64          `db:"account_id"`
	UserID     uuid.UUID      `db:"user_id"`
	MessageKey string         `db:"message_key"`
	ThreadKey  string         `db:"thread_key"`
	Folder     string         `db:"folder"`
	UID        int64          `db:"uid"`
	FromAddr   string         `db:"from_addr"`
	ToAddrs    pq.StringArray `db:"to_addrs"`
	CcAddrs    pq.StringArray `db:"cc_addrs"`
	Subject    string         `db:"subject"`
	Snippet    string         `db:"snippet"`
	IsRead     bool           `db:"is_read"`
	IsStarred  bool           `db:"is_starred"`
	Labels     pq.StringArray `db:"labels"`
	ReceivedAt time.Time      `db:"received_at"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (e *messageEntity) toDomain() *domain.MessageMetadata {
	return &domain.MessageMetadata{
		ID:         e.ID,
		AccountID:  e.AccountID,
		UserID:     e.UserID,
		MessageKey: e.MessageKey,
		ThreadKey:  e.ThreadKey,
		Folder:     e.Folder,
		UID:        uint32(e.UID),
		From:       e.FromAddr,
		To:         []string(e.ToAddrs),
		Cc:         []string(e.CcAddrs),
		Subject:    e.Subject,
		Snippet:    e.Snippet,
		IsRead:     e.IsRead,
		IsStarred:  e.IsStarred,
		Labels:     []string(e.Labels),
		ReceivedAt: e.ReceivedAt,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

func (a *MessageAdapter) ExistingKeys(ctx context.Context, accountID int64, keys []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return existing, nil
	}

	var found []string
	query := `SELECT message_key FROM email_messages WHERE account_id = $1 AND message_key = ANY($2)`
	if err := a.db.SelectContext(ctx, &found, query, accountID, pq.Array(keys)); err != nil {
		return nil, err
	}
	for _, key := range found {
		existing[key] = true
	}
	return existing, nil
}

const upsertMessageQuery = `
	INSERT INTO email_messages (
		account_id, user_id, message_key, thread_key, folder, uid,
		from_addr, to_addrs, cc_addrs, subject, snippet,
		is_read, is_starred, labels, received_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (account_id, message_key) DO UPDATE SET
		thread_key = EXCLUDED.thread_key,
		folder = EXCLUDED.folder,
		uid = EXCLUDED.uid,
		is_read = EXCLUDED.is_read,
		is_starred = EXCLUDED.is_starred,
		labels = EXCLUDED.labels,
		updated_at = NOW()
	RETURNING id, created_at, updated_at
`

func (a *MessageAdapter) Upsert(ctx context.Context, meta *domain.MessageMetadata) error {
	return a.db.QueryRowContext(ctx, upsertMessageQuery, upsertArgs(meta)...).
		Scan(&meta.ID, &meta.CreatedAt, &meta.UpdatedAt)
}

// BulkUpsert writes the batch in one transaction. The caller falls back to
// per-message Upsert when the transaction fails, so a single malformed row
// cannot sink its whole batch.
func (a *MessageAdapter) BulkUpsert(ctx context.Context, metas []*domain.MessageMetadata) error {
	if len(metas) == 0 {
		return nil
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, upsertMessageQuery)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, meta := range metas {
		if err := stmt.QueryRowContext(ctx, upsertArgs(meta)...).
			Scan(&meta.ID, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertArgs(meta *domain.MessageMetadata) []interface{} {
	return []interface{}{
		meta.AccountID,
		meta.UserID,
		meta.MessageKey,
		meta.ThreadKey,
		meta.Folder,
		int64(meta.UID),
		meta.From,
		pq.Array(meta.To),
		pq.Array(meta.Cc),
		meta.Subject,
		meta.Snippet,
		meta.IsRead,
		meta.IsStarred,
		pq.Array(meta.Labels),
		meta.ReceivedAt,
	}
}

func (a *MessageAdapter) ListByThread(ctx context.Context, threadKey string) ([]*domain.MessageMetadata, error) {
	var entities []messageEntity
	query := `SELECT * FROM email_messages WHERE thread_key = $1 ORDER BY received_at ASC`
	if err := a.db.SelectContext(ctx, &entities, query, threadKey); err != nil {
		return nil, err
	}

	metas := make([]*domain.MessageMetadata, len(entities))
	for i := range entities {
		metas[i] = entities[i].toDomain()
	}
	return metas, nil
}

// ThreadsNeedingSummary finds threads with no summary yet, a failed last
// attempt, or a completed summary that went stale (finished before
// staleBefore or predates the newest message). Threads with a live job are
// skipped.
func (a *MessageAdapter) ThreadsNeedingSummary(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	var threadKeys []string
	query := `
		SELECT m.thread_key
		FROM email_messages m
		LEFT JOIN LATERAL (
			SELECT j.status, j.completed_at
			FROM summary_jobs j
			WHERE j.thread_key = m.thread_key
			ORDER BY j.submitted_at DESC
			LIMIT 1
		) latest ON TRUE
		GROUP BY m.thread_key, latest.status, latest.completed_at
		HAVING latest.status IS NULL
		    OR latest.status IN ('FAILED', 'CANCELLED')
		    OR (latest.status = 'COMPLETED'
		        AND (latest.completed_at < $1
		             OR MAX(m.received_at) > latest.completed_at))
		ORDER BY MAX(m.received_at) DESC
		LIMIT $2
	`
	if err := a.db.SelectContext(ctx, &threadKeys, query, staleBefore, limit); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return threadKeys, nil
}
