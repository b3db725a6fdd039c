package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
)

// CursorAdapter persists per (account, folder) sync resume positions.
type CursorAdapter struct {
	db *sqlx.DB
}

func NewCursorAdapter(db *sqlx.DB) *CursorAdapter {
	return &CursorAdapter{db: db}
}

type cursorEntity struct {
	AccountID   int64          `db:"account_id"`
	Folder      string         `db:"folder"`
	UIDValidity int64          `db:"uid_validity"`
	LastUID     int64          `db:"last_uid"`
	HistoryID   int64          `db:"history_id"`
	DeltaLink   sql.NullString `db:"delta_link"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (e *cursorEntity) toDomain() *domain.SyncCursor {
	cursor := &domain.SyncCursor{
		AccountID:   e.AccountID,
		Folder:      e.Folder,
		UIDValidity: uint32(e.UIDValidity),
		LastUID:     uint32(e.LastUID),
		HistoryID:   uint64(e.HistoryID),
		UpdatedAt:   e.UpdatedAt,
	}
	if e.DeltaLink.Valid {
		cursor.DeltaLink = e.DeltaLink.String
	}
	return cursor
}

// Get returns the stored cursor, or a zero cursor when the folder has never
// been synced.
func (a *CursorAdapter) Get(ctx context.Context, accountID int64, folder string) (*domain.SyncCursor, error) {
	var entity cursorEntity
	query := `SELECT * FROM sync_cursors WHERE account_id = $1 AND folder = $2`
	if err := a.db.GetContext(ctx, &entity, query, accountID, folder); err != nil {
		if err == sql.ErrNoRows {
			return &domain.SyncCursor{AccountID: accountID, Folder: folder}, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *CursorAdapter) Save(ctx context.Context, cursor *domain.SyncCursor) error {
	query := `
		INSERT INTO sync_cursors (account_id, folder, uid_validity, last_uid, history_id, delta_link)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, folder) DO UPDATE SET
			uid_validity = EXCLUDED.uid_validity,
			last_uid = EXCLUDED.last_uid,
			history_id = EXCLUDED.history_id,
			delta_link = EXCLUDED.delta_link,
			updated_at = NOW()
	`
	_, err := a.db.ExecContext(ctx, query,
		cursor.AccountID,
		cursor.Folder,
		int64(cursor.UIDValidity),
		int64(cursor.LastUID),
		int64(cursor.HistoryID),
		toNullableString(cursor.DeltaLink),
	)
	return err
}

func (a *CursorAdapter) Reset(ctx context.Context, accountID int64, folder string) error {
	query := `DELETE FROM sync_cursors WHERE account_id = $1 AND folder = $2`
	_, err := a.db.ExecContext(ctx, query, accountID, folder)
	return err
}
