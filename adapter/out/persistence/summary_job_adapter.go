package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
)

// SummaryJobAdapter persists summarization job state. The external id lands
// in the same row as the submission so a restart resumes polling in-flight
// jobs instead of re-submitting their threads.
type SummaryJobAdapter struct {
	db *sqlx.DB
}

func NewSummaryJobAdapter(db *sqlx.DB) *SummaryJobAdapter {
	return &SummaryJobAdapter{db: db}
}

type summaryJobEntity struct {
	ID           int64          `db:"id"`
	ThreadKey    string         `db:"thread_key"`
	ExternalID   sql.NullString `db:"external_id"`
	Status       string         `db:"status"`
	Summary      sql.NullString `db:"summary"`
	Participants pq.StringArray `db:"participants"`
	ErrorReason  sql.NullString `db:"error_reason"`
	SubmittedAt  time.Time      `db:"submitted_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

func (e *summaryJobEntity) toDomain() *domain.SummarizationJob {
	job := &domain.SummarizationJob{
		ID:           e.ID,
		ThreadKey:    e.ThreadKey,
		Status:       domain.JobStatus(e.Status),
		Participants: []string(e.Participants),
		SubmittedAt:  e.SubmittedAt,
	}
	if e.ExternalID.Valid {
		job.ExternalID = e.ExternalID.String
	}
	if e.Summary.Valid {
		job.Summary = e.Summary.String
	}
	if e.ErrorReason.Valid {
		job.ErrorReason = e.ErrorReason.String
	}
	if e.CompletedAt.Valid {
		job.CompletedAt = e.CompletedAt.Time
	}
	return job
}

func (a *SummaryJobAdapter) Create(ctx context.Context, job *domain.SummarizationJob) error {
	query := `
		INSERT INTO summary_jobs (thread_key, external_id, status)
		VALUES ($1, $2, $3)
		RETURNING id, submitted_at
	`
	return a.db.QueryRowContext(ctx, query,
		job.ThreadKey,
		toNullableString(job.ExternalID),
		string(job.Status),
	).Scan(&job.ID, &job.SubmittedAt)
}

// GetByThread returns the most recent job for the thread, or nil when the
// thread was never submitted.
func (a *SummaryJobAdapter) GetByThread(ctx context.Context, threadKey string) (*domain.SummarizationJob, error) {
	var entity summaryJobEntity
	query := `
		SELECT * FROM summary_jobs
		WHERE thread_key = $1
		ORDER BY submitted_at DESC
		LIMIT 1
	`
	if err := a.db.GetContext(ctx, &entity, query, threadKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return entity.toDomain(), nil
}

func (a *SummaryJobAdapter) ListNonTerminal(ctx context.Context) ([]*domain.SummarizationJob, error) {
	var entities []summaryJobEntity
	query := `
		SELECT * FROM summary_jobs
		WHERE status IN ('IN_QUEUE', 'IN_PROGRESS')
		ORDER BY submitted_at ASC
	`
	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, err
	}

	jobs := make([]*domain.SummarizationJob, len(entities))
	for i := range entities {
		jobs[i] = entities[i].toDomain()
	}
	return jobs, nil
}

func (a *SummaryJobAdapter) UpdateStatus(ctx context.Context, id int64, status domain.JobStatus, errorReason string) error {
	query := `
		UPDATE summary_jobs SET
			status = $1,
			error_reason = $2,
			completed_at = CASE WHEN $1 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN NOW() ELSE completed_at END
		WHERE id = $3
	`
	_, err := a.db.ExecContext(ctx, query, string(status), toNullableString(errorReason), id)
	return err
}

func (a *SummaryJobAdapter) Complete(ctx context.Context, id int64, summary string, participants []string) error {
	query := `
		UPDATE summary_jobs SET
			status = 'COMPLETED',
			summary = $1,
			participants = $2,
			error_reason = NULL,
			completed_at = NOW()
		WHERE id = $3
	`
	_, err := a.db.ExecContext(ctx, query, summary, pq.Array(participants), id)
	return err
}
