package persistence

import (
	"context"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/appnoxtech/mini-crm-backend-sub003/infra/database"
)

// testDB connects to the database named by TEST_DATABASE_URL and applies the
// schema. Tests using it are skipped when the variable is unset.
func testDB(t *testing.T) *sqlx.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	pool, err := database.NewPostgres(url)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := database.Migrate(context.Background(), pool); err != nil {
		pool.Close()
		t.Fatalf("migrate failed: %v", err)
	}
	pool.Close()

	db, err := database.NewSQLX(url)
	if err != nil {
		t.Fatalf("sqlx connect failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	db.MustExec(`TRUNCATE email_accounts, email_messages, summary_jobs RESTART IDENTITY CASCADE`)
	return db
}

func seedAccount(t *testing.T, db *sqlx.DB) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`
		INSERT INTO email_accounts (user_id, email, provider)
		VALUES ($1, $2, 'gmail')
		RETURNING id
	`, uuid.New(), uuid.New().String()+"@example.com").Scan(&id)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return id
}

func seedMessage(t *testing.T, db *sqlx.DB, accountID int64, threadKey string, receivedAt time.Time) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO email_messages (account_id, user_id, message_key, thread_key, folder, received_at)
		VALUES ($1, $2, $3, $4, 'INBOX', $5)
	`, accountID, uuid.New(), uuid.New().String(), threadKey, receivedAt)
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func seedJob(t *testing.T, db *sqlx.DB, threadKey, status string, submittedAt time.Time, completedAt *time.Time) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO summary_jobs (thread_key, status, submitted_at, completed_at)
		VALUES ($1, $2, $3, $4)
	`, threadKey, status, submittedAt, completedAt)
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

// TestThreadsNeedingSummaryEligibility verifies which threads the submit
// loop sees: new threads immediately, failed attempts, stale or outdated
// completed summaries; never threads with a fresh summary or a live job.
func TestThreadsNeedingSummaryEligibility(t *testing.T) {
	db := testDB(t)
	accountID := seedAccount(t, db)

	now := time.Now()
	staleBefore := now.Add(-24 * time.Hour)

	// Brand-new thread, no job yet.
	seedMessage(t, db, accountID, "t-new", now.Add(-time.Minute))

	// Summary completed minutes ago, no newer mail.
	seedMessage(t, db, accountID, "t-fresh", now.Add(-2*time.Hour))
	freshDone := now.Add(-10 * time.Minute)
	seedJob(t, db, "t-fresh", "COMPLETED", now.Add(-time.Hour), &freshDone)

	// Summary completed beyond the TTL, no newer mail.
	seedMessage(t, db, accountID, "t-stale", now.Add(-72*time.Hour))
	staleDone := now.Add(-48 * time.Hour)
	seedJob(t, db, "t-stale", "COMPLETED", now.Add(-49*time.Hour), &staleDone)

	// Last attempt failed.
	seedMessage(t, db, accountID, "t-failed", now.Add(-time.Hour))
	failedDone := now.Add(-30 * time.Minute)
	seedJob(t, db, "t-failed", "FAILED", now.Add(-time.Hour), &failedDone)

	// Job still in flight.
	seedMessage(t, db, accountID, "t-live", now.Add(-time.Minute))
	seedJob(t, db, "t-live", "IN_PROGRESS", now.Add(-time.Minute), nil)

	// Fresh summary but newer mail arrived after it completed.
	newMailDone := now.Add(-time.Hour)
	seedMessage(t, db, accountID, "t-newmail", now.Add(-10*time.Minute))
	seedJob(t, db, "t-newmail", "COMPLETED", now.Add(-2*time.Hour), &newMailDone)

	adapter := NewMessageAdapter(db)
	got, err := adapter.ThreadsNeedingSummary(context.Background(), staleBefore, 50)
	if err != nil {
		t.Fatalf("ThreadsNeedingSummary failed: %v", err)
	}
	sort.Strings(got)

	want := []string{"t-failed", "t-new", "t-newmail", "t-stale"}
	if len(got) != len(want) {
		t.Fatalf("eligible threads = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("eligible threads = %v, want %v", got, want)
		}
	}
}

// TestLiveSummaryJobUniquePerThread verifies the schema rejects a second
// non-terminal job for the same thread.
func TestLiveSummaryJobUniquePerThread(t *testing.T) {
	db := testDB(t)

	seedJob(t, db, "t-1", "IN_QUEUE", time.Now(), nil)

	_, err := db.Exec(`
		INSERT INTO summary_jobs (thread_key, status, submitted_at)
		VALUES ('t-1', 'IN_PROGRESS', NOW())
	`)
	if err == nil {
		t.Fatal("second live job for the same thread was accepted")
	}

	// Terminal history for the thread and live jobs on other threads are fine.
	done := time.Now()
	seedJob(t, db, "t-1", "COMPLETED", time.Now().Add(-time.Hour), &done)
	seedJob(t, db, "t-2", "IN_QUEUE", time.Now(), nil)
}
