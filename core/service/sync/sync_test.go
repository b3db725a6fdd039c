package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/service/ingest"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
)

type syncAccountRepo struct {
	account    *domain.Account
	syncedAt   time.Time
	syncMarked bool
}

func (r *syncAccountRepo) GetByID(context.Context, int64) (*domain.Account, error) {
	return r.account, nil
}
func (r *syncAccountRepo) GetByEmail(context.Context, string) (*domain.Account, error) {
	return r.account, nil
}
func (r *syncAccountRepo) ListActive(context.Context) ([]*domain.Account, error) { return nil, nil }
func (r *syncAccountRepo) ListStale(context.Context, time.Time) ([]*domain.Account, error) {
	return nil, nil
}
func (r *syncAccountRepo) ListWatchExpiring(context.Context, time.Time) ([]*domain.Account, error) {
	return nil, nil
}
func (r *syncAccountRepo) Create(context.Context, *domain.Account) error { return nil }
func (r *syncAccountRepo) UpdateTokens(context.Context, int64, string, string, time.Time) error {
	return nil
}
func (r *syncAccountRepo) UpdateWatch(context.Context, int64, string, string, time.Time) error {
	return nil
}
func (r *syncAccountRepo) ClearWatch(context.Context, int64) error { return nil }
func (r *syncAccountRepo) MarkSynced(_ context.Context, _ int64, at time.Time) error {
	r.syncMarked = true
	r.syncedAt = at
	return nil
}
func (r *syncAccountRepo) Deactivate(context.Context, int64, string) error { return nil }

type syncVault struct {
	accounts out.AccountRepository
}

func (v syncVault) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return v.accounts.GetByID(ctx, id)
}

func (syncVault) GetValidCredential(context.Context, *domain.Account) (*domain.Credential, error) {
	return &domain.Credential{Provider: domain.ProviderIMAPSMTP}, nil
}

type memCursorRepo struct {
	cursors map[string]*domain.SyncCursor
	saves   int
}

func newMemCursorRepo() *memCursorRepo {
	return &memCursorRepo{cursors: make(map[string]*domain.SyncCursor)}
}

func (r *memCursorRepo) Get(_ context.Context, accountID int64, folder string) (*domain.SyncCursor, error) {
	if c, ok := r.cursors[folder]; ok {
		return c, nil
	}
	return &domain.SyncCursor{AccountID: accountID, Folder: folder}, nil
}
func (r *memCursorRepo) Save(_ context.Context, cursor *domain.SyncCursor) error {
	r.saves++
	stored := *cursor
	r.cursors[cursor.Folder] = &stored
	return nil
}
func (r *memCursorRepo) Reset(_ context.Context, _ int64, folder string) error {
	delete(r.cursors, folder)
	return nil
}

// scriptedConnector replays a fixed sequence of pages and records the cursor
// each fetch started from.
type scriptedConnector struct {
	script      []func(cursor *domain.SyncCursor) (*domain.FetchPage, error)
	call        int
	seenCursors []domain.SyncCursor
}

func (c *scriptedConnector) FetchPage(_ context.Context, _ *domain.Credential, _ string, cursor *domain.SyncCursor) (*domain.FetchPage, error) {
	c.seenCursors = append(c.seenCursors, *cursor)
	if c.call >= len(c.script) {
		return &domain.FetchPage{NextCursor: *cursor}, nil
	}
	step := c.script[c.call]
	c.call++
	return step(cursor)
}
func (c *scriptedConnector) Folders(context.Context, *domain.Credential) ([]string, error) {
	return []string{"INBOX"}, nil
}
func (c *scriptedConnector) Send(context.Context, *domain.Credential, *domain.Draft) (string, error) {
	return "<id@test>", nil
}
func (c *scriptedConnector) SupportsWatch() bool { return false }
func (c *scriptedConnector) Watch(context.Context, *domain.Credential, string) (*domain.WatchSubscription, error) {
	return nil, apperr.FetchUnsupported("scripted")
}
func (c *scriptedConnector) StopWatch(context.Context, *domain.Credential, string) error {
	return nil
}

type singleFactory struct {
	connector out.MailConnector
}

func (f *singleFactory) ConnectorFor(domain.ProviderKind) (out.MailConnector, error) {
	return f.connector, nil
}

type nullMetaRepo struct{}

func (nullMetaRepo) ExistingKeys(context.Context, int64, []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}
func (nullMetaRepo) Upsert(context.Context, *domain.MessageMetadata) error       { return nil }
func (nullMetaRepo) BulkUpsert(context.Context, []*domain.MessageMetadata) error { return nil }
func (nullMetaRepo) ListByThread(context.Context, string) ([]*domain.MessageMetadata, error) {
	return nil, nil
}
func (nullMetaRepo) ThreadsNeedingSummary(context.Context, time.Time, int) ([]string, error) {
	return nil, nil
}

type nullContentRepo struct{}

func (nullContentRepo) Get(context.Context, string) (*domain.MessageContent, error) {
	return nil, nil
}
func (nullContentRepo) GetMany(context.Context, []string) (map[string]*domain.MessageContent, error) {
	return map[string]*domain.MessageContent{}, nil
}
func (nullContentRepo) PutIfAbsentOrEmpty(context.Context, *domain.MessageContent) (bool, error) {
	return true, nil
}

func newTestSyncer(connector out.MailConnector, cursors out.CursorRepository, accounts out.AccountRepository) *Syncer {
	pipeline := ingest.NewPipeline(nullMetaRepo{}, nullContentRepo{}, nil)
	return NewSyncer(accounts, syncVault{accounts: accounts}, &singleFactory{connector}, cursors, pipeline, nil)
}

func pageWith(uids []uint32, lastUID uint32, hasMore bool) *domain.FetchPage {
	page := &domain.FetchPage{HasMore: hasMore}
	for _, uid := range uids {
		page.Messages = append(page.Messages, &domain.RawMessage{
			MessageKey: "msg-" + string(rune('a'+uid%26)),
			ThreadKey:  "t",
			Folder:     "INBOX",
			UID:        uid,
			From:       "x@example.com",
			ReceivedAt: time.Now(),
		})
	}
	page.NextCursor = domain.SyncCursor{UIDValidity: 100, LastUID: lastUID}
	return page
}

func activeAccount() *domain.Account {
	return &domain.Account{
		ID:       1,
		UserID:   uuid.New(),
		Email:    "user@example.com",
		Provider: domain.ProviderIMAPSMTP,
		IsActive: true,
	}
}

// TestSyncPersistsCursorPerPage verifies the cursor advances after every
// page, not only at the end of the fetch.
func TestSyncPersistsCursorPerPage(t *testing.T) {
	connector := &scriptedConnector{script: []func(*domain.SyncCursor) (*domain.FetchPage, error){
		func(*domain.SyncCursor) (*domain.FetchPage, error) { return pageWith([]uint32{1, 2}, 2, true), nil },
		func(*domain.SyncCursor) (*domain.FetchPage, error) { return pageWith([]uint32{3}, 3, false), nil },
	}}
	cursors := newMemCursorRepo()
	accounts := &syncAccountRepo{account: activeAccount()}

	syncer := newTestSyncer(connector, cursors, accounts)
	if err := syncer.SyncAccount(context.Background(), 1); err != nil {
		t.Fatalf("SyncAccount failed: %v", err)
	}

	if cursors.saves != 2 {
		t.Errorf("cursor saves = %d, want one per page", cursors.saves)
	}
	if got := cursors.cursors["INBOX"].LastUID; got != 3 {
		t.Errorf("final cursor LastUID = %d, want 3", got)
	}
	if !accounts.syncMarked {
		t.Error("sync watermark not recorded")
	}
}

// TestSyncResumesFromPersistedCursor verifies a failure mid-fetch leaves the
// completed pages' cursor behind and the next run starts from it.
func TestSyncResumesFromPersistedCursor(t *testing.T) {
	transient := errors.New("connection reset")
	connector := &scriptedConnector{script: []func(*domain.SyncCursor) (*domain.FetchPage, error){
		func(*domain.SyncCursor) (*domain.FetchPage, error) { return pageWith([]uint32{1, 2}, 2, true), nil },
		func(*domain.SyncCursor) (*domain.FetchPage, error) { return nil, transient },
		func(*domain.SyncCursor) (*domain.FetchPage, error) { return pageWith([]uint32{3}, 3, false), nil },
	}}
	cursors := newMemCursorRepo()
	accounts := &syncAccountRepo{account: activeAccount()}
	syncer := newTestSyncer(connector, cursors, accounts)
	ctx := context.Background()

	if err := syncer.SyncAccount(ctx, 1); !errors.Is(err, transient) {
		t.Fatalf("first run error = %v, want the fetch failure", err)
	}
	if got := cursors.cursors["INBOX"].LastUID; got != 2 {
		t.Fatalf("cursor after failed run LastUID = %d, want 2", got)
	}

	if err := syncer.SyncAccount(ctx, 1); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	resumed := connector.seenCursors[len(connector.seenCursors)-1]
	if resumed.LastUID != 2 {
		t.Errorf("second run started from LastUID %d, want 2", resumed.LastUID)
	}
}

// TestSyncHandlesCursorReset verifies a provider-side cursor invalidation
// restarts the folder from scratch under the new validity marker.
func TestSyncHandlesCursorReset(t *testing.T) {
	connector := &scriptedConnector{script: []func(*domain.SyncCursor) (*domain.FetchPage, error){
		func(*domain.SyncCursor) (*domain.FetchPage, error) {
			return &domain.FetchPage{
				NextCursor:  domain.SyncCursor{UIDValidity: 200},
				HasMore:     true,
				CursorReset: true,
			}, nil
		},
		func(cursor *domain.SyncCursor) (*domain.FetchPage, error) {
			page := pageWith([]uint32{1, 2, 3}, 3, false)
			page.NextCursor.UIDValidity = cursor.UIDValidity
			return page, nil
		},
	}}
	cursors := newMemCursorRepo()
	cursors.cursors["INBOX"] = &domain.SyncCursor{AccountID: 1, Folder: "INBOX", UIDValidity: 100, LastUID: 500}
	accounts := &syncAccountRepo{account: activeAccount()}

	syncer := newTestSyncer(connector, cursors, accounts)
	if err := syncer.SyncAccount(context.Background(), 1); err != nil {
		t.Fatalf("SyncAccount failed: %v", err)
	}

	final := cursors.cursors["INBOX"]
	if final.UIDValidity != 200 {
		t.Errorf("final UIDValidity = %d, want the new marker 200", final.UIDValidity)
	}
	if final.LastUID != 3 {
		t.Errorf("final LastUID = %d, want 3 (full resync)", final.LastUID)
	}
	// The resync fetch must start from the reset cursor, not the stale one.
	if second := connector.seenCursors[1]; second.LastUID != 0 || second.UIDValidity != 200 {
		t.Errorf("resync started from %+v, want a fresh cursor under validity 200", second)
	}
}

// TestSyncRejectsInactiveAccount verifies a deactivated account fails
// permanently instead of being retried.
func TestSyncRejectsInactiveAccount(t *testing.T) {
	account := activeAccount()
	account.IsActive = false
	syncer := newTestSyncer(&scriptedConnector{}, newMemCursorRepo(), &syncAccountRepo{account: account})

	err := syncer.SyncAccount(context.Background(), 1)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !apperr.IsPermanent(err) {
		t.Errorf("error should be permanent, got %v", err)
	}
}

// TestSendFillsFromAddress verifies Send defaults the sender to the account
// address.
func TestSendFillsFromAddress(t *testing.T) {
	connector := &scriptedConnector{}
	syncer := newTestSyncer(connector, newMemCursorRepo(), &syncAccountRepo{account: activeAccount()})

	draft := &domain.Draft{To: []string{"rcpt@example.com"}, Subject: "hi"}
	id, err := syncer.Send(context.Background(), 1, draft)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id == "" {
		t.Error("no message id returned")
	}
	if draft.From != "user@example.com" {
		t.Errorf("draft From = %q, want the account address", draft.From)
	}
}
