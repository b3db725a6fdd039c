package push

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []struct {
		accountID int64
		priority  domain.SyncPriority
	}
}

func (f *fakeEnqueuer) Enqueue(accountID int64, priority domain.SyncPriority) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		accountID int64
		priority  domain.SyncPriority
	}{accountID, priority})
	return true
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeVault struct {
	accounts *watchAccountRepo
}

func (f fakeVault) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	if f.accounts == nil {
		return nil, apperr.NotFound("account")
	}
	return f.accounts.GetByID(ctx, id)
}

func (fakeVault) GetValidCredential(context.Context, *domain.Account) (*domain.Credential, error) {
	return &domain.Credential{Provider: domain.ProviderGmail, AccessToken: "at"}, nil
}

type fakeConnector struct {
	watchErr    error
	watchCalls  int
	stopCalls   int
	nextExpiry  time.Time
	lastStopped string
}

func (f *fakeConnector) FetchPage(context.Context, *domain.Credential, string, *domain.SyncCursor) (*domain.FetchPage, error) {
	return &domain.FetchPage{}, nil
}
func (f *fakeConnector) Folders(context.Context, *domain.Credential) ([]string, error) {
	return []string{"INBOX"}, nil
}
func (f *fakeConnector) Send(context.Context, *domain.Credential, *domain.Draft) (string, error) {
	return "", nil
}
func (f *fakeConnector) SupportsWatch() bool { return true }
func (f *fakeConnector) Watch(context.Context, *domain.Credential, string) (*domain.WatchSubscription, error) {
	f.watchCalls++
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &domain.WatchSubscription{
		ExternalID:  "sub-new",
		ClientState: "cs-new",
		Expiry:      f.nextExpiry,
	}, nil
}
func (f *fakeConnector) StopWatch(_ context.Context, _ *domain.Credential, externalID string) error {
	f.stopCalls++
	f.lastStopped = externalID
	return nil
}

type fakeFactory struct {
	connector *fakeConnector
}

func (f *fakeFactory) ConnectorFor(domain.ProviderKind) (out.MailConnector, error) {
	return f.connector, nil
}

type watchAccountRepo struct {
	mu       sync.Mutex
	accounts map[int64]*domain.Account

	watchUpdates map[int64]string
	watchStates  map[int64]string
	watchCleared map[int64]bool
	expiring     []*domain.Account
}

func newWatchAccountRepo(accounts ...*domain.Account) *watchAccountRepo {
	repo := &watchAccountRepo{
		accounts:     make(map[int64]*domain.Account),
		watchUpdates: make(map[int64]string),
		watchStates:  make(map[int64]string),
		watchCleared: make(map[int64]bool),
	}
	for _, a := range accounts {
		repo.accounts[a.ID] = a
	}
	return repo
}

func (r *watchAccountRepo) GetByID(_ context.Context, id int64) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.accounts[id]; ok {
		return a, nil
	}
	return nil, apperr.NotFound("account")
}
func (r *watchAccountRepo) GetByEmail(context.Context, string) (*domain.Account, error) {
	return nil, apperr.NotFound("account")
}
func (r *watchAccountRepo) ListActive(context.Context) ([]*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []*domain.Account
	for _, a := range r.accounts {
		if a.IsActive {
			active = append(active, a)
		}
	}
	return active, nil
}
func (r *watchAccountRepo) ListStale(context.Context, time.Time) ([]*domain.Account, error) {
	return nil, nil
}
func (r *watchAccountRepo) ListWatchExpiring(context.Context, time.Time) ([]*domain.Account, error) {
	return r.expiring, nil
}
func (r *watchAccountRepo) Create(context.Context, *domain.Account) error { return nil }
func (r *watchAccountRepo) UpdateTokens(context.Context, int64, string, string, time.Time) error {
	return nil
}
func (r *watchAccountRepo) UpdateWatch(_ context.Context, id int64, externalID, clientState string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchUpdates[id] = externalID
	r.watchStates[id] = clientState
	return nil
}
func (r *watchAccountRepo) ClearWatch(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchCleared[id] = true
	return nil
}
func (r *watchAccountRepo) MarkSynced(context.Context, int64, time.Time) error { return nil }
func (r *watchAccountRepo) Deactivate(context.Context, int64, string) error    { return nil }

func watchedAccount(id int64, email string) *domain.Account {
	return &domain.Account{
		ID:       id,
		Email:    email,
		Provider: domain.ProviderGmail,
		IsActive: true,
	}
}

// TestHandleNotificationEnqueuesHighPriority verifies a push for a watched
// address becomes a high-priority sync request.
func TestHandleNotificationEnqueuesHighPriority(t *testing.T) {
	enq := &fakeEnqueuer{}
	bridge := NewBridge(newWatchAccountRepo(), fakeVault{}, &fakeFactory{&fakeConnector{}}, enq)
	bridge.RegisterWatch(&domain.WatchSubscription{
		AccountID:  5,
		Email:      "user@example.com",
		Provider:   domain.ProviderGmail,
		ExternalID: "sub-1",
	})

	bridge.HandleNotification(&domain.PushNotification{Email: "user@example.com", HistoryID: 99})

	if enq.count() != 1 {
		t.Fatalf("enqueue calls = %d, want 1", enq.count())
	}
	if enq.calls[0].accountID != 5 || enq.calls[0].priority != domain.SyncPriorityHigh {
		t.Errorf("enqueued (%d, %v), want (5, high)", enq.calls[0].accountID, enq.calls[0].priority)
	}
}

// TestHandleNotificationDropsUnknownAddress verifies a push for an unwatched
// address is dropped without reaching the scheduler.
func TestHandleNotificationDropsUnknownAddress(t *testing.T) {
	enq := &fakeEnqueuer{}
	bridge := NewBridge(newWatchAccountRepo(), fakeVault{}, &fakeFactory{&fakeConnector{}}, enq)

	bridge.HandleNotification(&domain.PushNotification{Email: "stranger@example.com"})

	if enq.count() != 0 {
		t.Errorf("enqueue calls = %d, want 0", enq.count())
	}
}

// TestStartWatchingPersistsAndRegisters verifies a new watch lands in both
// the account row and the in-memory registry.
func TestStartWatchingPersistsAndRegisters(t *testing.T) {
	account := watchedAccount(7, "user@example.com")
	repo := newWatchAccountRepo(account)
	connector := &fakeConnector{nextExpiry: time.Now().Add(7 * 24 * time.Hour)}
	bridge := NewBridge(repo, fakeVault{}, &fakeFactory{connector}, &fakeEnqueuer{})

	if err := bridge.StartWatching(context.Background(), account); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}

	if repo.watchUpdates[7] != "sub-new" {
		t.Error("watch external id not persisted")
	}
	if repo.watchStates[7] != "cs-new" {
		t.Error("watch client state not persisted")
	}
	sub, ok := bridge.Subscription(7)
	if !ok || sub.Email != "user@example.com" {
		t.Errorf("registry entry = %+v, ok = %v", sub, ok)
	}
	if sub.ClientState != "cs-new" {
		t.Errorf("registered clientState = %q, want cs-new", sub.ClientState)
	}
	if got, ok := bridge.ResolveExternal("sub-new"); !ok || got.AccountID != 7 {
		t.Error("subscription not resolvable by external id")
	}
}

// TestStopWatchingClearsRegistryAndRow verifies unsubscribe tears down the
// provider watch, the registry entry, and the persisted columns.
func TestStopWatchingClearsRegistryAndRow(t *testing.T) {
	account := watchedAccount(7, "user@example.com")
	repo := newWatchAccountRepo(account)
	connector := &fakeConnector{nextExpiry: time.Now().Add(time.Hour)}
	bridge := NewBridge(repo, fakeVault{accounts: repo}, &fakeFactory{connector}, &fakeEnqueuer{})

	if err := bridge.StartWatching(context.Background(), account); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	if err := bridge.StopWatching(context.Background(), 7); err != nil {
		t.Fatalf("StopWatching failed: %v", err)
	}

	if _, ok := bridge.Subscription(7); ok {
		t.Error("registry entry still present")
	}
	if !repo.watchCleared[7] {
		t.Error("persisted watch columns not cleared")
	}
	if connector.lastStopped != "sub-new" {
		t.Errorf("provider stop-watch got %q, want sub-new", connector.lastStopped)
	}
}

// TestRestoreReregistersPersistedWatches verifies watches persisted before a
// restart resolve notifications without waiting for renewal.
func TestRestoreReregistersPersistedWatches(t *testing.T) {
	account := watchedAccount(3, "restored@example.com")
	account.WatchExternalID = "sub-old"
	account.WatchClientState = "cs-old"
	account.WatchExpiry = time.Now().Add(48 * time.Hour)
	repo := newWatchAccountRepo(account)
	enq := &fakeEnqueuer{}
	bridge := NewBridge(repo, fakeVault{}, &fakeFactory{&fakeConnector{}}, enq)

	if err := bridge.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if bridge.Count() != 1 {
		t.Fatalf("restored %d watches, want 1", bridge.Count())
	}
	if sub, ok := bridge.ResolveExternal("sub-old"); !ok || sub.ClientState != "cs-old" {
		t.Error("restored watch lost its client state")
	}

	bridge.HandleNotification(&domain.PushNotification{Email: "restored@example.com"})
	if enq.count() != 1 {
		t.Error("restored watch did not route the notification")
	}
}

// TestRenewalResubscribesExpiring verifies the renewal pass re-subscribes
// watches inside the lead window and records the fresh subscription.
func TestRenewalResubscribesExpiring(t *testing.T) {
	account := watchedAccount(9, "expiring@example.com")
	account.WatchExternalID = "sub-old"
	account.WatchExpiry = time.Now().Add(time.Hour)
	repo := newWatchAccountRepo(account)
	repo.expiring = []*domain.Account{account}

	connector := &fakeConnector{nextExpiry: time.Now().Add(7 * 24 * time.Hour)}
	bridge := NewBridge(repo, fakeVault{}, &fakeFactory{connector}, &fakeEnqueuer{})

	scheduler := NewRenewalScheduler(repo, bridge, time.Hour, 24*time.Hour)
	scheduler.renewExpiring()

	if connector.watchCalls != 1 {
		t.Fatalf("connector Watch called %d times, want 1", connector.watchCalls)
	}
	if repo.watchUpdates[9] != "sub-new" {
		t.Error("renewed subscription not persisted")
	}
}

// TestRenewalClearsDeadWatch verifies a permanently failing renewal clears
// the watch instead of retrying forever.
func TestRenewalClearsDeadWatch(t *testing.T) {
	account := watchedAccount(9, "dead@example.com")
	repo := newWatchAccountRepo(account)
	repo.expiring = []*domain.Account{account}

	connector := &fakeConnector{watchErr: apperr.AuthRevoked("gmail", nil)}
	bridge := NewBridge(repo, fakeVault{}, &fakeFactory{connector}, &fakeEnqueuer{})

	scheduler := NewRenewalScheduler(repo, bridge, time.Hour, 24*time.Hour)
	scheduler.renewExpiring()

	if !repo.watchCleared[9] {
		t.Error("dead watch was not cleared")
	}
}

// TestMaskEmail keeps full addresses out of logs.
func TestMaskEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"someone@example.com", "so***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-address", "***"},
	}
	for _, tt := range tests {
		if got := maskEmail(tt.in); got != tt.want {
			t.Errorf("maskEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
