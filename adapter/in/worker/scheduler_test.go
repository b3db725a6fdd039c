package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
)

// blockingRunner parks every sync on a gate channel and counts calls.
type blockingRunner struct {
	gate    chan struct{}
	calls   int64
	active  int64
	maxSeen int64
	mu      sync.Mutex
	errs    map[int64]error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		gate: make(chan struct{}),
		errs: make(map[int64]error),
	}
}

func (r *blockingRunner) SyncAccount(ctx context.Context, accountID int64) error {
	atomic.AddInt64(&r.calls, 1)
	n := atomic.AddInt64(&r.active, 1)
	for {
		max := atomic.LoadInt64(&r.maxSeen)
		if n <= max || atomic.CompareAndSwapInt64(&r.maxSeen, max, n) {
			break
		}
	}
	defer atomic.AddInt64(&r.active, -1)

	select {
	case <-r.gate:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errs[accountID]
}

func (r *blockingRunner) release() { close(r.gate) }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func newTestScheduler(runner SyncRunner, workers int) *Scheduler {
	return NewScheduler(runner, Config{
		Workers:       workers,
		QueueCapacity: 100,
		TaskTimeout:   time.Second,
		Retry:         DefaultRetryPolicy(),
	}, zerolog.Nop())
}

// TestEnqueueDedupe verifies a second request for a queued account raises its
// priority instead of queuing a second task.
func TestEnqueueDedupe(t *testing.T) {
	s := newTestScheduler(newBlockingRunner(), 1)

	if !s.Enqueue(1, PriorityLow) {
		t.Fatal("first enqueue rejected")
	}
	if !s.Enqueue(1, PriorityHigh) {
		t.Fatal("second enqueue rejected")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(s.tasks))
	}
	if s.tasks[1].priority != PriorityHigh {
		t.Errorf("priority = %v, want raised to high", s.tasks[1].priority)
	}
}

// TestEnqueueDedupeKeepsHigherPriority verifies a lower-priority duplicate
// never demotes a queued task.
func TestEnqueueDedupeKeepsHigherPriority(t *testing.T) {
	s := newTestScheduler(newBlockingRunner(), 1)

	s.Enqueue(1, PriorityCritical)
	s.Enqueue(1, PriorityLow)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[1].priority != PriorityCritical {
		t.Errorf("priority = %v, want critical retained", s.tasks[1].priority)
	}
}

// TestConcurrencyCeiling verifies no more syncs run at once than the
// configured worker count.
func TestConcurrencyCeiling(t *testing.T) {
	runner := newBlockingRunner()
	s := newTestScheduler(runner, 2)
	s.Start()
	defer s.Stop()

	for id := int64(1); id <= 5; id++ {
		s.Enqueue(id, PriorityNormal)
	}

	waitFor(t, time.Second, func() bool { return s.Running() == 2 })
	// Give the dispatcher a chance to overshoot if it were going to.
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt64(&runner.maxSeen); got > 2 {
		t.Errorf("max concurrent syncs = %d, want <= 2", got)
	}

	runner.release()
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&runner.calls) == 5 })
}

// TestTransientFailureRetriedOnce verifies a transient failure re-queues the
// account exactly once and then drops it.
func TestTransientFailureRetriedOnce(t *testing.T) {
	runner := newBlockingRunner()
	runner.errs[7] = apperr.AuthTransient("gmail", context.DeadlineExceeded)
	runner.release()

	s := newTestScheduler(runner, 1)
	s.Start()
	defer s.Stop()

	s.Enqueue(7, PriorityHigh)

	waitFor(t, time.Second, func() bool {
		return s.MetricsSnapshot().Failed == 2
	})
	if got := atomic.LoadInt64(&runner.calls); got != 2 {
		t.Errorf("runner called %d times, want 2 (original plus one retry)", got)
	}
	waitFor(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.tasks) == 0
	})
}

// TestRetryDemotesPriority verifies the single retry runs at a lowered
// priority.
func TestRetryDemotesPriority(t *testing.T) {
	policy := DefaultRetryPolicy()
	transient := apperr.AuthTransient("gmail", context.DeadlineExceeded)

	tests := []struct {
		name     string
		attempts int
		prio     Priority
		err      error
		wantPrio Priority
		wantOK   bool
	}{
		{"first transient failure demotes", 0, PriorityHigh, transient, PriorityNormal, true},
		{"low priority cannot demote further", 0, PriorityLow, transient, PriorityLow, true},
		{"second failure gives up", 1, PriorityNormal, transient, PriorityNormal, false},
		{"permanent never retries", 0, PriorityCritical, apperr.AuthRevoked("gmail", nil), PriorityCritical, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prio, ok := policy.NextAttempt(tt.attempts, tt.prio, tt.err)
			if ok != tt.wantOK || prio != tt.wantPrio {
				t.Errorf("NextAttempt() = (%v, %v), want (%v, %v)", prio, ok, tt.wantPrio, tt.wantOK)
			}
		})
	}
}

// TestPermanentFailureDropped verifies a permanent failure never re-runs.
func TestPermanentFailureDropped(t *testing.T) {
	runner := newBlockingRunner()
	runner.errs[3] = apperr.AuthRevoked("outlook", nil)
	runner.release()

	s := newTestScheduler(runner, 1)
	s.Start()
	defer s.Stop()

	s.Enqueue(3, PriorityCritical)

	waitFor(t, time.Second, func() bool {
		return s.MetricsSnapshot().Failed == 1
	})
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt64(&runner.calls); got != 1 {
		t.Errorf("runner called %d times, want 1", got)
	}
}

// TestEnqueueWhileRunningSchedulesFollowUp verifies a request arriving during
// a run produces exactly one follow-up run, never a concurrent one.
func TestEnqueueWhileRunningSchedulesFollowUp(t *testing.T) {
	runner := newBlockingRunner()
	s := newTestScheduler(runner, 1)
	s.Start()
	defer s.Stop()

	s.Enqueue(9, PriorityNormal)
	waitFor(t, time.Second, func() bool { return s.Running() == 1 })

	// Arrives mid-run; must not start a second concurrent sync.
	if !s.Enqueue(9, PriorityHigh) {
		t.Fatal("mid-run enqueue rejected")
	}
	if got := atomic.LoadInt64(&runner.active); got != 1 {
		t.Fatalf("active syncs = %d, want 1", got)
	}

	runner.release()
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&runner.calls) == 2 })
	if got := atomic.LoadInt64(&runner.maxSeen); got != 1 {
		t.Errorf("max concurrent syncs for one account = %d, want 1", got)
	}
}
