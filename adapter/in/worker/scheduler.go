// Package worker contains the background side of the engine: the bounded
// sync scheduler and the periodic sweeps that feed it.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
)

// Priority aliases the domain sync priority for local brevity.
type Priority = domain.SyncPriority

const (
	PriorityLow      = domain.SyncPriorityLow
	PriorityNormal   = domain.SyncPriorityNormal
	PriorityHigh     = domain.SyncPriorityHigh
	PriorityCritical = domain.SyncPriorityCritical
)

// SyncRunner is what the scheduler drives; one call syncs one account.
type SyncRunner interface {
	SyncAccount(ctx context.Context, accountID int64) error
}

// RetryPolicy bounds what happens after a failed run: transient failures get
// at most MaxAttempts re-enqueues, each at a demoted priority. Permanent and
// data failures never retry.
type RetryPolicy struct {
	MaxAttempts int
}

// DefaultRetryPolicy retries a transient failure exactly once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// NextAttempt decides whether a failed task goes back on the queue, and at
// what priority.
func (p RetryPolicy) NextAttempt(attempts int, prio Priority, err error) (Priority, bool) {
	if !apperr.IsTransient(err) {
		return prio, false
	}
	if attempts >= p.MaxAttempts {
		return prio, false
	}
	demoted := prio
	if demoted > PriorityLow {
		demoted--
	}
	return demoted, true
}

type taskState int

const (
	stateQueued taskState = iota
	stateRunning
)

// syncTask is the ephemeral unit of work, keyed by account id.
type syncTask struct {
	accountID  int64
	priority   Priority
	state      taskState
	attempts   int
	enqueuedAt time.Time

	// rerun records an enqueue that arrived while the task was running;
	// the account is re-queued when the run completes instead of ever
	// having two runs in flight.
	rerun         bool
	rerunPriority Priority
}

// Config tunes the scheduler.
type Config struct {
	// Workers is the hard concurrency ceiling for account syncs.
	Workers int
	// QueueCapacity bounds the pending set; beyond it the lowest-priority
	// queued task is dropped.
	QueueCapacity int
	// TaskTimeout caps one account sync.
	TaskTimeout time.Duration
	Retry       RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Workers:       5,
		QueueCapacity: 1000,
		TaskTimeout:   10 * time.Minute,
		Retry:         DefaultRetryPolicy(),
	}
}

// Scheduler owns the task registry and the worker slots. All mutable state
// lives behind its mutex; nothing is shared ambiently.
type Scheduler struct {
	runner SyncRunner
	cfg    Config
	log    zerolog.Logger

	mu      sync.Mutex
	tasks   map[int64]*syncTask
	running int

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics Metrics
}

func NewScheduler(runner SyncRunner, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner: runner,
		cfg:    cfg,
		log:    log.With().Str("component", "sync_scheduler").Logger(),
		tasks:  make(map[int64]*syncTask),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the dispatch loop and the metrics reporter.
func (s *Scheduler) Start() {
	s.log.Info().Int("workers", s.cfg.Workers).Msg("scheduler starting")
	s.wg.Add(1)
	go s.dispatchLoop()
	go s.metricsReporter()
}

// Stop stops dispatching and waits for running syncs to drain.
func (s *Scheduler) Stop() {
	s.log.Info().Msg("scheduler stopping")
	s.cancel()
	s.wg.Wait()
}

// Enqueue registers a sync request for the account. A request for an
// already-queued account only raises its priority; a request for a running
// account schedules one follow-up run. Returns false only when the pending
// set is full and the request lost the priority comparison.
func (s *Scheduler) Enqueue(accountID int64, priority Priority) bool {
	s.mu.Lock()

	if t, ok := s.tasks[accountID]; ok {
		switch t.state {
		case stateRunning:
			t.rerun = true
			if priority > t.rerunPriority {
				t.rerunPriority = priority
			}
		default:
			if priority > t.priority {
				t.priority = priority
			}
		}
		s.mu.Unlock()
		return true
	}

	if s.queuedCountLocked() >= s.cfg.QueueCapacity {
		if !s.evictLowerLocked(priority) {
			s.mu.Unlock()
			s.metrics.Dropped.Add(1)
			s.log.Warn().Int64("account_id", accountID).Str("priority", priority.String()).
				Msg("pending set full, request dropped")
			return false
		}
	}

	s.tasks[accountID] = &syncTask{
		accountID:  accountID,
		priority:   priority,
		state:      stateQueued,
		enqueuedAt: time.Now(),
	}
	s.mu.Unlock()

	s.metrics.Enqueued.Add(1)
	s.kick()
	return true
}

// MetricsSnapshot returns the current counter values.
func (s *Scheduler) MetricsSnapshot() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// QueueDepth returns queued (not running) task count.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedCountLocked()
}

// Running returns the number of in-flight account syncs.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case <-s.wake:
			s.dispatch()
		}
	}
}

// dispatch fills every free worker slot with the highest-priority queued
// task. Completions call kick, so freed slots are reclaimed immediately
// instead of waiting for a timer.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		if s.running >= s.cfg.Workers {
			s.mu.Unlock()
			return
		}
		task := s.claimLocked()
		if task == nil {
			s.mu.Unlock()
			return
		}
		task.state = stateRunning
		s.running++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runTask(task)
	}
}

// claimLocked picks the highest-priority queued task, oldest first on ties.
func (s *Scheduler) claimLocked() *syncTask {
	var best *syncTask
	for _, t := range s.tasks {
		if t.state != stateQueued {
			continue
		}
		if best == nil || t.priority > best.priority ||
			(t.priority == best.priority && t.enqueuedAt.Before(best.enqueuedAt)) {
			best = t
		}
	}
	return best
}

func (s *Scheduler) runTask(task *syncTask) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Int64("account_id", task.accountID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("sync task panicked")
			s.finish(task, apperr.Internal("sync task panicked"))
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TaskTimeout)
	err := s.runner.SyncAccount(ctx, task.accountID)
	cancel()

	s.finish(task, err)
}

// finish releases the slot, applies the retry policy, and honors any rerun
// request that arrived mid-run.
func (s *Scheduler) finish(task *syncTask, err error) {
	s.mu.Lock()
	s.running--

	switch {
	case err == nil:
		s.metrics.Completed.Add(1)
		if task.rerun {
			s.requeueLocked(task, task.rerunPriority, 0)
		} else {
			delete(s.tasks, task.accountID)
		}

	default:
		s.metrics.Failed.Add(1)
		prio, retry := s.cfg.Retry.NextAttempt(task.attempts, task.priority, err)
		switch {
		case retry:
			s.metrics.Retried.Add(1)
			s.requeueLocked(task, prio, task.attempts+1)
			s.log.Warn().Int64("account_id", task.accountID).Err(err).
				Str("priority", prio.String()).
				Msg("transient sync failure, re-queued once at lowered priority")
		case task.rerun:
			// A fresh request superseded the failed run.
			s.requeueLocked(task, task.rerunPriority, 0)
		default:
			delete(s.tasks, task.accountID)
			if apperr.IsPermanent(err) {
				s.log.Warn().Int64("account_id", task.accountID).Err(err).
					Msg("permanent sync failure, task dropped")
			} else {
				s.log.Warn().Int64("account_id", task.accountID).Err(err).
					Msg("sync failed after retry, task dropped")
			}
		}
	}
	s.mu.Unlock()

	s.kick()
}

func (s *Scheduler) requeueLocked(task *syncTask, priority Priority, attempts int) {
	task.state = stateQueued
	task.priority = priority
	task.attempts = attempts
	task.rerun = false
	task.rerunPriority = PriorityLow
	task.enqueuedAt = time.Now()
}

func (s *Scheduler) queuedCountLocked() int {
	n := 0
	for _, t := range s.tasks {
		if t.state == stateQueued {
			n++
		}
	}
	return n
}

// evictLowerLocked drops the lowest-priority queued task if it ranks below
// the incoming priority. Returns true when a slot was freed.
func (s *Scheduler) evictLowerLocked(incoming Priority) bool {
	var lowest *syncTask
	for _, t := range s.tasks {
		if t.state != stateQueued {
			continue
		}
		if lowest == nil || t.priority < lowest.priority {
			lowest = t
		}
	}
	if lowest == nil || lowest.priority >= incoming {
		return false
	}
	delete(s.tasks, lowest.accountID)
	s.metrics.Dropped.Add(1)
	s.log.Warn().Int64("account_id", lowest.accountID).
		Str("priority", lowest.priority.String()).
		Msg("pending set full, evicted lowest-priority task")
	return true
}

// drain waits out running tasks during shutdown; queued work is abandoned.
func (s *Scheduler) drain() {
	s.mu.Lock()
	queued := s.queuedCountLocked()
	s.mu.Unlock()
	if queued > 0 {
		s.log.Info().Int("queued", queued).Msg("abandoning queued tasks on shutdown")
	}
}

func (s *Scheduler) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			m := s.metrics.Snapshot()
			s.log.Info().
				Int64("enqueued", m.Enqueued).
				Int64("completed", m.Completed).
				Int64("failed", m.Failed).
				Int64("retried", m.Retried).
				Int64("dropped", m.Dropped).
				Int("queue_depth", s.QueueDepth()).
				Int("running", s.Running()).
				Msg("scheduler metrics")
		}
	}
}
