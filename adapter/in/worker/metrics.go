package worker

import "sync/atomic"

// Metrics are the scheduler's atomic counters.
type Metrics struct {
	Enqueued  atomic.Int64
	Completed atomic.Int64
	Failed    atomic.Int64
	Retried   atomic.Int64
	Dropped   atomic.Int64
}

// MetricsSnapshot is a point-in-time copy for reporting.
type MetricsSnapshot struct {
	Enqueued  int64 `json:"enqueued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Dropped   int64 `json:"dropped"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Enqueued:  m.Enqueued.Load(),
		Completed: m.Completed.Load(),
		Failed:    m.Failed.Load(),
		Retried:   m.Retried.Load(),
		Dropped:   m.Dropped.Load(),
	}
}
