package domain

import "time"

// JobStatus mirrors the compute endpoint's lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "IN_QUEUE"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether the job will never change state again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// SummarizationJob tracks one submission of a conversation thread to the
// external compute endpoint. The external id is persisted at submission time
// so a restarted process resumes polling instead of re-submitting. At most
// one non-terminal job exists per thread.
type SummarizationJob struct {
	ID         int64     `json:"id"`
	ThreadKey  string    `json:"thread_key"`
	ExternalID string    `json:"external_id"`
	Status     JobStatus `json:"status"`

	Summary      string   `json:"summary,omitempty"`
	Participants []string `json:"participants,omitempty"`
	ErrorReason  string   `json:"error_reason,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}
