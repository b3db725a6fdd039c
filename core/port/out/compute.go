package out

import "context"

// ComputeJobStatus is the raw status string from the compute endpoint.
// Values: IN_QUEUE, IN_PROGRESS, COMPLETED, FAILED, CANCELLED.
type ComputeJobStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ComputePort is the async compute endpoint: submit returns an external job
// id immediately; results are collected by polling.
type ComputePort interface {
	// Run submits input and returns {id, status}.
	Run(ctx context.Context, input string) (*ComputeJobStatus, error)
	// Status fetches /status/{id}.
	Status(ctx context.Context, externalID string) (*ComputeJobStatus, error)
}
