// Package summary orchestrates asynchronous thread summarization against
// the external compute endpoint: submit, persist external id, poll to a
// terminal state.
package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
	"github.com/appnoxtech/mini-crm-backend-sub003/core/port/out"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

const transcriptMaxMessages = 50

// Orchestrator drives SummarizationJob state machines. External ids are
// persisted before anything else so a restart resumes polling instead of
// double-submitting.
type Orchestrator struct {
	jobs     out.SummaryJobRepository
	metas    out.MessageMetadataRepository
	contents out.ContentRepository
	compute  out.ComputePort
	realtime out.RealtimePort

	freshnessTTL time.Duration
}

func NewOrchestrator(
	jobs out.SummaryJobRepository,
	metas out.MessageMetadataRepository,
	contents out.ContentRepository,
	compute out.ComputePort,
	realtime out.RealtimePort,
	freshnessTTL time.Duration,
) *Orchestrator {
	if freshnessTTL <= 0 {
		freshnessTTL = 24 * time.Hour
	}
	return &Orchestrator{
		jobs:         jobs,
		metas:        metas,
		contents:     contents,
		compute:      compute,
		realtime:     realtime,
		freshnessTTL: freshnessTTL,
	}
}

// SubmitPending submits up to limit threads that lack a fresh completed
// summary and have no job still in flight. Returns the number submitted.
func (o *Orchestrator) SubmitPending(ctx context.Context, limit int) (int, error) {
	threads, err := o.metas.ThreadsNeedingSummary(ctx, time.Now().Add(-o.freshnessTTL), limit)
	if err != nil {
		return 0, apperr.DatabaseError("list threads needing summary", err)
	}

	submitted := 0
	for _, threadKey := range threads {
		if err := o.submitThread(ctx, threadKey); err != nil {
			logger.WithError(err).Warn("[Summary] submission failed for thread %s", threadKey)
			continue
		}
		submitted++
	}
	if submitted > 0 {
		logger.Info("[Summary] submitted %d of %d candidate threads", submitted, len(threads))
	}
	return submitted, nil
}

func (o *Orchestrator) submitThread(ctx context.Context, threadKey string) error {
	transcript, err := o.buildTranscript(ctx, threadKey)
	if err != nil {
		return err
	}

	status, err := o.compute.Run(ctx, transcript)
	if err != nil {
		return apperr.ExternalError("compute", err)
	}

	job := &domain.SummarizationJob{
		ThreadKey:   threadKey,
		ExternalID:  status.ID,
		Status:      normalizeStatus(status.Status),
		SubmittedAt: time.Now(),
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		// The external job runs regardless; the next poll pass will not
		// know about it, and the thread stays eligible for resubmission.
		return apperr.DatabaseError("create summarization job", err)
	}
	return nil
}

// ProcessPendingJobs polls every non-terminal job's external status and
// persists terminal outcomes. Still-running jobs are left untouched.
func (o *Orchestrator) ProcessPendingJobs(ctx context.Context) error {
	jobs, err := o.jobs.ListNonTerminal(ctx)
	if err != nil {
		return apperr.DatabaseError("list non-terminal jobs", err)
	}

	for _, job := range jobs {
		if err := o.pollJob(ctx, job); err != nil {
			logger.WithError(err).Warn("[Summary] poll failed for job %s", job.ExternalID)
		}
	}
	return nil
}

func (o *Orchestrator) pollJob(ctx context.Context, job *domain.SummarizationJob) error {
	status, err := o.compute.Status(ctx, job.ExternalID)
	if err != nil {
		// Endpoint unreachable: leave the job non-terminal for next pass.
		return apperr.ExternalError("compute", err)
	}

	switch normalizeStatus(status.Status) {
	case domain.JobStatusCompleted:
		return o.completeJob(ctx, job, status.Output)

	case domain.JobStatusFailed, domain.JobStatusCancelled:
		reason := status.Error
		if reason == "" {
			reason = fmt.Sprintf("compute job ended as %s", status.Status)
		}
		if err := o.jobs.UpdateStatus(ctx, job.ID, normalizeStatus(status.Status), reason); err != nil {
			return apperr.DatabaseError("mark job failed", err)
		}
		logger.Warn("[Summary] job %s for thread %s failed: %s", job.ExternalID, job.ThreadKey, reason)
		return nil

	default:
		if normalized := normalizeStatus(status.Status); normalized != job.Status {
			if err := o.jobs.UpdateStatus(ctx, job.ID, normalized, ""); err != nil {
				return apperr.DatabaseError("advance job status", err)
			}
		}
		return nil
	}
}

func (o *Orchestrator) completeJob(ctx context.Context, job *domain.SummarizationJob, output string) error {
	summaryText := parseSummaryOutput(output)
	participants, userID, err := o.threadParticipants(ctx, job.ThreadKey)
	if err != nil {
		return err
	}

	if err := o.jobs.Complete(ctx, job.ID, summaryText, participants); err != nil {
		return apperr.DatabaseError("complete job", err)
	}
	logger.Info("[Summary] thread %s summarized (%d participants)", job.ThreadKey, len(participants))

	if o.realtime != nil && userID != "" {
		o.realtime.Push(ctx, userID, &domain.RealtimeEvent{
			Type:      domain.EventSummaryReady,
			UserID:    userID,
			Payload:   map[string]any{"thread_key": job.ThreadKey, "summary": summaryText},
			Timestamp: time.Now(),
		})
	}
	return nil
}

// buildTranscript renders the thread's messages oldest-first into the
// compute input.
func (o *Orchestrator) buildTranscript(ctx context.Context, threadKey string) (string, error) {
	metas, err := o.metas.ListByThread(ctx, threadKey)
	if err != nil {
		return "", apperr.DatabaseError("load thread", err)
	}
	if len(metas) == 0 {
		return "", apperr.NotFound("thread " + threadKey)
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].ReceivedAt.Before(metas[j].ReceivedAt) })
	if len(metas) > transcriptMaxMessages {
		metas = metas[len(metas)-transcriptMaxMessages:]
	}

	keys := make([]string, 0, len(metas))
	for _, m := range metas {
		keys = append(keys, m.MessageKey)
	}
	contents, err := o.contents.GetMany(ctx, keys)
	if err != nil {
		return "", apperr.DatabaseError("load thread contents", err)
	}

	var sb strings.Builder
	for _, m := range metas {
		fmt.Fprintf(&sb, "From: %s\nDate: %s\nSubject: %s\n", m.From, m.ReceivedAt.Format(time.RFC3339), m.Subject)
		body := m.Snippet
		if content, ok := contents[m.MessageKey]; ok && !content.Empty() {
			if strings.TrimSpace(content.TextBody) != "" {
				body = content.TextBody
			}
		}
		sb.WriteString(body)
		sb.WriteString("\n---\n")
	}
	return sb.String(), nil
}

// threadParticipants derives the deduplicated participant list from the
// thread's metadata and reports the owning user for the realtime event.
func (o *Orchestrator) threadParticipants(ctx context.Context, threadKey string) ([]string, string, error) {
	metas, err := o.metas.ListByThread(ctx, threadKey)
	if err != nil {
		return nil, "", apperr.DatabaseError("load thread", err)
	}

	seen := make(map[string]bool)
	var participants []string
	var userID string
	for _, m := range metas {
		if userID == "" {
			userID = m.UserID.String()
		}
		for _, addr := range append([]string{m.From}, append(m.To, m.Cc...)...) {
			addr = strings.ToLower(strings.TrimSpace(addr))
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			participants = append(participants, addr)
		}
	}
	sort.Strings(participants)
	return participants, userID, nil
}

func normalizeStatus(raw string) domain.JobStatus {
	switch strings.ToUpper(raw) {
	case "IN_QUEUE", "QUEUED":
		return domain.JobStatusQueued
	case "IN_PROGRESS", "RUNNING":
		return domain.JobStatusInProgress
	case "COMPLETED":
		return domain.JobStatusCompleted
	case "FAILED":
		return domain.JobStatusFailed
	case "CANCELLED":
		return domain.JobStatusCancelled
	default:
		return domain.JobStatusQueued
	}
}

// parseSummaryOutput accepts either a bare string or {"summary": "..."}.
func parseSummaryOutput(output string) string {
	var wrapped struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(output), &wrapped); err == nil && wrapped.Summary != "" {
		return wrapped.Summary
	}
	return strings.TrimSpace(output)
}
