package summary

import (
	"context"
	"time"

	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/logger"
)

// Loops runs submission and polling on independent tickers so a burst of
// new threads cannot starve status checks of already-submitted work.
type Loops struct {
	orchestrator *Orchestrator
	submitEvery  time.Duration
	pollEvery    time.Duration
	submitLimit  int
	ctx          context.Context
	cancel       context.CancelFunc
}

func NewLoops(orchestrator *Orchestrator, submitEvery, pollEvery time.Duration, submitLimit int) *Loops {
	if submitEvery <= 0 {
		submitEvery = 5 * time.Minute
	}
	if pollEvery <= 0 {
		pollEvery = 30 * time.Second
	}
	if submitLimit <= 0 {
		submitLimit = 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loops{
		orchestrator: orchestrator,
		submitEvery:  submitEvery,
		pollEvery:    pollEvery,
		submitLimit:  submitLimit,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches both loops.
func (l *Loops) Start() {
	logger.Info("[Summary] Starting loops: submit every %v, poll every %v", l.submitEvery, l.pollEvery)
	go l.runSubmit()
	go l.runPoll()
}

// Stop stops both loops.
func (l *Loops) Stop() {
	logger.Info("[Summary] Stopping loops...")
	l.cancel()
}

func (l *Loops) runSubmit() {
	ticker := time.NewTicker(l.submitEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(l.ctx, l.submitEvery)
			if _, err := l.orchestrator.SubmitPending(ctx, l.submitLimit); err != nil {
				logger.Error("[Summary] submit pass failed: %v", err)
			}
			cancel()
		}
	}
}

func (l *Loops) runPoll() {
	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(l.ctx, l.pollEvery)
			if err := l.orchestrator.ProcessPendingJobs(ctx); err != nil {
				logger.Error("[Summary] poll pass failed: %v", err)
			}
			cancel()
		}
	}
}
