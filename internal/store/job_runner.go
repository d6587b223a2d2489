package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes a job's work from its payload JSON.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner polls for due jobs and hands each to the handler registered for
// its kind. Failures are rescheduled with doubling delays up to maxRetryDelay;
// the repository stops retrying once MaxAttempts is reached.
type JobRunner struct {
	repo     JobRepo
	mu       sync.RWMutex
	handlers map[string]JobHandler

	pollInterval   time.Duration
	staleAfter     time.Duration
	claimLimit     int
	handlerTimeout time.Duration
	baseRetryDelay time.Duration
	maxRetryDelay  time.Duration
}

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithClaimLimit bounds how many jobs one poll claims.
func WithClaimLimit(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// WithRetryDelay sets the first retry delay and the cap for later ones.
func WithRetryDelay(base, max time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if base > 0 {
			r.baseRetryDelay = base
		}
		if max >= r.baseRetryDelay {
			r.maxRetryDelay = max
		}
	}
}

// WithHandlerTimeout bounds a single handler call.
func WithHandlerTimeout(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.handlerTimeout = d
		}
	}
}

// NewJobRunner creates a runner polling repo every pollInterval.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleAfter:     5 * time.Minute,
		claimLimit:     10,
		handlerTimeout: time.Minute,
		baseRetryDelay: 30 * time.Second,
		maxRetryDelay:  30 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers the handler for a job kind, replacing any earlier one.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

func (r *JobRunner) handler(kind string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// RecoverStaleJobs requeues jobs left running by a process that died.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) (int, error) {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, time.Now().Add(-r.staleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return n, nil
}

// Run polls until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: started", "pollInterval", r.pollInterval, "claimLimit", r.claimLimit)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce claims the jobs due now, runs them in order and returns how many
// were claimed.
func (r *JobRunner) RunOnce(ctx context.Context) int {
	now := time.Now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.RunOnce: claim failed", "error", err)
		return 0
	}
	for _, job := range jobs {
		r.dispatch(ctx, job, now)
	}
	return len(jobs)
}

func (r *JobRunner) dispatch(ctx context.Context, job Job, now time.Time) {
	h, ok := r.handler(job.Kind)
	if !ok {
		slog.Warn("JobRunner.dispatch: no handler for kind", "kind", job.Kind, "jobID", job.ID)
		r.fail(ctx, job, "no handler registered for kind "+job.Kind, now.Add(r.maxRetryDelay))
		return
	}

	hctx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	err := h(hctx, job.PayloadJSON)
	cancel()
	if err != nil {
		slog.Error("JobRunner.dispatch: handler failed", "kind", job.Kind, "jobID", job.ID, "attempt", job.Attempt, "error", err)
		r.fail(ctx, job, err.Error(), now.Add(r.retryDelay(job.Attempt)))
		return
	}
	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		slog.Error("JobRunner.dispatch: complete failed", "jobID", job.ID, "error", err)
		return
	}
	slog.Debug("JobRunner.dispatch: done", "kind", job.Kind, "jobID", job.ID)
}

func (r *JobRunner) fail(ctx context.Context, job Job, reason string, next time.Time) {
	if err := r.repo.FailJob(ctx, job.ID, reason, next); err != nil {
		slog.Error("JobRunner.fail: record failure", "jobID", job.ID, "error", err)
	}
}

// retryDelay doubles from baseRetryDelay per attempt, capped at maxRetryDelay.
func (r *JobRunner) retryDelay(attempt int) time.Duration {
	d := r.baseRetryDelay
	for i := 0; i < attempt && d < r.maxRetryDelay; i++ {
		d *= 2
	}
	if d > r.maxRetryDelay {
		d = r.maxRetryDelay
	}
	return d
}
