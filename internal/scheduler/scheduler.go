// Package scheduler runs background sweeps on cron expressions.
//
// Sweeps such as marking inactive sessions abandoned run here instead of in
// per-session timers, so nothing is lost when the process restarts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSpec runs the abandonment sweep once a minute.
const DefaultSweepSpec = "@every 1m"

// Task is one scheduled unit of work. The context is cancelled on Stop.
type Task func(ctx context.Context) error

// Scheduler provides cron-based task scheduling.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler using the standard 5-field parser plus
// descriptors like "@every 1m". Call Start to begin running tasks.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel}
}

// AddTask schedules a named task. It returns an error if the expression is invalid.
func (s *Scheduler) AddTask(name, spec string, task Task) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := task(s.ctx); err != nil {
			slog.Error("Scheduler.task: failed", "task", name, "error", err)
			return
		}
		slog.Debug("Scheduler.task: finished", "task", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	slog.Info("Scheduler.AddTask: scheduled", "task", name, "spec", spec)
	return nil
}

// Start begins running scheduled tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running tasks and waits for them to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("Scheduler.Stop: tasks still running at shutdown")
	}
}

// Len reports how many tasks are scheduled.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}
