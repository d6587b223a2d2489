package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Recoverable is a component that restores its own state at startup.
type Recoverable interface {
	Name() string
	RecoverState(ctx context.Context) error
}

// Startup runs every registered Recoverable once when the process boots.
type Startup struct {
	recoverables []Recoverable
}

func NewStartup() *Startup {
	return &Startup{}
}

// Register adds a component to recover.
func (s *Startup) Register(r Recoverable) {
	s.recoverables = append(s.recoverables, r)
}

// RecoverAll runs every component; one failing does not stop the others.
func (s *Startup) RecoverAll(ctx context.Context) error {
	slog.Info("Startup.RecoverAll: starting", "components", len(s.recoverables))
	failed := 0
	for _, r := range s.recoverables {
		if err := r.RecoverState(ctx); err != nil {
			slog.Error("Startup.RecoverAll: component failed", "component", r.Name(), "error", err)
			failed++
		}
	}
	slog.Info("Startup.RecoverAll: completed", "recovered", len(s.recoverables)-failed, "errors", failed)
	if failed > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", failed, len(s.recoverables))
	}
	return nil
}

type staleJobRecoverer interface {
	RecoverStaleJobs(ctx context.Context) (int, error)
}

// StaleJobs requeues durable jobs that were running when the process died.
type StaleJobs struct {
	Runner staleJobRecoverer
}

func (StaleJobs) Name() string { return "stale_jobs" }

func (s StaleJobs) RecoverState(ctx context.Context) error {
	_, err := s.Runner.RecoverStaleJobs(ctx)
	return err
}

type abandonmentSweeper interface {
	SweepAbandoned(ctx context.Context, now time.Time) (int, error)
}

// AbandonmentSweep marks sessions that went quiet while the process was down.
type AbandonmentSweep struct {
	Sweeper abandonmentSweeper
	Now     func() time.Time
}

func (AbandonmentSweep) Name() string { return "abandonment_sweep" }

func (a AbandonmentSweep) RecoverState(ctx context.Context) error {
	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now()
	}
	n, err := a.Sweeper.SweepAbandoned(ctx, now)
	if err != nil {
		return err
	}
	slog.Info("AbandonmentSweep.RecoverState: swept", "abandoned", n)
	return nil
}
