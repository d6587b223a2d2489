// Package recovery restores interrupted survey sessions and runs the startup
// recovery of background infrastructure.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// DefaultWindow is how long after its last activity a session can be resumed.
const DefaultWindow = time.Hour

// Reasons returned by CanRecover.
const (
	ReasonRecoverable = "recoverable"
	ReasonCompleted   = "session already completed"
	ReasonAbandoned   = "session was abandoned"
	ReasonExpired     = "session inactive beyond recovery window"
)

var ErrSessionNotFound = errors.New("session not found")

// Manager decides whether a session can be resumed and rebuilds its state.
type Manager struct {
	store  store.Store
	window time.Duration
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over st.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{store: st, window: DefaultWindow, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CanRecover reports whether a session may be resumed and why not if it may not.
func (m *Manager) CanRecover(ctx context.Context, sessionID string) (bool, string, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, "", fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return false, "", ErrSessionNotFound
	}
	ok, reason := m.check(sess)
	return ok, reason, nil
}

func (m *Manager) check(sess *models.Session) (bool, string) {
	switch {
	case sess.Completed:
		return false, ReasonCompleted
	case sess.AbandonmentStatus == models.AbandonmentAbandoned:
		return false, ReasonAbandoned
	case m.now().Sub(sess.LastActivityAt) > m.window:
		return false, ReasonExpired
	}
	return true, ReasonRecoverable
}

// Recover returns the state to resume from: the latest snapshot, or the
// stored session state when that is newer, otherwise a reconstruction from
// the stored responses. The step and asked list never fall behind the stored
// session. The state is marked recovered and switched to the recovery
// strategy. Nothing is persisted here.
func (m *Manager) Recover(ctx context.Context, sessionID string) (*models.SessionState, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	responses, err := m.store.ListResponses(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	now := m.now()

	snap, err := m.store.GetLatestSnapshot(ctx, sessionID)
	if err != nil {
		slog.Warn("Manager.Recover: snapshot lookup failed, reconstructing", "sessionID", sessionID, "error", err)
		snap = nil
	}
	if base, source := resumeBase(sess, snap); base != nil {
		st := *base
		if sess.State != nil {
			st.Strategy.MarkAsked(sess.State.Strategy.Asked...)
		}
		if st.Core.Step < sess.Step {
			st.Core.Step = sess.Step
		}
		for _, r := range responses {
			st.Strategy.MarkAsked(r.QuestionID)
		}
		markRecovered(&st, now)
		slog.Info("Manager.Recover: restored", "sessionID", sessionID, "source", source, "step", st.Core.Step)
		return &st, nil
	}

	catalog, err := m.store.ListQuestions(ctx, sess.FormID)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	st := Reconstruct(*sess, responses, catalog, now)
	slog.Info("Manager.Recover: reconstructed from responses", "sessionID", sessionID, "responses", len(responses))
	return &st, nil
}

// resumeBase picks the state to resume from. The latest snapshot wins unless
// the stored session state is further along, which happens when a snapshot
// write was dropped.
func resumeBase(sess *models.Session, snap *models.Snapshot) (*models.SessionState, string) {
	stored := sess.State
	if snap == nil {
		if stored != nil {
			return stored, "session"
		}
		return nil, ""
	}
	if stored != nil && storedIsNewer(*stored, snap.State) {
		return stored, "session"
	}
	return &snap.State, "snapshot"
}

func storedIsNewer(stored, snap models.SessionState) bool {
	return stored.Core.Step > snap.Core.Step ||
		len(stored.Strategy.Asked) > len(snap.Strategy.Asked) ||
		stored.Core.UpdatedAt.After(snap.Core.UpdatedAt)
}

// Snapshot appends a recovery point. Callers treat failures as non-critical.
func (m *Manager) Snapshot(ctx context.Context, st models.SessionState, reason models.SnapshotReason) error {
	err := m.store.SaveSnapshot(ctx, models.Snapshot{
		SessionID: st.Core.SessionID,
		Step:      st.Core.Step,
		Reason:    reason,
		State:     st,
		CreatedAt: m.now(),
	})
	if err != nil {
		slog.Warn("Manager.Snapshot: failed", "sessionID", st.Core.SessionID, "reason", reason, "error", err)
		return err
	}
	return nil
}

// Reconstruct rebuilds state from the session record and its responses when
// no snapshot exists. The asked list follows catalog order; ids not in the
// catalog keep response order after them.
func Reconstruct(sess models.Session, responses []models.Response, catalog []models.Question, now time.Time) models.SessionState {
	st := models.NewSessionState(sess, catalog, now)
	st.Core.Step = sess.Step

	answered := make(map[string]bool, len(responses))
	for _, r := range responses {
		answered[r.QuestionID] = true
	}
	for _, q := range catalog {
		if answered[q.ID] {
			st.Strategy.MarkAsked(q.ID)
			delete(answered, q.ID)
		}
	}
	for _, r := range responses {
		if answered[r.QuestionID] {
			st.Strategy.MarkAsked(r.QuestionID)
		}
	}

	st.Lead.Score = sess.Score
	st.Lead.Label = sess.Label
	markRecovered(&st, now)
	return st
}

func markRecovered(st *models.SessionState, now time.Time) {
	st.Engagement.Risk = models.BaselineRisk
	st.Engagement.Status = models.AbandonmentRecovered
	st.Engagement.LastActivityAt = now
	st.Flow.Strategy = models.StrategyRecovery
	st.Flow.Stage = models.StageAwaitingUserInput
	st.Flow.LastDecision = "resumed"
	st.Core.UpdatedAt = now
	st.Normalize(now)
}
