// Package flow runs the survey: it selects and phrases questions, scores the
// answers, and routes each session to its next step, completion or
// abandonment.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/abandonment"
	"github.com/BTreeMap/LeadPipe/internal/lock"
	"github.com/BTreeMap/LeadPipe/internal/metrics"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/notify"
	"github.com/BTreeMap/LeadPipe/internal/recovery"
	"github.com/BTreeMap/LeadPipe/internal/scoring"
	"github.com/BTreeMap/LeadPipe/internal/selector"
	"github.com/BTreeMap/LeadPipe/internal/signals"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// DefaultSweepLimit caps how many sessions one sweep examines.
const DefaultSweepLimit = 500

// sweepLockWait is how long a sweep waits for a session's lock. A session
// whose lock is held is being answered right now and is skipped.
const sweepLockWait = 50 * time.Millisecond

// Engine orchestrates survey sessions. It is safe for concurrent use; steps
// of one session are serialized by the locker.
type Engine struct {
	store      store.Backend
	locker     lock.Locker
	selector   *selector.Selector
	scorer     *scoring.Engine
	router     *Router
	recovery   *recovery.Manager
	signals    *signals.Collector
	assistant  *Assistant
	metrics    *metrics.Metrics
	now        func() time.Time
	sweepLimit int
}

// Option configures an Engine.
type Option func(*Engine)

func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithSelector(s *selector.Selector) Option {
	return func(e *Engine) { e.selector = s }
}

func WithRouter(r *Router) Option {
	return func(e *Engine) { e.router = r }
}

func WithSignals(c *signals.Collector) Option {
	return func(e *Engine) { e.signals = c }
}

func WithAssistant(a *Assistant) Option {
	return func(e *Engine) { e.assistant = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithRecovery(m *recovery.Manager) Option {
	return func(e *Engine) { e.recovery = m }
}

// WithClock replaces the clock. Times should be UTC so stored timestamps
// compare correctly.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithSweepLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepLimit = n
		}
	}
}

// NewEngine creates an Engine over st. Unset collaborators get defaults:
// an in-process locker, the rule-based selector, no external signals and
// no AI (every AI step uses its fallback).
func NewEngine(st store.Backend, opts ...Option) *Engine {
	e := &Engine{
		store:      st,
		scorer:     scoring.NewEngine(),
		now:        func() time.Time { return time.Now().UTC() },
		sweepLimit: DefaultSweepLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locker == nil {
		e.locker = lock.NewLocalLocker()
	}
	if e.selector == nil {
		e.selector = selector.New()
	}
	if e.router == nil {
		e.router = NewRouter()
	}
	if e.assistant == nil {
		e.assistant = NewAssistant(nil, 0, e.metrics)
	}
	if e.recovery == nil {
		e.recovery = recovery.NewManager(st, recovery.WithClock(e.now))
	}
	return e
}

// Start creates a session for formID and returns its first step.
func (e *Engine) Start(ctx context.Context, formID string, tracking map[string]string) (*models.StepPayload, error) {
	if strings.TrimSpace(formID) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, models.ErrEmptyFormID)
	}
	form, err := e.store.GetForm(ctx, formID)
	if err != nil {
		return nil, fmt.Errorf("load form: %w", err)
	}
	if form == nil {
		return nil, ErrFormNotFound
	}
	catalog, err := e.store.ListQuestions(ctx, formID)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("%w: form %s has no questions", ErrFormNotFound, formID)
	}
	client := e.loadClient(ctx, formID)

	now := e.now()
	sess := models.Session{
		ID:                util.NewSessionID(),
		FormID:            formID,
		CompletionType:    models.CompletionNone,
		AbandonmentStatus: models.AbandonmentActive,
		Label:             models.LeadStatusUnknown,
		Tracking:          tracking,
		LastActivityAt:    now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if client != nil {
		sess.ClientID = client.ID
	}
	state := models.NewSessionState(sess, catalog, now)
	payload := e.prepareStep(ctx, &state, nil, client)
	if len(payload.Questions) == 0 {
		return nil, fmt.Errorf("%w: form %s has no askable questions", ErrFormNotFound, formID)
	}

	models.PatchFromState(state).ApplyTo(&sess)
	err = store.RetryCritical(ctx, "create_session", func(ctx context.Context) error {
		_, err := e.store.CreateSession(ctx, sess)
		return err
	})
	if err != nil {
		slog.Error("Engine.Start: create session failed", "formID", formID, "error", err)
		e.metrics.CriticalWriteFailed("create_session")
		return nil, ErrTryAgain
	}
	e.recovery.Snapshot(ctx, state, models.SnapshotSessionStarted)
	e.metrics.SessionStarted()
	slog.Info("Engine.Start: session started", "sessionID", sess.ID, "formID", formID, "questions", len(payload.Questions))
	return payload, nil
}

// Submit applies one step's answers and returns either the next step or the
// completion payload.
func (e *Engine) Submit(ctx context.Context, sessionID string, req models.SubmitRequest) (result *models.SubmitResult, err error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	started := time.Now()

	release, err := e.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := e.loadOpenSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if req.SubmissionID != "" {
		key := sessionID + ":" + req.SubmissionID
		fresh, rerr := e.store.RecordSubmission(ctx, key, sessionID)
		if rerr != nil {
			return nil, fmt.Errorf("record submission: %w", rerr)
		}
		if !fresh {
			return nil, ErrDuplicateSubmission
		}
		defer func() {
			if err != nil {
				e.store.ForgetSubmission(context.WithoutCancel(ctx), key)
				return
			}
			e.store.MarkProcessed(ctx, key)
		}()
	}

	result, err = e.processStep(ctx, sess, req.Answers)
	if err == nil {
		e.metrics.ObserveStep(time.Since(started))
	}
	return result, err
}

func (e *Engine) processStep(ctx context.Context, sess *models.Session, answers []models.Answer) (*models.SubmitResult, error) {
	now := e.now()
	catalog, client, rules := e.loadFormContext(ctx, sess.FormID)
	existing, err := e.store.ListResponses(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	state := e.currentState(sess, catalog, existing, now)
	if len(state.Strategy.Catalog) > 0 {
		catalog = state.Strategy.Catalog
	}
	idx := models.QuestionIndex(catalog)

	for _, a := range answers {
		if _, ok := idx[a.QuestionID]; !ok {
			return nil, fmt.Errorf("%w: unknown question %q", ErrInvalidSubmission, a.QuestionID)
		}
	}

	responses := existing
	for _, a := range answers {
		state.Strategy.MarkAsked(a.QuestionID)
		if strings.TrimSpace(a.Answer) == "" {
			continue
		}
		resp := models.Response{SessionID: sess.ID, QuestionID: a.QuestionID, Answer: strings.TrimSpace(a.Answer), Step: state.Core.Step, CreatedAt: now}
		var saved *models.Response
		err := store.RetryCritical(ctx, "append_response", func(ctx context.Context) error {
			var err error
			saved, err = e.store.AppendResponse(ctx, resp)
			return err
		})
		if errors.Is(err, store.ErrDuplicateResponse) {
			slog.Info("Engine.Submit: question already answered, keeping first answer", "sessionID", sess.ID, "questionID", a.QuestionID)
			continue
		}
		if err != nil {
			slog.Error("Engine.Submit: append response failed", "sessionID", sess.ID, "questionID", a.QuestionID, "error", err)
			e.metrics.CriticalWriteFailed("append_response")
			return nil, ErrTryAgain
		}
		responses = append(responses, *saved)
	}

	state.Engagement = abandonment.OnActivity(state.Engagement, now)
	state.Flow.Stage = models.StageProcessingResponse

	lead := BuildLead(sess.ID, sess.FormID, catalog, responses, client)
	sigs := e.signals.Collect(ctx, lead)
	fit, fitReason := e.assistant.AssessFit(ctx, client, catalog, responses)
	res := e.scorer.Score(scoring.Input{Responses: responses, Questions: catalog, Rules: rules, Signals: sigs, Fit: fit})

	state.Lead.Score = res.Score
	state.Lead.Label = res.Label
	state.Lead.AddIndicators(res.PositiveIndicators, res.RiskFactors)
	cls := res.Classification(fit)
	cls.At = now
	if fitReason != "" {
		cls.Reasoning += "; fit: " + fitReason
	}
	state.Lead.LastClassification = &cls

	decision := e.router.Decide(RouteInput{
		Abandoned:     state.Engagement.Status == models.AbandonmentAbandoned,
		RealResponses: models.CountReal(responses),
		Step:          state.Core.Step,
		Label:         state.Lead.Label,
		Unasked:       len(state.Strategy.Unasked()),
	})
	state.Flow.LastDecision = decision.Reason
	slog.Info("Engine.Submit: scored step", "sessionID", sess.ID, "step", state.Core.Step, "score", res.Score, "label", res.Label, "stage", decision.Stage, "reason", decision.Reason)

	// A step of blank answers leaves the router awaiting input; the
	// respondent still gets the next questions, up to the ceiling.
	if decision.Stage == models.StageAwaitingUserInput && state.Core.Step >= e.router.Ceiling() {
		decision = Decision{models.StageCompleting, ReasonCeiling}
		state.Flow.LastDecision = decision.Reason
	}
	if decision.Stage == models.StageContinuing || decision.Stage == models.StageAwaitingUserInput {
		state.Core.Step++
		payload := e.prepareStep(ctx, &state, responses, client)
		if len(payload.Questions) > 0 {
			if err := e.persistCritical(ctx, sess.ID, state, "save_step"); err != nil {
				return nil, err
			}
			e.recovery.Snapshot(ctx, state, models.SnapshotStepCompleted)
			return &models.SubmitResult{Step: payload}, nil
		}
		state.Core.Step--
		state.Flow.LastDecision = ReasonCatalogEmpty
	}
	completion, err := e.complete(ctx, sess, state, client, lead)
	if err != nil {
		return nil, err
	}
	return &models.SubmitResult{Completion: completion}, nil
}

// complete finalizes a session and persists the final classification.
func (e *Engine) complete(ctx context.Context, sess *models.Session, state models.SessionState, client *models.Client, lead models.Lead) (*models.CompletionPayload, error) {
	now := e.now()
	state.Lead.Score = scoring.Clamp(state.Lead.Score)
	state.Core.Completed = true
	state.Core.CompletionType = models.CompletionTypeFor(state.Lead.Label)
	state.Flow.Stage = models.StageCompleting
	state.Strategy.Current = []string{}
	state = state.Apply(models.StatePatch{}, now)

	msg, actions := e.assistant.CompletionMessage(ctx, state.Lead.Label, state.Lead.Score, client, lead)
	if err := e.persistCritical(ctx, sess.ID, state, "final_classification"); err != nil {
		return nil, err
	}
	e.recovery.Snapshot(ctx, state, models.SnapshotCompleted)
	e.metrics.SessionCompleted(string(state.Core.CompletionType), string(state.Lead.Label), state.Lead.Score)
	if state.Lead.Label == models.LeadStatusYes {
		e.enqueueLeadAlert(ctx, state, client, lead)
	}
	slog.Info("Engine.complete: session completed", "sessionID", sess.ID, "label", state.Lead.Label, "score", state.Lead.Score, "completionType", state.Core.CompletionType)
	return &models.CompletionPayload{
		SessionID:   sess.ID,
		Label:       state.Lead.Label,
		Score:       state.Lead.Score,
		Message:     msg,
		NextActions: actions,
	}, nil
}

// Abandon marks a session abandoned at the respondent's request.
func (e *Engine) Abandon(ctx context.Context, sessionID string) error {
	release, err := e.lockSession(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	sess, err := e.loadOpenSession(ctx, sessionID)
	if err != nil {
		return err
	}
	catalog, _, _ := e.loadFormContext(ctx, sess.FormID)
	responses, err := e.store.ListResponses(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load responses: %w", err)
	}
	state := e.currentState(sess, catalog, responses, e.now())
	state = e.markAbandoned(state, 1.0)
	if err := e.persistCritical(ctx, sessionID, state, "abandon"); err != nil {
		return err
	}
	e.recovery.Snapshot(ctx, state, models.SnapshotAbandoned)
	e.metrics.SessionAbandoned()
	e.metrics.SessionCompleted(string(models.CompletionAbandoned), string(state.Lead.Label), state.Lead.Score)
	slog.Info("Engine.Abandon: session abandoned", "sessionID", sessionID, "step", state.Core.Step)
	return nil
}

func (e *Engine) markAbandoned(state models.SessionState, risk float64) models.SessionState {
	state.Engagement.Status = models.AbandonmentAbandoned
	state.Engagement.Risk = risk
	d := e.router.Decide(RouteInput{Abandoned: true, Step: state.Core.Step, Label: state.Lead.Label})
	state.Flow.Stage = d.Stage
	state.Flow.LastDecision = d.Reason
	state.Core.Completed = true
	state.Core.CompletionType = models.CompletionAbandoned
	return state.Apply(models.StatePatch{}, e.now())
}

// Status returns a read-only summary of a session.
func (e *Engine) Status(ctx context.Context, sessionID string) (*models.StatusSummary, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	responses, err := e.store.ListResponses(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	state := e.currentState(sess, nil, responses, e.now())
	return &models.StatusSummary{
		SessionID:         sess.ID,
		FormID:            sess.FormID,
		Step:              state.Core.Step,
		Stage:             state.Flow.Stage,
		Completed:         sess.Completed,
		CompletionType:    sess.CompletionType,
		Label:             state.Lead.Label,
		Score:             state.Lead.Score,
		AbandonmentRisk:   state.Engagement.Risk,
		AbandonmentStatus: state.Engagement.Status,
		QuestionsAsked:    len(state.Strategy.Asked),
		QuestionsAnswered: models.CountReal(responses),
		LastActivityAt:    state.Engagement.LastActivityAt.UTC().Format(time.RFC3339),
	}, nil
}

// Resume re-presents an interrupted session in the recovery tone. Questions
// from the interrupted step that are still unanswered are shown again;
// otherwise a new step is selected. A session with nothing left to ask is
// completed instead.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*models.SubmitResult, error) {
	release, err := e.lockSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	ok, reason, err := e.recovery.CanRecover(ctx, sessionID)
	if errors.Is(err, recovery.ErrSessionNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRecoverable, reason)
	}
	sess, err := e.loadOpenSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	recovered, err := e.recovery.Recover(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("recover session: %w", err)
	}
	state := *recovered
	_, client, _ := e.loadFormContext(ctx, sess.FormID)
	responses, err := e.store.ListResponses(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}

	answered := make(map[string]bool, len(responses))
	for _, r := range responses {
		answered[r.QuestionID] = true
	}
	idx := models.QuestionIndex(state.Strategy.Catalog)
	var pending []models.Question
	for _, id := range state.Strategy.Current {
		if q, ok := idx[id]; ok && !answered[id] {
			pending = append(pending, q)
		}
	}

	var payload *models.StepPayload
	if len(pending) > 0 {
		payload = e.presentStep(ctx, &state, pending, client)
	} else {
		payload = e.prepareStep(ctx, &state, responses, client)
	}
	if len(payload.Questions) == 0 {
		lead := BuildLead(sess.ID, sess.FormID, state.Strategy.Catalog, responses, client)
		completion, err := e.complete(ctx, sess, state, client, lead)
		if err != nil {
			return nil, err
		}
		return &models.SubmitResult{Completion: completion}, nil
	}
	if err := e.persistCritical(ctx, sessionID, state, "resume"); err != nil {
		return nil, err
	}
	e.recovery.Snapshot(ctx, state, models.SnapshotRecovered)
	slog.Info("Engine.Resume: session resumed", "sessionID", sessionID, "step", state.Core.Step, "questions", len(payload.Questions))
	return &models.SubmitResult{Step: payload}, nil
}

// SweepAbandoned updates the engagement status of quiet sessions and closes
// the ones past the abandonment threshold. Each update is conditional on the
// status read, so a concurrent step or sweep is never overwritten.
func (e *Engine) SweepAbandoned(ctx context.Context, now time.Time) (int, error) {
	list, err := e.store.ListSessionsForSweep(ctx, now.Add(-abandonment.AtRiskAfter), e.sweepLimit)
	if err != nil {
		return 0, fmt.Errorf("list sessions for sweep: %w", err)
	}
	abandoned := 0
	for i := range list {
		sess := &list[i]
		assessment := abandonment.Assess(sess.LastActivityAt, now)
		if assessment.Status == models.AbandonmentActive || assessment.Status == sess.AbandonmentStatus {
			continue
		}
		if e.sweepOne(ctx, sess.ID, now) {
			abandoned++
		}
	}
	if abandoned > 0 {
		slog.Info("Engine.SweepAbandoned: sessions abandoned", "count", abandoned, "examined", len(list))
	}
	return abandoned, nil
}

// sweepOne re-reads the session under its lock and assesses it from the fresh
// record, since a step may have landed after the sweep listed it. It reports
// whether the session was abandoned.
func (e *Engine) sweepOne(ctx context.Context, sessionID string, now time.Time) bool {
	lctx, cancel := context.WithTimeout(ctx, sweepLockWait)
	release, err := e.locker.Acquire(lctx, sessionID)
	cancel()
	if err != nil {
		slog.Debug("Engine.SweepAbandoned: session busy, skipping", "sessionID", sessionID)
		return false
	}
	defer release()

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil || sess.Completed {
		if err != nil {
			slog.Warn("Engine.SweepAbandoned: reload failed", "sessionID", sessionID, "error", err)
		}
		return false
	}
	a := abandonment.Assess(sess.LastActivityAt, now)
	if a.Status == models.AbandonmentActive || a.Status == sess.AbandonmentStatus {
		return false
	}

	state := e.currentState(sess, nil, nil, now)
	if a.Status == models.AbandonmentAbandoned {
		state = e.markAbandoned(state, a.Risk)
	} else {
		state.Engagement.Status = a.Status
		state.Engagement.Risk = a.Risk
	}
	// The stored check guards replicas that do not share a lock.
	applied, err := e.store.UpdateSessionIf(ctx, sessionID, store.VersionOf(*sess), models.PatchFromState(state))
	if err != nil {
		slog.Warn("Engine.SweepAbandoned: update failed", "sessionID", sessionID, "error", err)
		return false
	}
	if !applied || a.Status != models.AbandonmentAbandoned {
		return false
	}
	e.recovery.Snapshot(ctx, state, models.SnapshotAbandoned)
	e.metrics.SessionAbandoned()
	e.metrics.SessionCompleted(string(models.CompletionAbandoned), string(state.Lead.Label), state.Lead.Score)
	return true
}

// prepareStep selects, phrases and decorates the next questions and records
// them on state. The returned payload has no questions when nothing is left.
func (e *Engine) prepareStep(ctx context.Context, state *models.SessionState, responses []models.Response, client *models.Client) *models.StepPayload {
	sel := e.selector.Select(ctx, selector.Request{
		Catalog:   state.Strategy.Catalog,
		Asked:     state.Strategy.Asked,
		Responses: responses,
		Step:      state.Core.Step,
	})
	if len(sel.Questions) > 0 {
		state.Strategy.History = append(state.Strategy.History, models.SelectionRecord{
			Step: state.Core.Step, QuestionIDs: sel.IDs(), Method: sel.Method, At: e.now(),
		})
	}
	return e.presentStep(ctx, state, sel.Questions, client)
}

// presentStep phrases questions, writes the step copy and marks the
// questions as asked.
func (e *Engine) presentStep(ctx context.Context, state *models.SessionState, questions []models.Question, client *models.Client) *models.StepPayload {
	payload := &models.StepPayload{SessionID: state.Core.SessionID, Step: state.Core.Step, Questions: []models.QuestionPrompt{}}
	if len(questions) == 0 {
		return payload
	}
	phrased := e.assistant.PhraseQuestions(ctx, questions, client, state.Flow.Strategy)
	cp := e.assistant.EngagementCopy(ctx, state.Core.Step, questions, client, state.Flow.Strategy)

	ids := make([]string, len(questions))
	for i, q := range questions {
		ids[i] = q.ID
		payload.Questions = append(payload.Questions, models.QuestionPrompt{
			ID: q.ID, Text: phrased[q.ID], Required: q.Required, Options: q.Options,
		})
	}
	state.Strategy.Current = ids
	state.Strategy.Phrased = phrased
	state.Strategy.MarkAsked(ids...)
	state.Engagement.Headline = cp.Headline
	state.Engagement.Motivation = cp.Motivation
	state.Flow.Stage = models.StageAwaitingUserInput
	*state = state.Apply(models.StatePatch{}, e.now())

	payload.Headline = cp.Headline
	payload.Motivation = cp.Motivation
	return payload
}

func (e *Engine) lockSession(ctx context.Context, sessionID string) (lock.Release, error) {
	if !util.IsSessionID(sessionID) {
		return nil, ErrSessionNotFound
	}
	release, err := e.locker.Acquire(ctx, sessionID)
	if err != nil {
		slog.Warn("Engine.lockSession: lock not acquired", "sessionID", sessionID, "error", err)
		return nil, ErrTryAgain
	}
	return release, nil
}

func (e *Engine) loadOpenSession(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if sess.Completed {
		return nil, ErrSessionClosed
	}
	return sess, nil
}

func (e *Engine) loadClient(ctx context.Context, formID string) *models.Client {
	client, err := e.store.GetClient(ctx, formID)
	if err != nil {
		slog.Warn("Engine.loadClient: failed, continuing without client", "formID", formID, "error", err)
		return nil
	}
	return client
}

// loadFormContext loads the catalog, client and scoring rules of a form.
// Only the catalog is required; failures elsewhere degrade to defaults.
func (e *Engine) loadFormContext(ctx context.Context, formID string) ([]models.Question, *models.Client, models.BusinessRules) {
	catalog, err := e.store.ListQuestions(ctx, formID)
	if err != nil {
		slog.Warn("Engine.loadFormContext: catalog load failed", "formID", formID, "error", err)
	}
	var rules models.BusinessRules
	if form, err := e.store.GetForm(ctx, formID); err == nil && form != nil {
		rules = form.Rules
	}
	return catalog, e.loadClient(ctx, formID), rules
}

// currentState returns the session's state, rebuilding it from responses
// when the stored state is missing.
func (e *Engine) currentState(sess *models.Session, catalog []models.Question, responses []models.Response, now time.Time) models.SessionState {
	if sess.State == nil {
		slog.Warn("Engine.currentState: state missing, reconstructing", "sessionID", sess.ID)
		st := recovery.Reconstruct(*sess, responses, catalog, now)
		st.Engagement.Status = sess.AbandonmentStatus
		st.Engagement.LastActivityAt = sess.LastActivityAt
		st.Flow.Strategy = models.StrategyStandard
		st.Normalize(now)
		return st
	}
	st := *sess.State
	st.Core.SessionID = sess.ID
	st.Core.FormID = sess.FormID
	if len(st.Strategy.Catalog) == 0 {
		st.Strategy.Catalog = catalog
	}
	st.Normalize(now)
	return st
}

func (e *Engine) persistCritical(ctx context.Context, sessionID string, state models.SessionState, op string) error {
	patch := models.PatchFromState(state)
	err := store.RetryCritical(ctx, op, func(ctx context.Context) error {
		_, err := e.store.UpdateSession(ctx, sessionID, patch)
		return err
	})
	if err != nil {
		slog.Error("Engine.persistCritical: failed", "sessionID", sessionID, "op", op, "error", err)
		e.metrics.CriticalWriteFailed(op)
		return ErrTryAgain
	}
	return nil
}

func (e *Engine) enqueueLeadAlert(ctx context.Context, state models.SessionState, client *models.Client, lead models.Lead) {
	alert := notify.LeadAlert{
		SessionID:  state.Core.SessionID,
		FormID:     state.Core.FormID,
		Score:      state.Lead.Score,
		Label:      state.Lead.Label,
		Name:       lead.Name,
		Company:    lead.Company,
		Email:      lead.Email,
		Phone:      lead.Phone,
		Highlights: state.Lead.PositiveIndicators,
	}
	if client != nil {
		alert.ClientName = client.Name
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		slog.Error("Engine.enqueueLeadAlert: marshal failed", "sessionID", alert.SessionID, "error", err)
		return
	}
	if _, err := e.store.EnqueueJob(ctx, notify.JobKindLeadAlert, e.now(), string(payload), alert.DedupeKey()); err != nil {
		slog.Error("Engine.enqueueLeadAlert: enqueue failed", "sessionID", alert.SessionID, "error", err)
		return
	}
	slog.Info("Engine.enqueueLeadAlert: lead alert queued", "sessionID", alert.SessionID, "score", alert.Score)
}
