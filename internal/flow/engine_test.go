package flow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/lock"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/notify"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var engineCatalog = []models.Question{
	{ID: "name", Text: "What is your name?", Position: 1},
	{ID: "email", Text: "What is your email?", Position: 2},
	{ID: "service", Text: "What service do you need?", Rubric: "exact: weekly cleaning", Position: 3},
	{ID: "budget", Text: "What is your monthly budget?", Rubric: "exact: over 5000", Position: 4},
	{ID: "timeline", Text: "When would you like to start?", Rubric: "exact: this month", Position: 5},
	{ID: "size", Text: "How many square feet is the space?", Rubric: "exact: large", Position: 6},
	{ID: "frequency", Text: "How often should we come by?", Rubric: "exact: weekly", Position: 7},
	{ID: "facility", Text: "Type of facility?", Rubric: "exact: office", Position: 8},
	{ID: "notes", Text: "Anything else we should know?", Position: 9},
	{ID: "referral", Text: "How did you hear about us?", Position: 10},
}

var strongAnswers = map[string]string{
	"name":      "Jo Rivera",
	"email":     "jo@example.com",
	"service":   "weekly cleaning",
	"budget":    "over 5000",
	"timeline":  "this month",
	"size":      "large",
	"frequency": "weekly",
	"facility":  "office",
	"notes":     "none",
	"referral":  "google",
}

type engineFixture struct {
	store  *store.InMemoryStore
	clock  *testClock
	engine *Engine
}

func newEngineFixture(t *testing.T, opts ...Option) *engineFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	ctx := context.Background()
	if err := st.SaveForm(ctx, models.Form{ID: "form_1", Title: "Cleaning quote"}, engineCatalog, testClient); err != nil {
		t.Fatalf("SaveForm: %v", err)
	}
	rules := models.BusinessRules{Disqualifiers: []string{"just browsing"}}
	if err := st.SaveForm(ctx, models.Form{ID: "form_strict", Title: "Strict", Rules: rules}, engineCatalog, testClient); err != nil {
		t.Fatalf("SaveForm: %v", err)
	}
	if err := st.SaveForm(ctx, models.Form{ID: "form_empty", Title: "Empty"}, nil, nil); err != nil {
		t.Fatalf("SaveForm: %v", err)
	}
	clock := newTestClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &engineFixture{store: st, clock: clock, engine: NewEngine(st, opts...)}
}

func answersFor(step *models.StepPayload, answers map[string]string) []models.Answer {
	out := make([]models.Answer, 0, len(step.Questions))
	for _, q := range step.Questions {
		out = append(out, models.Answer{QuestionID: q.ID, Answer: answers[q.ID]})
	}
	return out
}

func constAnswers(v string) map[string]string {
	out := make(map[string]string, len(engineCatalog))
	for _, q := range engineCatalog {
		out[q.ID] = v
	}
	return out
}

// runToCompletion answers every presented step until the session completes.
func runToCompletion(t *testing.T, e *Engine, first *models.StepPayload, answers map[string]string) (*models.CompletionPayload, int) {
	t.Helper()
	step := first
	for submits := 1; submits <= DefaultStepCeiling+1; submits++ {
		res, err := e.Submit(context.Background(), step.SessionID, models.SubmitRequest{Answers: answersFor(step, answers)})
		if err != nil {
			t.Fatalf("Submit #%d: %v", submits, err)
		}
		if res.Completion != nil {
			return res.Completion, submits
		}
		if res.Step == nil || len(res.Step.Questions) == 0 {
			t.Fatalf("Submit #%d returned neither a step nor a completion", submits)
		}
		step = res.Step
	}
	t.Fatal("session never completed")
	return nil, 0
}

func TestEngineStart(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	step, err := f.engine.Start(ctx, "form_1", map[string]string{"utm_source": "ads"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !util.IsSessionID(step.SessionID) {
		t.Errorf("unexpected session id %q", step.SessionID)
	}
	if step.Step != 0 || len(step.Questions) == 0 || len(step.Questions) > 3 {
		t.Fatalf("unexpected first step: %+v", step)
	}
	if step.Headline == "" || step.Motivation == "" {
		t.Error("step copy should never be empty")
	}

	sess, err := f.store.GetSession(ctx, step.SessionID)
	if err != nil || sess == nil {
		t.Fatalf("GetSession: %v %v", sess, err)
	}
	if sess.Tracking["utm_source"] != "ads" {
		t.Errorf("tracking not stored: %v", sess.Tracking)
	}
	if sess.State == nil || len(sess.State.Strategy.Asked) != len(step.Questions) {
		t.Fatalf("asked list not persisted: %+v", sess.State)
	}
	if snap, _ := f.store.GetLatestSnapshot(ctx, step.SessionID); snap == nil || snap.Reason != models.SnapshotSessionStarted {
		t.Errorf("expected a session_started snapshot, got %+v", snap)
	}

	status, err := f.engine.Status(ctx, step.SessionID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Stage != models.StageAwaitingUserInput || status.Label != models.LeadStatusUnknown || status.QuestionsAsked != len(step.Questions) {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestEngineStart_Errors(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	tests := []struct {
		formID string
		want   error
	}{
		{"", ErrInvalidSubmission},
		{"missing", ErrFormNotFound},
		{"form_empty", ErrFormNotFound},
	}
	for _, tt := range tests {
		if _, err := f.engine.Start(ctx, tt.formID, nil); !errors.Is(err, tt.want) {
			t.Errorf("Start(%q) error = %v, want %v", tt.formID, err, tt.want)
		}
	}
}

func TestEngineQualifiedLead(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, err := f.engine.Start(ctx, "form_1", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	done, submits := runToCompletion(t, f.engine, step, strongAnswers)
	if submits < MinStepsBeforeCompletion+1 {
		t.Errorf("completed after %d submits, below the floor", submits)
	}
	if done.Label != models.LeadStatusYes || done.Score < 75 {
		t.Errorf("unexpected completion %+v", done)
	}
	if done.Message == "" || len(done.NextActions) == 0 {
		t.Error("completion should carry a message and next actions")
	}

	sess, _ := f.store.GetSession(ctx, step.SessionID)
	if !sess.Completed || sess.CompletionType != models.CompletionQualified || sess.Label != models.LeadStatusYes {
		t.Errorf("unexpected session record %+v", sess)
	}

	jobs, err := f.store.ClaimDueJobs(ctx, f.clock.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Kind != notify.JobKindLeadAlert {
		t.Fatalf("expected one lead alert job, got %+v", jobs)
	}
	var alert notify.LeadAlert
	if err := json.Unmarshal([]byte(jobs[0].PayloadJSON), &alert); err != nil {
		t.Fatalf("decode alert: %v", err)
	}
	if alert.SessionID != step.SessionID || alert.ClientName != "Sparkle Co" || alert.Label != models.LeadStatusYes {
		t.Errorf("unexpected alert %+v", alert)
	}

	if _, err := f.engine.Submit(ctx, step.SessionID, models.SubmitRequest{Answers: []models.Answer{{QuestionID: "notes", Answer: "hi"}}}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("submit after completion error = %v, want ErrSessionClosed", err)
	}
}

func TestEngineDisqualifiedLeadRespectsFloor(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, err := f.engine.Start(ctx, "form_strict", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	done, submits := runToCompletion(t, f.engine, step, constAnswers("just browsing"))
	if submits != MinStepsBeforeCompletion+1 {
		t.Errorf("completed after %d submits, want %d", submits, MinStepsBeforeCompletion+1)
	}
	if done.Label != models.LeadStatusNo {
		t.Errorf("label = %s, want no", done.Label)
	}
	sess, _ := f.store.GetSession(ctx, step.SessionID)
	if sess.CompletionType != models.CompletionUnqualified {
		t.Errorf("completion type = %s", sess.CompletionType)
	}
	if sess.State.Flow.LastDecision != ReasonDisqualified {
		t.Errorf("last decision = %q", sess.State.Flow.LastDecision)
	}
	if jobs, _ := f.store.ClaimDueJobs(ctx, f.clock.Now().Add(time.Hour), 10); len(jobs) != 0 {
		t.Errorf("no alert expected for a disqualified lead, got %d", len(jobs))
	}
}

func TestEngineSubmit_NeverRepeatsQuestions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, err := f.engine.Start(ctx, "form_1", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	seen := map[string]bool{}
	for step != nil {
		for _, q := range step.Questions {
			if seen[q.ID] {
				t.Fatalf("question %s asked twice", q.ID)
			}
			seen[q.ID] = true
		}
		// Skipped questions give the router nothing to decide on, so the
		// session runs until the catalog is exhausted.
		res, err := f.engine.Submit(ctx, step.SessionID, models.SubmitRequest{Answers: answersFor(step, constAnswers(""))})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		step = res.Step
	}
	if len(seen) != len(engineCatalog) {
		t.Errorf("asked %d questions, want the whole catalog of %d", len(seen), len(engineCatalog))
	}
}

func TestEngineSubmit_Validation(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, _ := f.engine.Start(ctx, "form_1", nil)

	tests := []struct {
		name string
		id   string
		req  models.SubmitRequest
		want error
	}{
		{"no answers", step.SessionID, models.SubmitRequest{}, ErrInvalidSubmission},
		{"unknown question", step.SessionID, models.SubmitRequest{Answers: []models.Answer{{QuestionID: "ghost", Answer: "boo"}}}, ErrInvalidSubmission},
		{"malformed session id", "not-a-session", models.SubmitRequest{Answers: answersFor(step, strongAnswers)}, ErrSessionNotFound},
		{"unknown session", util.NewSessionID(), models.SubmitRequest{Answers: answersFor(step, strongAnswers)}, ErrSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.Submit(ctx, tt.id, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEngineSubmit_DuplicateSubmission(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, _ := f.engine.Start(ctx, "form_1", nil)
	req := models.SubmitRequest{SubmissionID: "sub-1", Answers: answersFor(step, strongAnswers)}

	if _, err := f.engine.Submit(ctx, step.SessionID, req); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := f.engine.Submit(ctx, step.SessionID, req); !errors.Is(err, ErrDuplicateSubmission) {
		t.Errorf("second Submit error = %v, want ErrDuplicateSubmission", err)
	}
	responses, _ := f.store.ListResponses(ctx, step.SessionID)
	if len(responses) != len(step.Questions) {
		t.Errorf("stored %d responses, want %d", len(responses), len(step.Questions))
	}
}

func TestEngineSubmit_FailedSubmissionCanBeRetried(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, _ := f.engine.Start(ctx, "form_1", nil)

	bad := models.SubmitRequest{SubmissionID: "sub-1", Answers: []models.Answer{{QuestionID: "ghost", Answer: "x"}}}
	if _, err := f.engine.Submit(ctx, step.SessionID, bad); !errors.Is(err, ErrInvalidSubmission) {
		t.Fatalf("error = %v, want ErrInvalidSubmission", err)
	}
	good := models.SubmitRequest{SubmissionID: "sub-1", Answers: answersFor(step, strongAnswers)}
	if _, err := f.engine.Submit(ctx, step.SessionID, good); err != nil {
		t.Errorf("retry with the same submission id failed: %v", err)
	}
}

func TestEngineSubmit_BlankAnswersAreNotStored(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, _ := f.engine.Start(ctx, "form_1", nil)

	res, err := f.engine.Submit(ctx, step.SessionID, models.SubmitRequest{Answers: answersFor(step, constAnswers("   "))})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Step == nil {
		t.Fatalf("blank step should move on to more questions, got %+v", res)
	}
	responses, _ := f.store.ListResponses(ctx, step.SessionID)
	if len(responses) != 0 {
		t.Errorf("blank answers were stored: %+v", responses)
	}
	status, _ := f.engine.Status(ctx, step.SessionID)
	if status.QuestionsAsked != len(step.Questions)+len(res.Step.Questions) {
		t.Errorf("questions asked = %d", status.QuestionsAsked)
	}
}

type failingUpdates struct {
	store.Backend
	mu   sync.Mutex
	fail bool
}

func (s *failingUpdates) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *failingUpdates) UpdateSession(ctx context.Context, id string, patch models.SessionPatch) (*models.Session, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return s.Backend.UpdateSession(ctx, id, patch)
}

func TestEngineSubmit_CriticalWriteFailure(t *testing.T) {
	f := newEngineFixture(t)
	flaky := &failingUpdates{Backend: f.store}
	e := NewEngine(flaky, WithClock(f.clock.Now))
	ctx := context.Background()
	step, err := e.Start(ctx, "form_1", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	flaky.setFail(true)
	req := models.SubmitRequest{SubmissionID: "sub-1", Answers: answersFor(step, strongAnswers)}
	if _, err := e.Submit(ctx, step.SessionID, req); !errors.Is(err, ErrTryAgain) {
		t.Fatalf("error = %v, want ErrTryAgain", err)
	}

	flaky.setFail(false)
	res, err := e.Submit(ctx, step.SessionID, req)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if res.Step == nil || res.Step.Step != 1 {
		t.Errorf("expected step 1 after retry, got %+v", res)
	}
}

type busyLocker struct{}

func (busyLocker) Acquire(ctx context.Context, key string) (lock.Release, error) {
	return nil, lock.ErrNotAcquired
}

func TestEngineSubmit_LockBusy(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, _ := f.engine.Start(ctx, "form_1", nil)

	e := NewEngine(f.store, WithClock(f.clock.Now), WithLocker(busyLocker{}))
	if _, err := e.Submit(ctx, step.SessionID, models.SubmitRequest{Answers: answersFor(step, strongAnswers)}); !errors.Is(err, ErrTryAgain) {
		t.Errorf("error = %v, want ErrTryAgain", err)
	}
}

func TestEngineSubmit_ConcurrentStepsAreSerialized(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, _ := f.engine.Start(ctx, "form_1", nil)
	req := models.SubmitRequest{Answers: answersFor(step, strongAnswers)}

	var wg sync.WaitGroup
	results := make([]*models.SubmitResult, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Submit(ctx, step.SessionID, req)
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	sess, _ := f.store.GetSession(ctx, step.SessionID)
	if sess.Step != 2 {
		t.Errorf("step = %d after two serialized submits, want 2", sess.Step)
	}
	responses, _ := f.store.ListResponses(ctx, step.SessionID)
	if len(responses) != len(step.Questions) {
		t.Errorf("stored %d responses, want %d", len(responses), len(step.Questions))
	}
}

func TestEngineAbandon(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, _ := f.engine.Start(ctx, "form_1", nil)

	if err := f.engine.Abandon(ctx, step.SessionID); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	status, err := f.engine.Status(ctx, step.SessionID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Completed || status.CompletionType != models.CompletionAbandoned || status.AbandonmentStatus != models.AbandonmentAbandoned || status.Stage != models.StageAbandoning {
		t.Errorf("unexpected status %+v", status)
	}
	if err := f.engine.Abandon(ctx, step.SessionID); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("second Abandon error = %v, want ErrSessionClosed", err)
	}
	if _, err := f.engine.Submit(ctx, step.SessionID, models.SubmitRequest{Answers: answersFor(step, strongAnswers)}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Submit after abandon error = %v, want ErrSessionClosed", err)
	}
	if _, err := f.engine.Resume(ctx, step.SessionID); !errors.Is(err, ErrNotRecoverable) {
		t.Errorf("Resume after abandon error = %v, want ErrNotRecoverable", err)
	}
}

func TestEngineSweepAbandoned(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	quiet, _ := f.engine.Start(ctx, "form_1", nil)
	t0 := f.clock.Now()

	n, err := f.engine.SweepAbandoned(ctx, t0.Add(time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}

	n, err = f.engine.SweepAbandoned(ctx, t0.Add(6*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("at-risk sweep = %d, %v", n, err)
	}
	status, _ := f.engine.Status(ctx, quiet.SessionID)
	if status.AbandonmentStatus != models.AbandonmentAtRisk || status.Completed {
		t.Errorf("expected at_risk, got %+v", status)
	}

	// A second session that stays busy is left alone.
	f.clock.Advance(15 * time.Minute)
	busy, _ := f.engine.Start(ctx, "form_1", nil)

	n, err = f.engine.SweepAbandoned(ctx, t0.Add(20*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("abandon sweep = %d, %v", n, err)
	}
	status, _ = f.engine.Status(ctx, quiet.SessionID)
	if status.AbandonmentStatus != models.AbandonmentAbandoned || !status.Completed || status.CompletionType != models.CompletionAbandoned {
		t.Errorf("expected abandoned, got %+v", status)
	}
	if status.AbandonmentRisk != 0.95 {
		t.Errorf("risk = %v, want 0.95", status.AbandonmentRisk)
	}
	if other, _ := f.engine.Status(ctx, busy.SessionID); other.AbandonmentStatus != models.AbandonmentActive {
		t.Errorf("recent session swept: %+v", other)
	}

	n, _ = f.engine.SweepAbandoned(ctx, t0.Add(21*time.Minute))
	if n != 0 {
		t.Errorf("repeat sweep abandoned %d sessions again", n)
	}
}

func TestEngineResume(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, _ := f.engine.Start(ctx, "form_1", nil)
	res, err := f.engine.Submit(ctx, step.SessionID, models.SubmitRequest{Answers: answersFor(step, strongAnswers)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	interrupted := res.Step

	f.clock.Advance(7 * time.Minute)
	resumed, err := f.engine.Resume(ctx, step.SessionID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Step == nil {
		t.Fatalf("expected a step, got %+v", resumed)
	}
	if len(resumed.Step.Questions) != len(interrupted.Questions) {
		t.Fatalf("resumed %d questions, want %d", len(resumed.Step.Questions), len(interrupted.Questions))
	}
	for i, q := range resumed.Step.Questions {
		if q.ID != interrupted.Questions[i].ID {
			t.Errorf("question %d = %s, want %s", i, q.ID, interrupted.Questions[i].ID)
		}
	}
	if resumed.Step.Headline != "Welcome back" {
		t.Errorf("headline = %q, want the recovery tone", resumed.Step.Headline)
	}

	status, _ := f.engine.Status(ctx, step.SessionID)
	if status.AbandonmentStatus != models.AbandonmentRecovered {
		t.Errorf("status = %s, want recovered", status.AbandonmentStatus)
	}

	// The resumed step is answered like any other.
	if _, err := f.engine.Submit(ctx, step.SessionID, models.SubmitRequest{Answers: answersFor(resumed.Step, strongAnswers)}); err != nil {
		t.Errorf("Submit after resume: %v", err)
	}
}

func TestEngineResume_Errors(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, _ := f.engine.Start(ctx, "form_1", nil)

	if _, err := f.engine.Resume(ctx, util.NewSessionID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session error = %v", err)
	}
	f.clock.Advance(2 * time.Hour)
	if _, err := f.engine.Resume(ctx, step.SessionID); !errors.Is(err, ErrNotRecoverable) {
		t.Errorf("expired session error = %v, want ErrNotRecoverable", err)
	}
}

func TestEngineStatus_NotFound(t *testing.T) {
	f := newEngineFixture(t)
	if _, err := f.engine.Status(context.Background(), util.NewSessionID()); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestEngine_SlowAIStillServesSteps(t *testing.T) {
	gen := &fakeGenerator{json: `{}`, text: "late", delay: 200 * time.Millisecond}
	f := newEngineFixture(t, WithAssistant(NewAssistant(gen, 20*time.Millisecond, nil)))
	ctx := context.Background()

	step, err := f.engine.Start(ctx, "form_1", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	idx := models.QuestionIndex(engineCatalog)
	for _, q := range step.Questions {
		if q.Text != idx[q.ID].Text {
			t.Errorf("%s text = %q, want catalog text", q.ID, q.Text)
		}
	}
	want := FallbackCopy(0, testClient, models.StrategyStandard)
	if step.Headline != want.Headline {
		t.Errorf("headline = %q, want fallback %q", step.Headline, want.Headline)
	}
}

// sweepRaceStore runs afterList once, right after the sweep has listed its
// candidates and before it updates them.
type sweepRaceStore struct {
	store.Backend
	afterList func()
}

func (s *sweepRaceStore) ListSessionsForSweep(ctx context.Context, inactiveSince time.Time, limit int) ([]models.Session, error) {
	list, err := s.Backend.ListSessionsForSweep(ctx, inactiveSince, limit)
	if s.afterList != nil {
		fn := s.afterList
		s.afterList = nil
		fn()
	}
	return list, err
}

func TestEngineSweepAbandoned_SessionAnsweredAfterListing(t *testing.T) {
	f := newEngineFixture(t)
	racing := &sweepRaceStore{Backend: f.store}
	e := NewEngine(racing, WithClock(f.clock.Now))
	ctx := context.Background()
	step, err := e.Start(ctx, "form_1", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.clock.Advance(20 * time.Minute)
	racing.afterList = func() {
		if _, err := e.Submit(ctx, step.SessionID, models.SubmitRequest{Answers: answersFor(step, strongAnswers)}); err != nil {
			t.Errorf("Submit: %v", err)
		}
	}
	n, err := e.SweepAbandoned(ctx, f.clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("sweep = %d, %v; want 0", n, err)
	}

	sess, _ := f.store.GetSession(ctx, step.SessionID)
	if sess.Completed || sess.AbandonmentStatus == models.AbandonmentAbandoned {
		t.Fatalf("answered session was abandoned: %+v", sess)
	}
	if sess.Step != 1 || !sess.LastActivityAt.Equal(f.clock.Now()) {
		t.Errorf("step=%d lastActivity=%v; want 1 and %v", sess.Step, sess.LastActivityAt, f.clock.Now())
	}
	if got := len(sess.State.Strategy.Asked); got <= len(step.Questions) {
		t.Errorf("asked list shrank to %d: %v", got, sess.State.Strategy.Asked)
	}
}

type failingSnapshots struct {
	store.Backend
	mu   sync.Mutex
	fail bool
}

func (s *failingSnapshots) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *failingSnapshots) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Backend.SaveSnapshot(ctx, snap)
}

func TestEngineResume_LostSnapshotKeepsProgress(t *testing.T) {
	f := newEngineFixture(t)
	flaky := &failingSnapshots{Backend: f.store}
	e := NewEngine(flaky, WithClock(f.clock.Now))
	ctx := context.Background()
	step, err := e.Start(ctx, "form_1", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	flaky.setFail(true)
	res, err := e.Submit(ctx, step.SessionID, models.SubmitRequest{Answers: answersFor(step, strongAnswers)})
	if err != nil || res.Step == nil || res.Step.Step != 1 {
		t.Fatalf("Submit = %+v, %v; want step 1", res, err)
	}
	flaky.setFail(false)

	f.clock.Advance(2 * time.Minute)
	resumed, err := e.Resume(ctx, step.SessionID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Step == nil || resumed.Step.Step != 1 {
		t.Fatalf("resumed payload = %+v; want step 1", resumed.Step)
	}
	sess, _ := f.store.GetSession(ctx, step.SessionID)
	if sess.Step != 1 {
		t.Errorf("stored step = %d after resume, want 1", sess.Step)
	}
	for _, q := range step.Questions {
		if !sess.State.Strategy.IsAsked(q.ID) {
			t.Errorf("%s dropped from asked list %v", q.ID, sess.State.Strategy.Asked)
		}
	}
}

type failingResponseReads struct {
	store.Backend
}

func (failingResponseReads) ListResponses(ctx context.Context, sessionID string) ([]models.Response, error) {
	return nil, errors.New("connection reset")
}

func TestEngineAbandon_ResponseReadFailure(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	step, _ := f.engine.Start(ctx, "form_1", nil)

	e := NewEngine(failingResponseReads{Backend: f.store}, WithClock(f.clock.Now))
	if err := e.Abandon(ctx, step.SessionID); err == nil {
		t.Fatal("Abandon should fail when responses cannot be read")
	}
	if sess, _ := f.store.GetSession(ctx, step.SessionID); sess.Completed {
		t.Errorf("session closed despite the failed read: %+v", sess)
	}
}
