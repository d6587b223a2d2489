package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/metrics"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeGenerator answers every call with fixed output, optionally after a delay
// that honours the request timeout.
type fakeGenerator struct {
	text  string
	json  string
	err   error
	delay time.Duration

	mu       sync.Mutex
	requests []genai.Request
}

func (f *fakeGenerator) wait(ctx context.Context, req genai.Request) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.delay == 0 {
		return f.err
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.delay):
		return f.err
	}
}

func (f *fakeGenerator) Generate(ctx context.Context, req genai.Request) (string, error) {
	if err := f.wait(ctx, req); err != nil {
		return "", err
	}
	return f.text, nil
}

func (f *fakeGenerator) GenerateJSON(ctx context.Context, req genai.Request, out any) error {
	if err := f.wait(ctx, req); err != nil {
		return err
	}
	return json.Unmarshal([]byte(f.json), out)
}

func (f *fakeGenerator) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Prompt
	}
	return out
}

var testQuestions = []models.Question{
	{ID: "service", Text: "What service do you need?", Rubric: "exact: weekly cleaning"},
	{ID: "budget", Text: "What is your budget?", Rubric: "exact: over 5000"},
}

var testClient = &models.Client{ID: "c1", Name: "Sparkle Co", BusinessType: "commercial cleaning", ServiceArea: "Austin, TX", ServiceRadiusMiles: 25}

func TestPhraseQuestions_UsesModelOutput(t *testing.T) {
	gen := &fakeGenerator{json: `{"questions":[{"id":"service","text":"What can we clean for you?"},{"id":"budget","text":"Roughly what budget do you have in mind?"}]}`}
	a := NewAssistant(gen, time.Second, nil)

	got := a.PhraseQuestions(context.Background(), testQuestions, testClient, models.StrategyStandard)
	if got["service"] != "What can we clean for you?" {
		t.Errorf("service phrased as %q", got["service"])
	}
	if got["budget"] != "Roughly what budget do you have in mind?" {
		t.Errorf("budget phrased as %q", got["budget"])
	}
}

func TestPhraseQuestions_InvalidReplyUsesCatalogText(t *testing.T) {
	long := strings.Repeat("x", maxQuestionLen+1)
	tests := []struct {
		name  string
		reply string
	}{
		{"missing question", `{"questions":[{"id":"service","text":"What can we clean for you?"}]}`},
		{"unknown id", `{"questions":[{"id":"service","text":"What can we clean for you?"},{"id":"budget","text":"Budget?"},{"id":"ghost","text":"Who are you?"}]}`},
		{"empty text", `{"questions":[{"id":"service","text":"What can we clean for you?"},{"id":"budget","text":"  "}]}`},
		{"too long", `{"questions":[{"id":"service","text":"What can we clean for you?"},{"id":"budget","text":"` + long + `"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			a := NewAssistant(&fakeGenerator{json: tt.reply}, time.Second, m)

			got := a.PhraseQuestions(context.Background(), testQuestions, testClient, models.StrategyStandard)
			if len(got) != len(testQuestions) {
				t.Errorf("got %d phrasings, want %d", len(got), len(testQuestions))
			}
			for _, q := range testQuestions {
				if got[q.ID] != q.Text {
					t.Errorf("%s phrased as %q, want catalog text", q.ID, got[q.ID])
				}
			}
			if v := testutil.ToFloat64(m.AIFallbacks.WithLabelValues(callPhrase)); v != 1 {
				t.Errorf("fallback counter = %v, want 1", v)
			}
		})
	}
}

func TestPhraseQuestions_TimeoutFallsBack(t *testing.T) {
	gen := &fakeGenerator{json: `{"questions":[]}`, delay: 200 * time.Millisecond}
	a := NewAssistant(gen, 20*time.Millisecond, nil)

	start := time.Now()
	got := a.PhraseQuestions(context.Background(), testQuestions, testClient, models.StrategyStandard)
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("phrasing took %v, expected the timeout to cut it short", elapsed)
	}
	for _, q := range testQuestions {
		if got[q.ID] != q.Text {
			t.Errorf("%s phrased as %q, want catalog text", q.ID, got[q.ID])
		}
	}
}

func TestAssistantWithoutGenerator(t *testing.T) {
	a := NewAssistant(nil, 0, nil)
	ctx := context.Background()

	if got := a.PhraseQuestions(ctx, testQuestions, nil, models.StrategyStandard); got["service"] != testQuestions[0].Text {
		t.Errorf("unexpected phrasing %q", got["service"])
	}
	if got := a.EngagementCopy(ctx, 0, testQuestions, testClient, models.StrategyStandard); got != FallbackCopy(0, testClient, models.StrategyStandard) {
		t.Errorf("unexpected copy %+v", got)
	}
	if fit, _ := a.AssessFit(ctx, testClient, testQuestions, []models.Response{{QuestionID: "service", Answer: "weekly cleaning"}}); fit != models.FitUnknown {
		t.Errorf("fit = %q, want unknown", fit)
	}
	if _, err := a.Rerank(ctx, testQuestions, nil); err == nil {
		t.Error("Rerank should fail without a generator")
	}
}

func TestEngagementCopy(t *testing.T) {
	tests := []struct {
		name string
		gen  *fakeGenerator
		want StepCopy
	}{
		{"valid", &fakeGenerator{json: `{"headline":"Almost there","motivation":"Two more quick ones."}`}, StepCopy{"Almost there", "Two more quick ones."}},
		{"blank headline", &fakeGenerator{json: `{"headline":"","motivation":"Two more quick ones."}`}, FallbackCopy(1, testClient, models.StrategyStandard)},
		{"too long", &fakeGenerator{json: `{"headline":"` + strings.Repeat("x", maxHeadlineLen+1) + `","motivation":"ok"}`}, FallbackCopy(1, testClient, models.StrategyStandard)},
		{"error", &fakeGenerator{err: errors.New("boom")}, FallbackCopy(1, testClient, models.StrategyStandard)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewAssistant(tt.gen, time.Second, nil).EngagementCopy(context.Background(), 1, testQuestions, testClient, models.StrategyStandard)
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFallbackCopy_RecoveryTone(t *testing.T) {
	c := FallbackCopy(3, testClient, models.StrategyRecovery)
	if c.Headline != "Welcome back" {
		t.Errorf("headline = %q", c.Headline)
	}
	if first := FallbackCopy(0, testClient, models.StrategyStandard); !strings.Contains(first.Motivation, "Sparkle Co") {
		t.Errorf("first step copy should name the business: %q", first.Motivation)
	}
}

func TestAssessFit(t *testing.T) {
	responses := []models.Response{{QuestionID: "service", Answer: "weekly cleaning"}}
	tests := []struct {
		name string
		json string
		want models.BusinessFit
	}{
		{"good", `{"fit":"Good fit","reasoning":"commercial and local"}`, models.FitGood},
		{"unrecognized", `{"fit":"splendid"}`, models.FitUnknown},
		{"malformed", `not json`, models.FitUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fit, _ := NewAssistant(&fakeGenerator{json: tt.json}, time.Second, nil).AssessFit(context.Background(), testClient, testQuestions, responses)
			if fit != tt.want {
				t.Errorf("fit = %q, want %q", fit, tt.want)
			}
		})
	}
}

func TestAssessFit_PromptNeverContainsRubrics(t *testing.T) {
	gen := &fakeGenerator{json: `{"fit":"good"}`}
	a := NewAssistant(gen, time.Second, nil)
	a.AssessFit(context.Background(), testClient, testQuestions, []models.Response{{QuestionID: "budget", Answer: "over 5000"}})

	for _, p := range gen.prompts() {
		if strings.Contains(p, "exact:") {
			t.Fatalf("prompt leaked a rubric: %q", p)
		}
		if !strings.Contains(p, "What is your budget?: over 5000") {
			t.Errorf("prompt should carry the transcript: %q", p)
		}
	}
}

func TestCompletionMessage(t *testing.T) {
	lead := models.Lead{Name: "Jo"}
	ctx := context.Background()

	msg, actions := NewAssistant(&fakeGenerator{text: "  Thanks Jo, talk soon!  "}, time.Second, nil).CompletionMessage(ctx, models.LeadStatusYes, 88, testClient, lead)
	if msg != "Thanks Jo, talk soon!" {
		t.Errorf("msg = %q", msg)
	}
	if len(actions) == 0 {
		t.Error("expected next actions")
	}

	msg, _ = NewAssistant(&fakeGenerator{err: errors.New("down")}, time.Second, nil).CompletionMessage(ctx, models.LeadStatusNo, 10, testClient, lead)
	if msg != FallbackMessage(models.LeadStatusNo, testClient, lead) {
		t.Errorf("expected fallback message, got %q", msg)
	}
}

func TestNextActionsPerLabel(t *testing.T) {
	for _, label := range []models.LeadStatus{models.LeadStatusYes, models.LeadStatusMaybe, models.LeadStatusNo, models.LeadStatusUnknown} {
		if len(NextActions(label, nil)) == 0 {
			t.Errorf("no next actions for %s", label)
		}
	}
}
