package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/metrics"
	"github.com/BTreeMap/LeadPipe/internal/models"
)

// TextGenerator is the text-generation service. *genai.Client implements it.
type TextGenerator interface {
	Generate(ctx context.Context, req genai.Request) (string, error)
	GenerateJSON(ctx context.Context, req genai.Request, out any) error
}

// AI call sites, used as metric labels.
const (
	callPhrase     = "phrase"
	callEngagement = "engagement"
	callFit        = "fit"
	callCompletion = "completion"
	callRerank     = "rerank"
)

// Output limits; longer AI text is replaced by the fallback.
const (
	maxQuestionLen   = 300
	maxHeadlineLen   = 80
	maxMotivationLen = 280
	maxMessageLen    = 700
)

// Assistant wraps every AI-assisted step. Each method has exactly one
// deterministic fallback and never returns an error.
type Assistant struct {
	gen     TextGenerator
	timeout time.Duration
	metrics *metrics.Metrics
}

// NewAssistant creates an Assistant. gen may be nil, in which case every call
// uses its fallback.
func NewAssistant(gen TextGenerator, timeout time.Duration, m *metrics.Metrics) *Assistant {
	if timeout <= 0 {
		timeout = genai.DefaultTimeout
	}
	return &Assistant{gen: gen, timeout: timeout, metrics: m}
}

func (a *Assistant) enabled() bool {
	return a != nil && a.gen != nil
}

func (a *Assistant) fallback(call string, err error, attrs ...any) {
	slog.Warn("Assistant."+call+": using fallback", append([]any{"error", err}, attrs...)...)
	a.metrics.AIFallback(call)
}

func (a *Assistant) request(system, prompt string, temperature float64, maxTokens int) genai.Request {
	return genai.Request{System: system, Prompt: prompt, Temperature: temperature, MaxTokens: maxTokens, Timeout: a.timeout}
}

// StepCopy is the text shown around one step's questions.
type StepCopy struct {
	Headline   string
	Motivation string
}

type phrasedQuestion struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type phrasingReply struct {
	Questions []phrasedQuestion `json:"questions"`
}

// PhraseQuestions rewrites selected prompts for the respondent. The reply is
// used whole or not at all: if any question is missing, unknown, empty or too
// long, every question keeps its catalog text.
func (a *Assistant) PhraseQuestions(ctx context.Context, questions []models.Question, client *models.Client, strategy models.FlowStrategy) map[string]string {
	phrased := make(map[string]string, len(questions))
	for _, q := range questions {
		phrased[q.ID] = q.Text
	}
	if !a.enabled() || len(questions) == 0 {
		return phrased
	}

	items := make([]phrasedQuestion, len(questions))
	for i, q := range questions {
		items[i] = phrasedQuestion{ID: q.ID, Text: q.Text}
	}
	payload, _ := json.Marshal(items)
	prompt := fmt.Sprintf("Business: %s\nTone: %s\nQuestions: %s", describeClient(client), strategy, payload)

	var reply phrasingReply
	if err := a.gen.GenerateJSON(ctx, a.request(phrasingSystemPrompt, prompt, 0.4, 500), &reply); err != nil {
		a.fallback(callPhrase, err, "questions", len(questions))
		return phrased
	}
	candidate := make(map[string]string, len(questions))
	for _, pq := range reply.Questions {
		text := strings.TrimSpace(pq.Text)
		if _, ok := phrased[pq.ID]; !ok || text == "" || len(text) > maxQuestionLen {
			a.fallback(callPhrase, fmt.Errorf("invalid phrasing for %q", pq.ID))
			return phrased
		}
		candidate[pq.ID] = text
	}
	if len(candidate) < len(questions) {
		a.fallback(callPhrase, fmt.Errorf("phrased %d of %d questions", len(candidate), len(questions)))
		return phrased
	}
	return candidate
}

type copyReply struct {
	Headline   string `json:"headline"`
	Motivation string `json:"motivation"`
}

// EngagementCopy writes the headline and motivation for a step.
func (a *Assistant) EngagementCopy(ctx context.Context, step int, questions []models.Question, client *models.Client, strategy models.FlowStrategy) StepCopy {
	fb := FallbackCopy(step, client, strategy)
	if !a.enabled() {
		return fb
	}
	texts := make([]string, len(questions))
	for i, q := range questions {
		texts[i] = q.Text
	}
	prompt := fmt.Sprintf("Business: %s\nStep number: %d\nTone: %s\nQuestions on this step: %s",
		describeClient(client), step+1, strategy, strings.Join(texts, " | "))

	var reply copyReply
	if err := a.gen.GenerateJSON(ctx, a.request(engagementSystemPrompt, prompt, 0.7, 200), &reply); err != nil {
		a.fallback(callEngagement, err, "step", step)
		return fb
	}
	h, m := strings.TrimSpace(reply.Headline), strings.TrimSpace(reply.Motivation)
	if h == "" || m == "" || len(h) > maxHeadlineLen || len(m) > maxMotivationLen {
		a.fallback(callEngagement, fmt.Errorf("copy out of bounds"), "step", step)
		return fb
	}
	return StepCopy{Headline: h, Motivation: m}
}

// FallbackCopy is the rule-based step copy.
func FallbackCopy(step int, client *models.Client, strategy models.FlowStrategy) StepCopy {
	name := "us"
	if client != nil && client.Name != "" {
		name = client.Name
	}
	switch {
	case strategy == models.StrategyRecovery:
		return StepCopy{
			Headline:   "Welcome back",
			Motivation: "Your earlier answers are saved. Just a few more questions and you're done.",
		}
	case step == 0:
		return StepCopy{
			Headline:   "Let's get started",
			Motivation: fmt.Sprintf("A few quick questions help %s prepare the right quote for you.", name),
		}
	default:
		return StepCopy{
			Headline:   fmt.Sprintf("Step %d", step+1),
			Motivation: "Thanks, that helps. A couple more details and we'll have what we need.",
		}
	}
}

type fitReply struct {
	Fit       string `json:"fit"`
	Reasoning string `json:"reasoning"`
}

// AssessFit asks for a coarse business-fit label. Failures and unknown labels
// yield FitUnknown, which adjusts the score by zero.
func (a *Assistant) AssessFit(ctx context.Context, client *models.Client, catalog []models.Question, responses []models.Response) (models.BusinessFit, string) {
	if !a.enabled() || client == nil || models.CountReal(responses) == 0 {
		return models.FitUnknown, ""
	}
	prompt := fmt.Sprintf("Business: %s\nAnswers:\n%s", describeClient(client), transcript(catalog, responses))

	var reply fitReply
	if err := a.gen.GenerateJSON(ctx, a.request(fitSystemPrompt, prompt, 0.2, 200), &reply); err != nil {
		a.fallback(callFit, err)
		return models.FitUnknown, ""
	}
	fit := models.ParseBusinessFit(reply.Fit)
	if fit == models.FitUnknown {
		a.fallback(callFit, fmt.Errorf("unrecognized fit label %q", reply.Fit))
		return models.FitUnknown, ""
	}
	return fit, strings.TrimSpace(reply.Reasoning)
}

// CompletionMessage writes the closing message; next actions are rule based.
func (a *Assistant) CompletionMessage(ctx context.Context, label models.LeadStatus, score int, client *models.Client, lead models.Lead) (string, []string) {
	actions := NextActions(label, client)
	fb := FallbackMessage(label, client, lead)
	if !a.enabled() {
		return fb, actions
	}
	prompt := fmt.Sprintf("Business: %s\nRespondent: %s\nOutcome: %s\nSuggested next steps: %s",
		describeClient(client), firstNonEmpty(lead.Name, lead.Company, "the respondent"), outcomeDescription(label), strings.Join(actions, "; "))

	text, err := a.gen.Generate(ctx, a.request(completionSystemPrompt, prompt, 0.6, 300))
	text = strings.TrimSpace(text)
	if err == nil && (text == "" || len(text) > maxMessageLen) {
		err = fmt.Errorf("message length %d out of bounds", len(text))
	}
	if err != nil {
		a.fallback(callCompletion, err, "label", label)
		return fb, actions
	}
	return text, actions
}

// FallbackMessage is the rule-based completion message.
func FallbackMessage(label models.LeadStatus, client *models.Client, lead models.Lead) string {
	name := "our team"
	if client != nil && client.Name != "" {
		name = client.Name
	}
	greeting := "Thank you"
	if lead.Name != "" {
		greeting = "Thank you, " + lead.Name
	}
	switch label {
	case models.LeadStatusYes:
		return fmt.Sprintf("%s! You look like a great fit. Someone from %s will reach out shortly to talk through your quote.", greeting, name)
	case models.LeadStatusMaybe:
		return fmt.Sprintf("%s! We have what we need to review your request. %s will follow up if we can help.", greeting, name)
	case models.LeadStatusNo:
		return fmt.Sprintf("%s for your time. Based on your answers, %s may not be the right match for this project right now.", greeting, name)
	default:
		return fmt.Sprintf("%s for your answers. %s will review them and get back to you.", greeting, name)
	}
}

// NextActions suggests what the respondent should do next.
func NextActions(label models.LeadStatus, client *models.Client) []string {
	name := "the team"
	if client != nil && client.Name != "" {
		name = client.Name
	}
	switch label {
	case models.LeadStatusYes:
		return []string{
			fmt.Sprintf("Expect a call or email from %s within one business day", name),
			"Have your schedule and site details handy",
		}
	case models.LeadStatusMaybe:
		return []string{
			fmt.Sprintf("%s will review your answers", name),
			"Reply to the confirmation email with anything we missed",
		}
	case models.LeadStatusNo:
		return []string{"Browse other providers that serve your area"}
	default:
		return []string{"Watch your inbox for a follow-up"}
	}
}

type rerankReply struct {
	Order []int `json:"order"`
}

// Rerank implements selector.Reranker. Invalid orderings are rejected by the selector.
func (a *Assistant) Rerank(ctx context.Context, candidates []models.Question, responses []models.Response) ([]int, error) {
	if !a.enabled() {
		return nil, fmt.Errorf("reranking disabled")
	}
	var b strings.Builder
	for i, q := range candidates {
		fmt.Fprintf(&b, "%d: %s\n", i, q.Text)
	}
	prompt := fmt.Sprintf("Answers so far:\n%s\nCandidate questions:\n%s", transcript(candidates, responses), b.String())

	var reply rerankReply
	if err := a.gen.GenerateJSON(ctx, a.request(rerankSystemPrompt, prompt, 0, 100), &reply); err != nil {
		a.fallback(callRerank, err)
		return nil, err
	}
	return reply.Order, nil
}

func describeClient(c *models.Client) string {
	if c == nil {
		return "a local service business"
	}
	parts := []string{c.Name}
	if c.BusinessType != "" {
		parts = append(parts, c.BusinessType)
	}
	if c.ServiceArea != "" {
		parts = append(parts, "serving "+c.ServiceArea)
	}
	if c.Description != "" {
		parts = append(parts, c.Description)
	}
	return strings.Join(parts, ", ")
}

// transcript lists real answers with their question text. Rubrics never
// leave the process.
func transcript(catalog []models.Question, responses []models.Response) string {
	idx := models.QuestionIndex(catalog)
	var b strings.Builder
	for _, r := range responses {
		if !r.IsReal() {
			continue
		}
		text := r.QuestionID
		if q, ok := idx[r.QuestionID]; ok {
			text = q.Text
		}
		fmt.Fprintf(&b, "- %s: %s\n", text, r.Answer)
	}
	if b.Len() == 0 {
		return "(none)"
	}
	return b.String()
}

func outcomeDescription(label models.LeadStatus) string {
	switch label {
	case models.LeadStatusYes:
		return "qualified, strong fit"
	case models.LeadStatusMaybe:
		return "possible fit, needs review"
	case models.LeadStatusNo:
		return "not a fit right now"
	default:
		return "not enough information"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
