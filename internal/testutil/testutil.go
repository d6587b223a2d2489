// Package testutil provides common test helpers for LeadPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// TestFormID is the form created by SeedForm.
const TestFormID = "form_1"

// Envelope mirrors the API response wrapper.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// FormQuestions is a small cleaning-service catalog. Answering every rubric
// question with StrongAnswers qualifies the lead.
func FormQuestions() []models.Question {
	return []models.Question{
		{ID: "name", Text: "What is your name?", Position: 1},
		{ID: "service", Text: "What service do you need?", Rubric: "exact: weekly cleaning", Position: 2},
		{ID: "budget", Text: "What is your budget?", Rubric: "exact: over 5000", Position: 3},
		{ID: "timeline", Text: "When would you like to start?", Rubric: "exact: this month", Position: 4},
	}
}

// StrongAnswers matches every rubric in FormQuestions.
var StrongAnswers = map[string]string{
	"name":     "Jo",
	"service":  "weekly cleaning",
	"budget":   "over 5000",
	"timeline": "this month",
}

// SeedForm stores TestFormID with FormQuestions and a client.
func SeedForm(t *testing.T, st store.Store) {
	t.Helper()
	client := &models.Client{ID: "c1", Name: "Sparkle Co", BusinessType: "cleaning"}
	if err := st.SaveForm(context.Background(), models.Form{ID: TestFormID, Title: "Cleaning quote"}, FormQuestions(), client); err != nil {
		t.Fatalf("SaveForm: %v", err)
	}
}

// AnswersFor builds a submission answering each prompted question from answers.
func AnswersFor(submissionID string, questions []models.QuestionPrompt, answers map[string]string) models.SubmitRequest {
	req := models.SubmitRequest{SubmissionID: submissionID}
	for _, q := range questions {
		req.Answers = append(req.Answers, models.Answer{QuestionID: q.ID, Answer: answers[q.ID]})
	}
	return req
}

// DoJSON sends body as JSON to h and decodes the envelope of a JSON reply.
func DoJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var env Envelope
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope: %v (%s)", err, rr.Body.String())
		}
	}
	return rr, env
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
