package models

import (
	"errors"
	"strings"
)

// Validation limits for incoming submissions.
const (
	// MaxAnswerLength bounds a single free-text answer.
	MaxAnswerLength = 4096
	// MaxAnswersPerSubmission bounds how many answers one step may carry.
	MaxAnswersPerSubmission = 20
)

var (
	ErrEmptyFormID         = errors.New("form_id is required")
	ErrNoAnswers           = errors.New("at least one answer is required")
	ErrTooManyAnswers      = errors.New("too many answers in one submission")
	ErrEmptyAnswerQuestion = errors.New("question_id is required for every answer")
	ErrAnswerTooLong       = errors.New("answer exceeds maximum length")
)

// QuestionPrompt is what the form shows for one question. Rubrics are never
// part of it.
type QuestionPrompt struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

// StepPayload is returned whenever the respondent should answer more questions.
type StepPayload struct {
	SessionID  string           `json:"session_id"`
	Step       int              `json:"step"`
	Questions  []QuestionPrompt `json:"questions"`
	Headline   string           `json:"headline"`
	Motivation string           `json:"motivation"`
}

// CompletionPayload is returned when the survey finishes.
type CompletionPayload struct {
	SessionID   string     `json:"session_id"`
	Label       LeadStatus `json:"label"`
	Score       int        `json:"score"`
	Message     string     `json:"message"`
	NextActions []string   `json:"next_actions"`
}

// StatusSummary is a read-only view of a session.
type StatusSummary struct {
	SessionID         string            `json:"session_id"`
	FormID            string            `json:"form_id"`
	Step              int               `json:"step"`
	Stage             FlowStage         `json:"stage"`
	Completed         bool              `json:"completed"`
	CompletionType    CompletionType    `json:"completion_type"`
	Label             LeadStatus        `json:"label"`
	Score             int               `json:"score"`
	AbandonmentRisk   float64           `json:"abandonment_risk"`
	AbandonmentStatus AbandonmentStatus `json:"abandonment_status"`
	QuestionsAsked    int               `json:"questions_asked"`
	QuestionsAnswered int               `json:"questions_answered"`
	LastActivityAt    string            `json:"last_activity_at"`
}

// StartRequest is the payload for starting a survey session.
type StartRequest struct {
	Tracking map[string]string `json:"tracking,omitempty"`
}

// Answer is one answer inside a submission.
type Answer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// SubmitRequest carries one step's answers. SubmissionID makes client retries idempotent.
type SubmitRequest struct {
	SubmissionID string   `json:"submission_id,omitempty"`
	Answers      []Answer `json:"answers"`
}

// Validate validates a SubmitRequest.
func (r *SubmitRequest) Validate() error {
	if len(r.Answers) == 0 {
		return ErrNoAnswers
	}
	if len(r.Answers) > MaxAnswersPerSubmission {
		return ErrTooManyAnswers
	}
	for _, a := range r.Answers {
		if strings.TrimSpace(a.QuestionID) == "" {
			return ErrEmptyAnswerQuestion
		}
		if len(a.Answer) > MaxAnswerLength {
			return ErrAnswerTooLong
		}
	}
	return nil
}

// SubmitResult holds exactly one of Step or Completion.
type SubmitResult struct {
	Step       *StepPayload       `json:"step,omitempty"`
	Completion *CompletionPayload `json:"completion,omitempty"`
}
