package models

import (
	"errors"
	"strings"
)

// Form groups the catalog of questions shown by one web form.
type Form struct {
	ID    string        `json:"id" yaml:"id"`
	Title string        `json:"title" yaml:"title"`
	Rules BusinessRules `json:"rules" yaml:"rules"`
}

// BusinessRules are per-form scoring rules layered over question rubrics.
type BusinessRules struct {
	// Weights overrides the rubric weight for a question id.
	Weights map[string]float64 `json:"weights,omitempty" yaml:"weights"`
	// Disqualifiers are phrases that trip the critical override in any answer.
	Disqualifiers []string `json:"disqualifiers,omitempty" yaml:"disqualifiers"`
}

// Question is one catalog entry. Immutable once loaded for a form.
type Question struct {
	ID       string           `json:"id" yaml:"id"`
	FormID   string           `json:"form_id" yaml:"-"`
	Text     string           `json:"text" yaml:"text"`
	Required bool             `json:"required" yaml:"required"`
	Rubric   string           `json:"rubric,omitempty" yaml:"rubric"`
	Category QuestionCategory `json:"category" yaml:"category"`
	Options  []string         `json:"options,omitempty" yaml:"options"`
	Position int              `json:"position" yaml:"position"`
}

// Client is the business that owns a form and receives its leads.
type Client struct {
	ID                 string  `json:"id" yaml:"id"`
	FormID             string  `json:"form_id" yaml:"-"`
	Name               string  `json:"name" yaml:"name"`
	BusinessType       string  `json:"business_type" yaml:"business_type"`
	Description        string  `json:"description,omitempty" yaml:"description"`
	ServiceArea        string  `json:"service_area,omitempty" yaml:"service_area"`
	ServiceRadiusMiles float64 `json:"service_radius_miles,omitempty" yaml:"service_radius_miles"`
}

var (
	ErrEmptyQuestionID   = errors.New("question id cannot be empty")
	ErrEmptyQuestionText = errors.New("question text cannot be empty")
)

// Validate checks the fields required for a question to be asked.
func (q *Question) Validate() error {
	if strings.TrimSpace(q.ID) == "" {
		return ErrEmptyQuestionID
	}
	if strings.TrimSpace(q.Text) == "" {
		return ErrEmptyQuestionText
	}
	return nil
}

var contactHints = []string{"email", "e-mail", "phone", "name", "contact", "company", "business name"}
var serviceHints = []string{"service", "project", "budget", "timeline", "need", "help with", "start"}
var subjectHints = []string{"address", "location", "zip", "city", "property", "size", "type of", "how many"}

// EffectiveCategory returns the declared category, or one inferred from the
// question text when the catalog left it blank.
func (q *Question) EffectiveCategory() QuestionCategory {
	switch q.Category {
	case CategoryContact, CategorySubject, CategoryService, CategoryGeneral:
		return q.Category
	}
	text := strings.ToLower(q.Text)
	for _, h := range contactHints {
		if strings.Contains(text, h) {
			return CategoryContact
		}
	}
	for _, h := range serviceHints {
		if strings.Contains(text, h) {
			return CategoryService
		}
	}
	for _, h := range subjectHints {
		if strings.Contains(text, h) {
			return CategorySubject
		}
	}
	return CategoryGeneral
}

// IsContact reports whether the question collects identity/contact details.
func (q *Question) IsContact() bool {
	return q.EffectiveCategory() == CategoryContact
}

// QuestionIndex builds a lookup from question id to catalog entry.
func QuestionIndex(questions []Question) map[string]Question {
	idx := make(map[string]Question, len(questions))
	for _, q := range questions {
		idx[q.ID] = q
	}
	return idx
}
