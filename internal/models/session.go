package models

import (
	"strings"
	"time"
)

// Session is the persisted session record: identity and lifecycle plus the
// serialized step state. Sessions are never deleted, only marked completed.
type Session struct {
	ID                string            `json:"id"`
	FormID            string            `json:"form_id"`
	ClientID          string            `json:"client_id,omitempty"`
	Step              int               `json:"step"`
	Completed         bool              `json:"completed"`
	CompletionType    CompletionType    `json:"completion_type"`
	AbandonmentStatus AbandonmentStatus `json:"abandonment_status"`
	Score             int               `json:"score"`
	Label             LeadStatus        `json:"label"`
	Tracking          map[string]string `json:"tracking,omitempty"`
	State             *SessionState     `json:"state,omitempty"`
	LastActivityAt    time.Time         `json:"last_activity_at"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// SessionPatch describes a partial update. Nil fields are left unchanged.
type SessionPatch struct {
	Step              *int
	Completed         *bool
	CompletionType    *CompletionType
	AbandonmentStatus *AbandonmentStatus
	Score             *int
	Label             *LeadStatus
	LastActivityAt    *time.Time
	State             *SessionState
}

// ApplyTo copies the non-nil fields of the patch onto s.
func (p SessionPatch) ApplyTo(s *Session) {
	if p.Step != nil {
		s.Step = *p.Step
	}
	if p.Completed != nil {
		s.Completed = *p.Completed
	}
	if p.CompletionType != nil {
		s.CompletionType = *p.CompletionType
	}
	if p.AbandonmentStatus != nil {
		s.AbandonmentStatus = *p.AbandonmentStatus
	}
	if p.Score != nil {
		s.Score = *p.Score
	}
	if p.Label != nil {
		s.Label = *p.Label
	}
	if p.LastActivityAt != nil {
		s.LastActivityAt = *p.LastActivityAt
	}
	if p.State != nil {
		st := *p.State
		s.State = &st
	}
}

// PatchFromState builds the patch that persists a full step state onto its
// session record, keeping the denormalized columns in sync.
func PatchFromState(st SessionState) SessionPatch {
	step := st.Core.Step
	completed := st.Core.Completed
	ct := st.Core.CompletionType
	status := st.Engagement.Status
	score := st.Lead.Score
	label := st.Lead.Label
	last := st.Engagement.LastActivityAt
	return SessionPatch{
		Step:              &step,
		Completed:         &completed,
		CompletionType:    &ct,
		AbandonmentStatus: &status,
		Score:             &score,
		Label:             &label,
		LastActivityAt:    &last,
		State:             &st,
	}
}

// Response is one real answer. At most one per question per session.
type Response struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	QuestionID string    `json:"question_id"`
	Answer     string    `json:"answer"`
	Step       int       `json:"step"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsReal reports whether the response carries an actual answer rather than
// an asked-but-unanswered placeholder.
func (r Response) IsReal() bool {
	return strings.TrimSpace(r.Answer) != ""
}

// CountReal returns the number of real answers with distinct question ids.
func CountReal(responses []Response) int {
	seen := make(map[string]bool, len(responses))
	for _, r := range responses {
		if r.IsReal() && !seen[r.QuestionID] {
			seen[r.QuestionID] = true
		}
	}
	return len(seen)
}

// Snapshot is a full copy of session state used as a recovery point.
type Snapshot struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Step      int            `json:"step"`
	Reason    SnapshotReason `json:"reason"`
	State     SessionState   `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
}
