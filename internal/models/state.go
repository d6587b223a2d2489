package models

import (
	"math"
	"time"
)

// BaselineRisk is the low abandonment risk assigned on construction and after
// every fresh response.
const BaselineRisk = 0.1

// SessionCore holds identity and lifecycle fields.
type SessionCore struct {
	SessionID      string         `json:"session_id"`
	FormID         string         `json:"form_id"`
	ClientID       string         `json:"client_id,omitempty"`
	Step           int            `json:"step"`
	Completed      bool           `json:"completed"`
	CompletionType CompletionType `json:"completion_type"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SelectionRecord is one entry of the selection audit log.
type SelectionRecord struct {
	Step        int       `json:"step"`
	QuestionIDs []string  `json:"question_ids"`
	Method      string    `json:"method"`
	At          time.Time `json:"at"`
}

// QuestionStrategyState tracks which questions were asked and how the current
// step's questions are phrased.
type QuestionStrategyState struct {
	Catalog []Question        `json:"catalog,omitempty"`
	Asked   []string          `json:"asked"`
	Current []string          `json:"current"`
	Phrased map[string]string `json:"phrased,omitempty"`
	// History is an audit log; decision logic never reads it.
	History []SelectionRecord `json:"history,omitempty"`
}

// Classification is the most recent scoring record.
type Classification struct {
	Score            int         `json:"score"`
	NormalizedScore  int         `json:"normalized_score"`
	FitAdjustment    int         `json:"fit_adjustment"`
	SignalAdjustment int         `json:"signal_adjustment"`
	Fit              BusinessFit `json:"fit,omitempty"`
	Label            LeadStatus  `json:"label"`
	Reasoning        string      `json:"reasoning,omitempty"`
	At               time.Time   `json:"at"`
}

// LeadIntelligenceState is the running qualification picture.
type LeadIntelligenceState struct {
	Score              int             `json:"score"`
	Label              LeadStatus      `json:"label"`
	PositiveIndicators []string        `json:"positive_indicators,omitempty"`
	RiskFactors        []string        `json:"risk_factors,omitempty"`
	LastClassification *Classification `json:"last_classification,omitempty"`
}

// EngagementState tracks abandonment risk and the current step's copy.
type EngagementState struct {
	Risk           float64           `json:"risk"`
	Status         AbandonmentStatus `json:"status"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Headline       string            `json:"headline,omitempty"`
	Motivation     string            `json:"motivation,omitempty"`
}

// FlowControlState records where the flow controller left the session.
type FlowControlState struct {
	Stage        FlowStage    `json:"stage"`
	Strategy     FlowStrategy `json:"strategy"`
	LastDecision string       `json:"last_decision,omitempty"`
}

// SessionState is the typed record threaded through every step.
type SessionState struct {
	Core       SessionCore           `json:"core"`
	Strategy   QuestionStrategyState `json:"strategy"`
	Lead       LeadIntelligenceState `json:"lead"`
	Engagement EngagementState       `json:"engagement"`
	Flow       FlowControlState      `json:"flow"`
}

// StatePatch replaces whole sub-states. Nil members are left unchanged.
type StatePatch struct {
	Core       *SessionCore
	Strategy   *QuestionStrategyState
	Lead       *LeadIntelligenceState
	Engagement *EngagementState
	Flow       *FlowControlState
}

// NewSessionState builds the initial state for a freshly created session.
func NewSessionState(s Session, catalog []Question, now time.Time) SessionState {
	st := SessionState{
		Core: SessionCore{
			SessionID: s.ID,
			FormID:    s.FormID,
			ClientID:  s.ClientID,
			CreatedAt: s.CreatedAt,
			UpdatedAt: now,
		},
		Strategy: QuestionStrategyState{
			Catalog: append([]Question(nil), catalog...),
		},
		Flow: FlowControlState{Stage: StageInitializing, Strategy: StrategyStandard},
		Engagement: EngagementState{
			LastActivityAt: now,
		},
	}
	st.Normalize(now)
	return st
}

// Apply merges the patch and re-establishes every default. It is the only
// merge operation for step state.
func (s SessionState) Apply(p StatePatch, now time.Time) SessionState {
	if p.Core != nil {
		s.Core = *p.Core
	}
	if p.Strategy != nil {
		s.Strategy = *p.Strategy
	}
	if p.Lead != nil {
		s.Lead = *p.Lead
	}
	if p.Engagement != nil {
		s.Engagement = *p.Engagement
	}
	if p.Flow != nil {
		s.Flow = *p.Flow
	}
	s.Core.UpdatedAt = now
	s.Normalize(now)
	return s
}

// Normalize substitutes documented defaults for missing or malformed fields so
// a damaged state degrades to "ask more questions, low confidence".
func (s *SessionState) Normalize(now time.Time) {
	if s.Core.Step < 0 {
		s.Core.Step = 0
	}
	if s.Core.CompletionType == "" {
		s.Core.CompletionType = CompletionNone
	}
	if s.Core.CreatedAt.IsZero() {
		s.Core.CreatedAt = now
	}
	if s.Core.UpdatedAt.IsZero() {
		s.Core.UpdatedAt = now
	}

	s.Strategy.Asked = dedupe(s.Strategy.Asked)
	if s.Strategy.Asked == nil {
		s.Strategy.Asked = []string{}
	}
	if s.Strategy.Current == nil {
		s.Strategy.Current = []string{}
	}
	if s.Strategy.Phrased == nil {
		s.Strategy.Phrased = make(map[string]string)
	}

	if !IsValidLeadStatus(s.Lead.Label) {
		s.Lead.Label = LeadStatusUnknown
	}

	if math.IsNaN(s.Engagement.Risk) || s.Engagement.Risk < 0 || s.Engagement.Risk > 1 {
		s.Engagement.Risk = BaselineRisk
	}
	if !IsValidAbandonmentStatus(s.Engagement.Status) {
		s.Engagement.Status = AbandonmentActive
		s.Engagement.Risk = BaselineRisk
	}
	if s.Engagement.Risk == 0 && s.Engagement.Status == AbandonmentActive {
		s.Engagement.Risk = BaselineRisk
	}
	if s.Engagement.LastActivityAt.IsZero() {
		s.Engagement.LastActivityAt = now
	}

	if !IsValidFlowStage(s.Flow.Stage) {
		s.Flow.Stage = StageAwaitingUserInput
	}
	if s.Flow.Strategy != StrategyStandard && s.Flow.Strategy != StrategyRecovery {
		s.Flow.Strategy = StrategyStandard
	}
}

// MarkAsked appends ids to the asked list, skipping ones already present.
// The list never shrinks.
func (q *QuestionStrategyState) MarkAsked(ids ...string) {
	seen := make(map[string]bool, len(q.Asked))
	for _, id := range q.Asked {
		seen[id] = true
	}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		q.Asked = append(q.Asked, id)
	}
}

// IsAsked reports whether the question id has been asked.
func (q *QuestionStrategyState) IsAsked(id string) bool {
	for _, a := range q.Asked {
		if a == id {
			return true
		}
	}
	return false
}

// Unasked returns catalog questions not yet asked, in catalog order.
func (q *QuestionStrategyState) Unasked() []Question {
	out := make([]Question, 0, len(q.Catalog))
	for _, c := range q.Catalog {
		if !q.IsAsked(c.ID) {
			out = append(out, c)
		}
	}
	return out
}

// AddIndicators appends positive indicators and risk factors, keeping both
// lists free of duplicates.
func (l *LeadIntelligenceState) AddIndicators(positive, risks []string) {
	l.PositiveIndicators = appendUnique(l.PositiveIndicators, positive...)
	l.RiskFactors = appendUnique(l.RiskFactors, risks...)
}

func appendUnique(list []string, items ...string) []string {
	seen := make(map[string]bool, len(list))
	for _, v := range list {
		seen[v] = true
	}
	for _, v := range items {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		list = append(list, v)
	}
	return list
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	out := make([]string, 0, len(ids))
	return appendUnique(out, ids...)
}
