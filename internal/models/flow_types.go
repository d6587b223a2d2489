package models

// LeadStatus is the qualification label assigned to a respondent.
type LeadStatus string

// Canonical label set. "qualified" is not a label; it is a completion type.
const (
	LeadStatusUnknown LeadStatus = "unknown"
	LeadStatusMaybe   LeadStatus = "maybe"
	LeadStatusYes     LeadStatus = "yes"
	LeadStatusNo      LeadStatus = "no"
)

// IsValidLeadStatus checks if the given label belongs to the canonical set.
func IsValidLeadStatus(s LeadStatus) bool {
	switch s {
	case LeadStatusUnknown, LeadStatusMaybe, LeadStatusYes, LeadStatusNo:
		return true
	default:
		return false
	}
}

// IsDefinitive reports whether the label ends the survey on its own.
func (s LeadStatus) IsDefinitive() bool {
	return s == LeadStatusYes || s == LeadStatusNo
}

// CompletionType records how a session ended.
type CompletionType string

const (
	CompletionNone        CompletionType = "none"
	CompletionQualified   CompletionType = "qualified"
	CompletionUnqualified CompletionType = "unqualified"
	CompletionAbandoned   CompletionType = "abandoned"
)

// CompletionTypeFor maps a final label onto a completion type.
func CompletionTypeFor(label LeadStatus) CompletionType {
	if label == LeadStatusYes {
		return CompletionQualified
	}
	return CompletionUnqualified
}

// AbandonmentStatus tracks respondent engagement.
type AbandonmentStatus string

const (
	AbandonmentActive    AbandonmentStatus = "active"
	AbandonmentAtRisk    AbandonmentStatus = "at_risk"
	AbandonmentAbandoned AbandonmentStatus = "abandoned"
	AbandonmentRecovered AbandonmentStatus = "recovered"
)

// IsValidAbandonmentStatus checks if the given status is known.
func IsValidAbandonmentStatus(s AbandonmentStatus) bool {
	switch s {
	case AbandonmentActive, AbandonmentAtRisk, AbandonmentAbandoned, AbandonmentRecovered:
		return true
	default:
		return false
	}
}

// FlowStage is a state of the survey flow controller.
type FlowStage string

const (
	StageInitializing       FlowStage = "initializing"
	StageAwaitingUserInput  FlowStage = "awaiting_user_input"
	StageProcessingResponse FlowStage = "processing_response"
	StageContinuing         FlowStage = "continuing"
	StageCompleting         FlowStage = "completing"
	StageAbandoning         FlowStage = "abandoning"
)

// IsValidFlowStage checks if the given stage is known.
func IsValidFlowStage(s FlowStage) bool {
	switch s {
	case StageInitializing, StageAwaitingUserInput, StageProcessingResponse,
		StageContinuing, StageCompleting, StageAbandoning:
		return true
	default:
		return false
	}
}

// FlowStrategy tells downstream copy generation which tone to use.
type FlowStrategy string

const (
	StrategyStandard FlowStrategy = "standard"
	StrategyRecovery FlowStrategy = "recovery"
)

// BusinessFit is the coarse five-level suitability assessment.
type BusinessFit string

const (
	FitUnknown BusinessFit = ""
	FitPerfect BusinessFit = "perfect_fit"
	FitGood    BusinessFit = "good_fit"
	FitOkay    BusinessFit = "okay_fit"
	FitPoor    BusinessFit = "poor_fit"
	FitBad     BusinessFit = "bad_fit"
)

// ParseBusinessFit normalizes free-form labels ("Good fit", "good-fit") to a BusinessFit.
// Unrecognized input yields FitUnknown.
func ParseBusinessFit(s string) BusinessFit {
	norm := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
			norm = append(norm, c+('a'-'A'))
		case c == ' ' || c == '-':
			norm = append(norm, '_')
		default:
			norm = append(norm, c)
		}
	}
	v := string(norm)
	switch v {
	case "perfect", "perfect_fit":
		return FitPerfect
	case "good", "good_fit":
		return FitGood
	case "okay", "ok", "okay_fit", "ok_fit":
		return FitOkay
	case "poor", "poor_fit":
		return FitPoor
	case "bad", "bad_fit":
		return FitBad
	default:
		return FitUnknown
	}
}

// QuestionCategory groups questions so a step stays thematically coherent.
type QuestionCategory string

const (
	CategoryContact QuestionCategory = "contact"
	CategorySubject QuestionCategory = "subject"
	CategoryService QuestionCategory = "service"
	CategoryGeneral QuestionCategory = "general"
)

// SnapshotReason labels why a recovery snapshot was written.
type SnapshotReason string

const (
	SnapshotSessionStarted SnapshotReason = "session_started"
	SnapshotStepCompleted  SnapshotReason = "step_completed"
	SnapshotCompleted      SnapshotReason = "completed"
	SnapshotAbandoned      SnapshotReason = "abandoned"
	SnapshotRecovered      SnapshotReason = "recovered"
)
