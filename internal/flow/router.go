package flow

import (
	"log/slog"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Router defaults.
const (
	DefaultStepCeiling = 10
	// MinStepsBeforeCompletion is the floor: earlier steps continue while
	// unasked questions remain, whatever the label says.
	MinStepsBeforeCompletion = 2
)

// Decision reasons, recorded on FlowControlState.LastDecision.
const (
	ReasonAbandoned      = "session abandoned"
	ReasonNoResponses    = "no responses yet"
	ReasonBelowFloor     = "below minimum steps"
	ReasonDisqualified   = "disqualified"
	ReasonCatalogEmpty   = "no unasked questions"
	ReasonDefinitive     = "definitive label"
	ReasonCeiling        = "step ceiling reached"
	ReasonMoreInfoNeeded = "more information needed"
)

// RouteInput is everything the router looks at.
type RouteInput struct {
	Abandoned     bool
	RealResponses int
	Step          int
	Label         models.LeadStatus
	Unasked       int
}

// Decision is the router's verdict.
type Decision struct {
	Stage  models.FlowStage
	Reason string
}

// Router is the survey's state machine. Rules are evaluated in a fixed
// priority; the first match wins.
type Router struct {
	ceiling int
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithStepCeiling sets the step at which every session completes.
func WithStepCeiling(n int) RouterOption {
	return func(r *Router) {
		if n > MinStepsBeforeCompletion {
			r.ceiling = n
		}
	}
}

func NewRouter(opts ...RouterOption) *Router {
	r := &Router{ceiling: DefaultStepCeiling}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ceiling returns the configured step ceiling.
func (r *Router) Ceiling() int { return r.ceiling }

// Decide picks the next stage.
func (r *Router) Decide(in RouteInput) Decision {
	d := r.decide(in)
	slog.Debug("Router.Decide", "step", in.Step, "label", in.Label, "responses", in.RealResponses, "unasked", in.Unasked, "stage", d.Stage, "reason", d.Reason)
	return d
}

func (r *Router) decide(in RouteInput) Decision {
	switch {
	case in.Abandoned:
		return Decision{models.StageAbandoning, ReasonAbandoned}
	case in.RealResponses == 0:
		return Decision{models.StageAwaitingUserInput, ReasonNoResponses}
	case in.Step < MinStepsBeforeCompletion && in.Unasked > 0:
		return Decision{models.StageContinuing, ReasonBelowFloor}
	case in.Label == models.LeadStatusNo:
		return Decision{models.StageCompleting, ReasonDisqualified}
	case in.Unasked == 0:
		return Decision{models.StageCompleting, ReasonCatalogEmpty}
	case in.Label.IsDefinitive():
		return Decision{models.StageCompleting, ReasonDefinitive}
	case in.Step >= r.ceiling:
		return Decision{models.StageCompleting, ReasonCeiling}
	default:
		return Decision{models.StageContinuing, ReasonMoreInfoNeeded}
	}
}
