// Package abandonment maps respondent inactivity onto an abandonment risk.
package abandonment

import (
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Inactivity bands.
const (
	AtRiskAfter    = 5 * time.Minute
	HighRiskAfter  = 10 * time.Minute
	AbandonedAfter = 15 * time.Minute
)

// Assessment is the monitor's verdict for one session.
type Assessment struct {
	Risk   float64
	Status models.AbandonmentStatus
}

// Assess is a pure function of elapsed time since the last activity.
// A last activity in the future counts as zero elapsed.
func Assess(lastActivity, now time.Time) Assessment {
	elapsed := now.Sub(lastActivity)
	switch {
	case elapsed < AtRiskAfter:
		return Assessment{Risk: 0.3, Status: models.AbandonmentActive}
	case elapsed < HighRiskAfter:
		return Assessment{Risk: 0.6, Status: models.AbandonmentAtRisk}
	case elapsed < AbandonedAfter:
		return Assessment{Risk: 0.8, Status: models.AbandonmentAtRisk}
	default:
		return Assessment{Risk: 0.95, Status: models.AbandonmentAbandoned}
	}
}

// OnActivity returns the engagement state after a fresh response. Risk drops
// to the baseline; a session that had drifted is marked recovered.
func OnActivity(prev models.EngagementState, now time.Time) models.EngagementState {
	next := prev
	next.Risk = models.BaselineRisk
	next.LastActivityAt = now
	switch prev.Status {
	case models.AbandonmentAtRisk, models.AbandonmentAbandoned:
		next.Status = models.AbandonmentRecovered
	case models.AbandonmentRecovered:
		next.Status = models.AbandonmentRecovered
	default:
		next.Status = models.AbandonmentActive
	}
	return next
}

// ShouldMarkAbandoned reports whether a sweep should flip a session to abandoned.
func ShouldMarkAbandoned(s models.Session, now time.Time) bool {
	if s.Completed || s.AbandonmentStatus == models.AbandonmentAbandoned {
		return false
	}
	return Assess(s.LastActivityAt, now).Status == models.AbandonmentAbandoned
}
