// Package scoring turns survey answers into a lead score and qualification label.
//
// Scoring has two tiers. Rubric heuristics produce a deterministic raw score;
// a coarse business-fit label and external signals may then move it within
// fixed bounds. Nothing here calls out to a network service.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Classification thresholds and evidence floor.
const (
	YesThreshold       = 75
	MaybeThreshold     = 40
	MinRealResponses   = 3
	NeutralRawScore    = 50
	MaxSignalDelta     = 20
	MaxFitAdjustment   = 30
	MinFitAdjustment   = -40
	lowRawScoreCutoff  = 40
	highRawScoreCutoff = 60
)

// fitDelta spans +25..-30; FitAdjustment's +5 and -10 raw-score corrections
// stretch it to the +30..-40 bounds.
var fitDelta = map[models.BusinessFit]int{
	models.FitPerfect: 25,
	models.FitGood:    15,
	models.FitOkay:    0,
	models.FitPoor:    -15,
	models.FitBad:     -30,
}

// Input is everything a scoring pass looks at.
type Input struct {
	Responses []models.Response
	Questions []models.Question
	Rules     models.BusinessRules
	Signals   []models.Signal
	Fit       models.BusinessFit
}

// Result is the outcome of a scoring pass.
type Result struct {
	Score              int
	RawScore           int
	FitAdjustment      int
	SignalAdjustment   int
	Label              models.LeadStatus
	RealResponses      int
	CriticalHits       []string
	PositiveIndicators []string
	RiskFactors        []string
	Explanation        string
}

// Classification converts the result into the record kept on lead state.
func (r Result) Classification(fit models.BusinessFit) models.Classification {
	return models.Classification{
		Score:            r.Score,
		NormalizedScore:  r.RawScore,
		FitAdjustment:    r.FitAdjustment,
		SignalAdjustment: r.SignalAdjustment,
		Fit:              fit,
		Label:            r.Label,
		Reasoning:        r.Explanation,
	}
}

// Engine scores leads. It holds no mutable state and is safe for concurrent use.
type Engine struct{}

// NewEngine creates a scoring engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Score runs the full pipeline: rubric points, normalization, fit adjustment,
// signal adjustment, clamp, classify.
func (e *Engine) Score(in Input) Result {
	questions := models.QuestionIndex(in.Questions)
	latest := latestReal(in.Responses)

	var res Result
	res.RealResponses = len(latest)

	points, maxPoints := 0, 0
	for _, resp := range latest {
		q, ok := questions[resp.QuestionID]
		if !ok {
			continue
		}
		answer := strings.ToLower(resp.Answer)
		for _, phrase := range in.Rules.Disqualifiers {
			phrase = strings.ToLower(strings.TrimSpace(phrase))
			if phrase != "" && strings.Contains(answer, phrase) {
				res.CriticalHits = append(res.CriticalHits, phrase)
				res.RiskFactors = append(res.RiskFactors, fmt.Sprintf("disqualifier %q in %s", phrase, q.ID))
			}
		}

		rubric, ok := ParseRubric(q.Rubric)
		if !ok {
			continue
		}
		if w, ok := in.Rules.Weights[q.ID]; ok && w > 0 {
			rubric.Weight = capWeight(w)
		}
		ev := rubric.Evaluate(resp.Answer)
		points += ev.Points
		maxPoints += ev.MaxPoints

		switch {
		case ev.CriticalHit != "":
			res.CriticalHits = append(res.CriticalHits, ev.CriticalHit)
			res.RiskFactors = append(res.RiskFactors, fmt.Sprintf("critical answer %q to %s", ev.CriticalHit, q.ID))
		case ev.Fraction >= 0.7:
			res.PositiveIndicators = append(res.PositiveIndicators, "strong answer to "+q.ID)
		case ev.Fraction < 0.3:
			res.RiskFactors = append(res.RiskFactors, "weak answer to "+q.ID)
		}
	}

	res.RawScore = Normalize(points, maxPoints)
	res.FitAdjustment = FitAdjustment(in.Fit, res.RawScore)
	res.SignalAdjustment = SignalAdjustment(in.Signals)
	res.Score = Clamp(res.RawScore + res.FitAdjustment + res.SignalAdjustment)
	res.Label = Classify(res.Score, res.RealResponses, len(res.CriticalHits) > 0)
	res.Explanation = fmt.Sprintf("raw %d (%d/%d points), fit %+d, signals %+d, final %d from %d answers",
		res.RawScore, points, maxPoints, res.FitAdjustment, res.SignalAdjustment, res.Score, res.RealResponses)
	if len(res.CriticalHits) > 0 {
		res.Explanation += "; critical: " + strings.Join(res.CriticalHits, ", ")
	}
	return res
}

// latestReal keeps the last real answer per question, preserving first-seen order.
func latestReal(responses []models.Response) []models.Response {
	idx := make(map[string]int)
	var out []models.Response
	for _, r := range responses {
		if !r.IsReal() {
			continue
		}
		if i, ok := idx[r.QuestionID]; ok {
			out[i] = r
			continue
		}
		idx[r.QuestionID] = len(out)
		out = append(out, r)
	}
	return out
}

// Normalize maps earned points onto 0-100. With nothing scoreable it returns
// the neutral midpoint.
func Normalize(points, maxPoints int) int {
	if maxPoints <= 0 {
		return NeutralRawScore
	}
	return Clamp(int(math.Round(float64(points) * 100 / float64(maxPoints))))
}

// FitAdjustment returns the bounded point delta for a business-fit label.
func FitAdjustment(fit models.BusinessFit, raw int) int {
	delta := fitDelta[fit]
	switch fit {
	case models.FitPerfect, models.FitGood:
		if raw < lowRawScoreCutoff {
			delta += 5
		}
	case models.FitPoor, models.FitBad:
		if raw >= highRawScoreCutoff {
			delta -= 10
		}
	}
	return clampRange(delta, MinFitAdjustment, MaxFitAdjustment)
}

// SignalAdjustment caps each signal at ±20 and sums them. Order does not matter.
func SignalAdjustment(signals []models.Signal) int {
	total := 0
	for _, s := range signals {
		total += clampRange(s.Delta, -MaxSignalDelta, MaxSignalDelta)
	}
	return total
}

// Classify applies the canonical 75/40 table. Insufficient evidence wins over
// everything, then the critical override.
func Classify(score, realResponses int, critical bool) models.LeadStatus {
	switch {
	case realResponses < MinRealResponses:
		return models.LeadStatusUnknown
	case critical:
		return models.LeadStatusNo
	case score >= YesThreshold:
		return models.LeadStatusYes
	case score >= MaybeThreshold:
		return models.LeadStatusMaybe
	default:
		return models.LeadStatusNo
	}
}

// Clamp bounds a score to [0,100].
func Clamp(score int) int {
	return clampRange(score, 0, 100)
}

func clampRange(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
