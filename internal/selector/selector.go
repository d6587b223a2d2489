// Package selector chooses which catalog questions to ask at each step.
package selector

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Defaults used when the selector is built without options.
const (
	DefaultQuestionsPerStep   = 3
	DefaultMinEngagementSteps = 2
	MaxQuestionsPerStep       = 3
)

// Selection methods recorded in the audit history.
const (
	MethodRules    = "rules"
	MethodReranked = "reranked"
)

var ErrInvalidRerank = errors.New("reranker returned an invalid ordering")

// Reranker suggests a better order for candidate questions. The returned slice
// holds indices into candidates. It is advisory: any error, out-of-range or
// duplicate index makes the selector keep its own order.
type Reranker interface {
	Rerank(ctx context.Context, candidates []models.Question, responses []models.Response) ([]int, error)
}

// Request is the input to a selection.
type Request struct {
	Catalog   []models.Question
	Asked     []string
	Responses []models.Response
	Step      int
}

// Selection is the chosen set of questions for one step.
type Selection struct {
	Questions []models.Question
	Method    string
	Deferred  int
}

// IDs returns the selected question ids in order.
func (s Selection) IDs() []string {
	ids := make([]string, len(s.Questions))
	for i, q := range s.Questions {
		ids[i] = q.ID
	}
	return ids
}

// Selector is rule based with an optional advisory reranker.
type Selector struct {
	perStep       int
	minEngagement int
	reranker      Reranker
}

// Option configures a Selector.
type Option func(*Selector)

// WithQuestionsPerStep sets how many questions a step carries (1-3).
func WithQuestionsPerStep(n int) Option {
	return func(s *Selector) {
		if n >= 1 && n <= MaxQuestionsPerStep {
			s.perStep = n
		}
	}
}

// WithMinEngagementSteps sets the step before which required non-contact
// questions are held back.
func WithMinEngagementSteps(n int) Option {
	return func(s *Selector) {
		if n >= 0 {
			s.minEngagement = n
		}
	}
}

// WithReranker installs an advisory reranker.
func WithReranker(r Reranker) Option {
	return func(s *Selector) {
		s.reranker = r
	}
}

// New creates a Selector.
func New(opts ...Option) *Selector {
	s := &Selector{perStep: DefaultQuestionsPerStep, minEngagement: DefaultMinEngagementSteps}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select picks up to the configured number of unasked questions. It never
// returns an id from req.Asked and never returns duplicates.
func (s *Selector) Select(ctx context.Context, req Request) Selection {
	pool := unasked(req.Catalog, req.Asked)
	if len(pool) == 0 {
		return Selection{Method: MethodRules}
	}

	eligible := pool
	deferred := 0
	if req.Step < s.minEngagement {
		eligible = make([]models.Question, 0, len(pool))
		for _, q := range pool {
			if q.Required && !q.IsContact() {
				deferred++
				continue
			}
			eligible = append(eligible, q)
		}
		if len(eligible) == 0 {
			eligible = pool
			deferred = 0
		}
	}

	ordered := groupByAnchor(eligible)
	sel := Selection{Method: MethodRules, Deferred: deferred}

	if s.reranker != nil {
		if picked, err := s.rerank(ctx, ordered, req.Responses); err != nil {
			slog.Warn("Selector.Select: reranker failed, using rule order", "error", err, "step", req.Step)
		} else {
			ordered = picked
			sel.Method = MethodReranked
		}
	}

	if len(ordered) > s.perStep {
		ordered = ordered[:s.perStep]
	}
	sel.Questions = ordered
	slog.Debug("Selector.Select: selected questions", "step", req.Step, "ids", sel.IDs(), "method", sel.Method, "deferred", deferred)
	return sel
}

func (s *Selector) rerank(ctx context.Context, candidates []models.Question, responses []models.Response) ([]models.Question, error) {
	idx, err := s.reranker.Rerank(ctx, candidates, responses)
	if err != nil {
		return nil, err
	}
	if len(idx) == 0 {
		return nil, ErrInvalidRerank
	}
	seen := make(map[int]bool, len(idx))
	out := make([]models.Question, 0, len(idx))
	for _, i := range idx {
		if i < 0 || i >= len(candidates) || seen[i] {
			return nil, ErrInvalidRerank
		}
		seen[i] = true
		out = append(out, candidates[i])
	}
	return out, nil
}

// unasked returns valid catalog questions not in asked, by position.
func unasked(catalog []models.Question, asked []string) []models.Question {
	done := make(map[string]bool, len(asked))
	for _, id := range asked {
		done[id] = true
	}
	out := make([]models.Question, 0, len(catalog))
	for _, q := range catalog {
		if q.Validate() != nil || done[q.ID] {
			continue
		}
		done[q.ID] = true
		out = append(out, q)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Position < out[j].Position
	})
	return out
}

// groupByAnchor keeps catalog order but pulls questions sharing the first
// question's category to the front so a step stays on one theme.
func groupByAnchor(pool []models.Question) []models.Question {
	if len(pool) == 0 {
		return nil
	}
	anchor := pool[0].EffectiveCategory()
	out := make([]models.Question, 0, len(pool))
	var rest []models.Question
	for _, q := range pool {
		if q.EffectiveCategory() == anchor {
			out = append(out, q)
		} else {
			rest = append(rest, q)
		}
	}
	return append(out, rest...)
}
