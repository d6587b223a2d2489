package scoring

import (
	"math"
	"strconv"
	"strings"
)

// Rubric is the parsed form of a question's free-text scoring guidance.
//
// Directives are "key: value" pairs separated by newlines or semicolons:
//
//	weight: 2
//	keywords: commercial, recurring, weekly
//	exact: yes | absolutely
//	min_words: 5
//	critical: not interested, just browsing
//
// A rubric with no recognized directive is treated as a keyword list built
// from its significant words.
type Rubric struct {
	Weight   float64
	Keywords []string
	Exact    []string
	MinWords int
	Critical []string
}

const defaultMinWords = 3

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true, "this": true,
	"from": true, "your": true, "their": true, "they": true, "have": true, "will": true,
	"should": true, "would": true, "mention": true, "mentions": true, "answer": true,
	"answers": true, "good": true, "better": true, "more": true, "than": true,
	"about": true, "into": true, "what": true, "when": true, "which": true, "score": true,
	"higher": true, "lower": true, "points": true, "point": true,
}

// MaxRubricWeight bounds a question's weight so its points fit in an int.
const MaxRubricWeight = 100

func capWeight(w float64) float64 {
	if math.IsNaN(w) || w <= 0 {
		return 1
	}
	return math.Min(w, MaxRubricWeight)
}

// ParseRubric interprets rubric text. An empty rubric yields ok=false.
func ParseRubric(text string) (Rubric, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Rubric{}, false
	}

	r := Rubric{Weight: 1, MinWords: defaultMinWords}
	directives := 0
	for _, clause := range splitClauses(text) {
		key, value, found := strings.Cut(clause, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "weight":
			if w, err := strconv.ParseFloat(value, 64); err == nil && w > 0 {
				r.Weight = capWeight(w)
			}
			directives++
		case "keywords", "keyword":
			r.Keywords = append(r.Keywords, splitList(value, ",")...)
			directives++
		case "exact", "expect":
			r.Exact = append(r.Exact, splitList(value, "|")...)
			directives++
		case "min_words", "min-words":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				r.MinWords = n
			}
			directives++
		case "critical", "disqualify":
			r.Critical = append(r.Critical, splitList(value, ",")...)
			directives++
		}
	}

	if directives == 0 {
		r.Keywords = significantWords(text)
	}
	return r, true
}

func splitClauses(text string) []string {
	return strings.FieldsFunc(text, func(c rune) bool {
		return c == '\n' || c == ';'
	})
}

func splitList(value, sep string) []string {
	var out []string
	for _, part := range strings.Split(value, sep) {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func significantWords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range words(text) {
		if len(w) < 4 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// words lowercases text and splits it on anything that is not a letter or digit.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c > 127)
	})
}

// Evaluation is the outcome of applying a rubric to one answer.
type Evaluation struct {
	Fraction     float64
	Points       int
	MaxPoints    int
	CriticalHit  string
	MatchedWords []string
}

// Evaluate scores a single answer against the rubric. The result depends only
// on its inputs.
func (r Rubric) Evaluate(answer string) Evaluation {
	maxPoints := int(math.Round(10 * r.Weight))
	ev := Evaluation{MaxPoints: maxPoints}

	normalized := strings.ToLower(strings.TrimSpace(answer))
	for _, phrase := range r.Critical {
		if strings.Contains(normalized, phrase) {
			ev.CriticalHit = phrase
			return ev
		}
	}

	if len(r.Exact) > 0 {
		for _, want := range r.Exact {
			if normalized == want {
				ev.Fraction = 1
				break
			}
		}
		ev.Points = int(math.Round(ev.Fraction * float64(maxPoints)))
		return ev
	}

	answerWords := words(normalized)
	lengthShare := 1.0
	if r.MinWords > 0 {
		lengthShare = math.Min(1, float64(len(answerWords))/float64(r.MinWords))
	}

	if len(r.Keywords) == 0 {
		ev.Fraction = lengthShare
	} else {
		for _, kw := range r.Keywords {
			if strings.Contains(normalized, kw) {
				ev.MatchedWords = append(ev.MatchedWords, kw)
			}
		}
		keywordShare := float64(len(ev.MatchedWords)) / float64(len(r.Keywords))
		ev.Fraction = 0.7*keywordShare + 0.3*lengthShare
	}
	ev.Points = int(math.Round(ev.Fraction * float64(maxPoints)))
	return ev
}
