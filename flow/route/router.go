// Package route maps free-text requests to workflows and initial tiers.
package route

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/dshills/tierflow-go/flow/model"
)

// Default thresholds for the routing algorithm.
const (
	DefaultHardThreshold = 0.65
	DefaultAmbiguityBand = 0.10
	DefaultMinThreshold  = 0.20
)

// Signals declares how a workflow is recognized in free text.
type Signals struct {
	// Workflow is the workflow name this signal set routes to.
	Workflow string

	// Keywords maps keyword (lower-case, may be multi-word) to weight.
	// The workflow's score is the sum of weights of matched keywords.
	Keywords map[string]float64

	// Extensions maps file extensions (with dot) to score multipliers
	// applied when the caller's hints carry a matching extension.
	Extensions map[string]float64

	// DefaultTier is the tier the workflow starts at unless a heuristic
	// overrides it.
	DefaultTier model.Tier
}

// Hints carries optional routing context from the caller.
type Hints struct {
	// FileExt is the extension (with dot) of the file the request is
	// about, if any.
	FileExt string
}

// Decision is the routing outcome.
type Decision struct {
	// Primary is the selected workflow.
	Primary string

	// Secondary lists other plausible workflows, best first.
	Secondary []string

	// Confidence is the winning score clamped to [0,1].
	Confidence float64

	// Rationale explains the decision for display and debugging.
	Rationale string

	// InitialTier is the tier the primary workflow should start at.
	InitialTier model.Tier
}

// FailureError is returned when no workflow clears the minimum threshold, or
// when a tie could not be broken. The router never guesses.
type FailureError struct {
	// Suggestions lists the closest workflows, best first.
	Suggestions []string
}

// Error implements the error interface.
func (e *FailureError) Error() string {
	if len(e.Suggestions) == 0 {
		return "routing failure: no workflow matched"
	}
	return "routing failure: ambiguous request, closest workflows: " + strings.Join(e.Suggestions, ", ")
}

// Classifier disambiguates between candidate workflows using a cheap LLM
// call. Output must be one of the candidates.
type Classifier interface {
	Classify(ctx context.Context, text string, candidates []string) (string, error)
}

// Options configures a Router.
type Options struct {
	// HardThreshold accepts the top workflow outright. Default 0.65.
	HardThreshold float64

	// AmbiguityBand triggers the classifier when the top two scores are
	// within it. Default 0.1.
	AmbiguityBand float64

	// MinThreshold rejects requests whose top score falls below it.
	// Default 0.2.
	MinThreshold float64

	// Classifier breaks ties. Optional: without one, ambiguous requests
	// fail with suggestions.
	Classifier Classifier
}

// Router scores free text against registered workflow signals.
//
// Route is a pure function of (text, hints, registered signals) on the
// keyword path; only the ambiguity tie-break consults the classifier.
type Router struct {
	signals    map[string]Signals
	order      []string // registration order for deterministic iteration
	hard       float64
	band       float64
	min        float64
	classifier Classifier

	fileRules  []fileRule
	errorRules map[string][]string
}

// New creates a Router.
func New(opts Options) *Router {
	if opts.HardThreshold <= 0 {
		opts.HardThreshold = DefaultHardThreshold
	}
	if opts.AmbiguityBand <= 0 {
		opts.AmbiguityBand = DefaultAmbiguityBand
	}
	if opts.MinThreshold <= 0 {
		opts.MinThreshold = DefaultMinThreshold
	}
	return &Router{
		signals:    make(map[string]Signals),
		hard:       opts.HardThreshold,
		band:       opts.AmbiguityBand,
		min:        opts.MinThreshold,
		classifier: opts.Classifier,
		errorRules: make(map[string][]string),
	}
}

// RegisterSignals adds a workflow's keyword signals. Duplicate registration
// for a workflow replaces the previous signals.
func (r *Router) RegisterSignals(s Signals) error {
	if s.Workflow == "" {
		return fmt.Errorf("signals require a workflow name")
	}
	if len(s.Keywords) == 0 {
		return fmt.Errorf("workflow %s: signals require at least one keyword", s.Workflow)
	}
	if _, ok := r.signals[s.Workflow]; !ok {
		r.order = append(r.order, s.Workflow)
	}
	r.signals[s.Workflow] = s
	return nil
}

// Route maps text to a workflow decision.
//
// Algorithm: normalize, keyword-score every workflow, accept outright above
// the hard threshold, tie-break within the ambiguity band via the
// classifier, reject below the minimum threshold. Tier heuristics then pick
// the initial tier.
func (r *Router) Route(ctx context.Context, text string, hints Hints) (Decision, error) {
	norm := normalize(text)
	if norm == "" {
		return Decision{}, &FailureError{Suggestions: r.topWorkflows(3)}
	}

	scores := r.score(norm, hints)
	if len(scores) == 0 {
		return Decision{}, &FailureError{}
	}

	top := scores[0]
	if top.score < r.min {
		return Decision{}, &FailureError{Suggestions: namesOf(scores, 3)}
	}

	primary := top.workflow
	rationale := fmt.Sprintf("keyword score %.2f", top.score)

	ambiguous := len(scores) > 1 && top.score < r.hard && top.score-scores[1].score < r.band
	if ambiguous {
		candidates := namesOf(scores, 2)
		picked, err := r.breakTie(ctx, text, candidates)
		if err != nil {
			// Classifier failed and keywords alone cannot decide:
			// surface the failure, never guess.
			return Decision{}, &FailureError{Suggestions: namesOf(scores, 3)}
		}
		primary = picked
		rationale = fmt.Sprintf("ambiguous keyword scores (%.2f vs %.2f), classifier selected %s",
			top.score, scores[1].score, picked)
	}

	decision := Decision{
		Primary:     primary,
		Secondary:   secondaryOf(scores, primary, 3),
		Confidence:  clamp01(top.score),
		Rationale:   rationale,
		InitialTier: r.initialTier(norm, primary),
	}
	return decision, nil
}

type scored struct {
	workflow string
	score    float64
}

// score computes keyword scores for every registered workflow, best first.
// Registration order breaks score ties for determinism.
func (r *Router) score(norm string, hints Hints) []scored {
	padded := " " + norm + " "
	out := make([]scored, 0, len(r.order))
	for _, name := range r.order {
		s := r.signals[name]
		var score float64
		for kw, weight := range s.Keywords {
			if strings.Contains(padded, " "+kw+" ") {
				score += weight
			}
		}
		if hints.FileExt != "" {
			if mult, ok := s.Extensions[hints.FileExt]; ok {
				score *= mult
			}
		}
		if score > 0 {
			out = append(out, scored{workflow: name, score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// breakTie asks the classifier to choose between candidates, rejecting any
// answer outside the candidate set.
func (r *Router) breakTie(ctx context.Context, text string, candidates []string) (string, error) {
	if r.classifier == nil {
		return "", fmt.Errorf("no classifier configured")
	}
	picked, err := r.classifier.Classify(ctx, text, candidates)
	if err != nil {
		return "", err
	}
	picked = strings.TrimSpace(strings.ToLower(picked))
	for _, c := range candidates {
		if picked == c {
			return c, nil
		}
	}
	return "", fmt.Errorf("classifier answered outside candidate set: %q", picked)
}

// initialTier applies the tier heuristics over the workflow default.
func (r *Router) initialTier(norm string, workflow string) model.Tier {
	tier := r.signals[workflow].DefaultTier

	padded := " " + norm + " "
	for _, kw := range []string{"simple", "summarize", "summary", "tldr", "quick"} {
		if strings.Contains(padded, " "+kw+" ") {
			return model.TierCheap
		}
	}
	for _, kw := range []string{"architecture", "design", "security-critical", "critical"} {
		if strings.Contains(padded, " "+kw+" ") {
			return model.TierPremium
		}
	}
	return tier
}

// normalize lowers, trims, and strips punctuation while preserving
// identifier characters (letters, digits, underscore, hyphen, dot).
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func (r *Router) topWorkflows(n int) []string {
	if len(r.order) < n {
		n = len(r.order)
	}
	return append([]string(nil), r.order[:n]...)
}

func namesOf(scores []scored, n int) []string {
	if len(scores) < n {
		n = len(scores)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = scores[i].workflow
	}
	return out
}

func secondaryOf(scores []scored, primary string, n int) []string {
	var out []string
	for _, s := range scores {
		if s.workflow == primary {
			continue
		}
		out = append(out, s.workflow)
		if len(out) == n {
			break
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
