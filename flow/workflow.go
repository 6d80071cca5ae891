package flow

import (
	"reflect"
	"text/template"

	"github.com/dshills/tierflow-go/flow/model"
)

// StageSpec declares one stage of a workflow.
//
// A stage is one prompt dispatch plus possible escalations. Its template
// renders against the invocation inputs and the outputs of earlier stages:
//
//	Review this diff:
//	{{index .Inputs "diff"}}
//
//	Earlier analysis:
//	{{index .Stages "analysis"}}
type StageSpec struct {
	// Name uniquely identifies the stage within its workflow. Outputs
	// are keyed by this name.
	Name string

	// Role is the stage's system prompt.
	Role string

	// DefaultTier is the tier the stage first runs at.
	DefaultTier model.Tier

	// ModelID pins a specific model. Empty selects the cheapest
	// registered model of the stage's tier.
	ModelID string

	// PromptTemplate is a text/template body rendered with
	// {Inputs, Stages} data.
	PromptTemplate string

	// Required marks stages whose failure aborts the remaining workflow.
	// Optional stages record their failure and execution continues.
	Required bool

	// ParallelGroup names a fan-out group. Consecutive stages sharing a
	// non-empty group id run concurrently and join at a barrier before
	// the next stage.
	ParallelGroup string

	// Escalation re-runs the stage one tier up when triggered. Nil
	// disables escalation.
	Escalation *EscalationPolicy

	// RequiredInputs lists invocation input keys this stage needs.
	// Checked before dispatch; a missing key fails the stage.
	RequiredInputs []string

	// Temperature, TopP, and MaxTokens are the sampling parameters for
	// the dispatch. They participate in the cache fingerprint.
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Definition is an immutable workflow: an ordered list of stages plus an
// optional budget cap. Definitions never change after registration.
type Definition struct {
	// Name is the workflow identifier.
	Name string

	// Stages execute in declaration order, except that consecutive
	// stages sharing a ParallelGroup run concurrently.
	Stages []StageSpec

	// BudgetCapMicros caps accumulated invocation cost in integer
	// micro-units. Zero means no cap at the definition level; callers
	// may still cap per invocation.
	BudgetCapMicros int64
}

// Validate checks structural constraints at registration time.
func (d Definition) Validate() error {
	if d.Name == "" {
		return &ConfigError{Message: "workflow name cannot be empty"}
	}
	if len(d.Stages) == 0 {
		return &ConfigError{Message: "workflow " + d.Name + " has no stages"}
	}
	if d.BudgetCapMicros < 0 {
		return &ConfigError{Message: "workflow " + d.Name + " has negative budget cap"}
	}

	seen := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if s.Name == "" {
			return &ConfigError{Message: "workflow " + d.Name + " has a stage with no name"}
		}
		if seen[s.Name] {
			return &ConfigError{Message: "workflow " + d.Name + " has duplicate stage " + s.Name}
		}
		seen[s.Name] = true

		if !s.DefaultTier.Valid() {
			return &ConfigError{Message: "stage " + s.Name + " has invalid tier"}
		}
		if s.PromptTemplate == "" {
			return &ConfigError{Message: "stage " + s.Name + " has no prompt template"}
		}
		if _, err := template.New(s.Name).Parse(s.PromptTemplate); err != nil {
			return &ConfigError{Message: "stage " + s.Name + " has invalid prompt template", Cause: err}
		}
		if s.Escalation != nil {
			if err := s.Escalation.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// equal reports whether two definitions are identical. Used to make
// registration idempotent: re-registering the same definition succeeds,
// a conflicting one fails.
func (d Definition) equal(other Definition) bool {
	return reflect.DeepEqual(d, other)
}

// stageGroups partitions stages into execution units: runs of consecutive
// stages sharing a non-empty ParallelGroup form one concurrent group, every
// other stage is its own singleton group.
func stageGroups(stages []StageSpec) [][]StageSpec {
	var groups [][]StageSpec
	for i := 0; i < len(stages); {
		s := stages[i]
		if s.ParallelGroup == "" {
			groups = append(groups, []StageSpec{s})
			i++
			continue
		}
		j := i + 1
		for j < len(stages) && stages[j].ParallelGroup == s.ParallelGroup {
			j++
		}
		groups = append(groups, stages[i:j])
		i = j
	}
	return groups
}
