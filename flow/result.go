package flow

import (
	"time"

	"github.com/dshills/tierflow-go/flow/model"
)

// StageStatus is the terminal state of one stage attempt sequence.
//
// The per-stage state machine is PENDING → RUNNING → (COMPLETED | FAILED |
// SKIPPED_BUDGET | CANCELLED); a COMPLETED stage re-enters RUNNING once per
// escalation up to its policy limit.
type StageStatus string

const (
	StagePending       StageStatus = "PENDING"
	StageRunning       StageStatus = "RUNNING"
	StageCompleted     StageStatus = "COMPLETED"
	StageFailed        StageStatus = "FAILED"
	StageSkippedBudget StageStatus = "SKIPPED_BUDGET"
	StageCancelled     StageStatus = "CANCELLED"
)

// Status is the terminal state of a whole invocation.
type Status string

const (
	// StatusSuccess: every required stage completed. Optional stages may
	// still have failed or been skipped.
	StatusSuccess Status = "SUCCESS"

	// StatusPartial: a required stage failed; completed stages are
	// preserved in the result.
	StatusPartial Status = "PARTIAL"

	// StatusBudgetExceeded: a required stage could not run within the
	// budget cap.
	StatusBudgetExceeded Status = "BUDGET_EXCEEDED"

	// StatusCancelled: cooperative cancellation interrupted execution.
	StatusCancelled Status = "CANCELLED"
)

// StageFailure describes why a stage failed.
type StageFailure struct {
	// Kind is one of the Failure* constants.
	Kind string

	// Retriable reports whether a later invocation could succeed.
	Retriable bool

	// Message is the human-readable failure detail.
	Message string
}

// CacheResult records how the cache treated a stage's dispatch.
type CacheResult struct {
	Hit  bool
	Kind string
}

// StageResult is the structured outcome of one stage.
type StageResult struct {
	// Name is the stage name.
	Name string

	// Status is the stage's terminal state.
	Status StageStatus

	// Output is the model response text for completed stages.
	Output string

	// TierUsed is the tier of the final (possibly escalated) attempt.
	TierUsed model.Tier

	// EscalatedFrom is the tier name of the first attempt when the stage
	// escalated, empty otherwise.
	EscalatedFrom string

	// ModelID and Provider identify who answered.
	ModelID  string
	Provider string

	// FallbackChain lists every model attempted by the final attempt's
	// call, in order.
	FallbackChain []string

	// Tokens is the token usage of the final attempt.
	Tokens model.Usage

	// CostMicros is the total cost of all attempts of this stage.
	CostMicros int64

	// Cache reports the final attempt's cache outcome.
	Cache CacheResult

	// Duration covers all attempts of the stage.
	Duration time.Duration

	// GroupIndex is the stage's stable index within its parallel group
	// (zero for sequential stages), for deterministic reporting.
	GroupIndex int

	// Failure is set for StageFailed.
	Failure *StageFailure
}

// Result is the structured outcome of a workflow invocation.
//
// An invocation either surfaces a terminal result, a partial result with
// enumerated failed stages, or a single error - never silent success after
// a stage failure.
type Result struct {
	// InvocationID is the unique id of this execution.
	InvocationID string

	// Workflow is the workflow name.
	Workflow string

	// Status is the invocation's terminal state.
	Status Status

	// Stages holds one result per declared stage, in declaration order.
	Stages []StageResult

	// FailedStages enumerates the names of failed stages.
	FailedStages []string

	// CostMicros is the accumulated invocation cost.
	CostMicros int64

	// BudgetCapMicros is the cap the invocation ran under, negative when
	// uncapped.
	BudgetCapMicros int64

	// CacheHits and CacheMisses count dispatches by cache outcome.
	CacheHits   int
	CacheMisses int

	// Duration is total wall time.
	Duration time.Duration
}

// Stage returns the named stage result, or nil.
func (r *Result) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Output returns the named stage's output text, empty when absent.
func (r *Result) Output(name string) string {
	if s := r.Stage(name); s != nil {
		return s.Output
	}
	return ""
}
