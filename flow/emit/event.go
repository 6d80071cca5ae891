// Package emit provides observability event emission for workflow execution.
package emit

// Standard event names emitted by the engine and its collaborators.
const (
	MsgInvocationStart = "invocation_start"
	MsgInvocationEnd   = "invocation_end"
	MsgStageStart      = "stage_start"
	MsgStageEnd        = "stage_end"
	MsgStageSkipped    = "stage_skipped"
	MsgStageEscalated  = "stage_escalated"
	MsgProviderCall    = "provider_call"
	MsgBreakerChange   = "breaker_change"
)

// Event is an observability event from workflow execution.
//
// Events cover invocation and stage lifecycle, provider dispatch, tier
// escalation, budget skips, and circuit breaker transitions. They are
// emitted to an Emitter, which may log them, convert them to spans, or
// buffer them for inspection in tests.
type Event struct {
	// InvocationID identifies the workflow invocation that emitted this
	// event.
	InvocationID string

	// Workflow is the workflow name.
	Workflow string

	// Stage is the stage name, empty for invocation-level events.
	Stage string

	// Msg names the event; use the Msg* constants.
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "tier": tier the stage ran at
	//   - "model": model ID that answered
	//   - "cost_micros": call cost in integer micro-units
	//   - "cache": hit kind ("exact", "semantic", "coalesced")
	//   - "error": failure details
	Meta map[string]interface{}
}
