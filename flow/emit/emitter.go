package emit

import "context"

// Emitter receives observability events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: never slow down stage dispatch.
//   - Thread-safe: stages in a parallel group emit concurrently.
//   - Resilient: a broken backend must not fail a workflow.
//
// Backends provided here: LogEmitter (text or JSON lines), NullEmitter,
// BufferedEmitter (in-memory capture for tests and dashboards), and
// OTelEmitter (OpenTelemetry spans).
type Emitter interface {
	// Emit delivers one event. Must not panic; errors are handled
	// internally.
	Emit(event Event)

	// EmitBatch delivers multiple events in order. Returns an error only
	// for catastrophic failures; individual event failures are logged
	// and swallowed.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until buffered events are delivered or ctx ends.
	// Call before shutdown; safe to call repeatedly.
	Flush(ctx context.Context) error
}
