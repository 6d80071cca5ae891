package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes structured event output to a writer.
//
// Two output modes:
//   - Text (default): human-readable key=value lines.
//   - JSON: one JSON object per line, machine-readable.
//
// Example text output:
//
//	[stage_start] invocation=inv-001 workflow=code-review stage=analysis
//
// Example JSON output:
//
//	{"invocation":"inv-001","workflow":"code-review","stage":"analysis","msg":"stage_start","meta":null}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to writer (os.Stdout when nil).
// jsonMode selects JSON-lines output over text.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event in the configured format.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(event)
}

// EmitBatch writes events in order under one lock acquisition.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range events {
		l.emitLocked(e)
	}
	return nil
}

// Flush is a no-op; writes are unbuffered.
func (l *LogEmitter) Flush(context.Context) error { return nil }

func (l *LogEmitter) emitLocked(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Invocation string                 `json:"invocation"`
		Workflow   string                 `json:"workflow"`
		Stage      string                 `json:"stage"`
		Msg        string                 `json:"msg"`
		Meta       map[string]interface{} `json:"meta"`
	}{
		Invocation: event.InvocationID,
		Workflow:   event.Workflow,
		Stage:      event.Stage,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] invocation=%s workflow=%s stage=%s",
		event.Msg, event.InvocationID, event.Workflow, event.Stage)
	if len(event.Meta) > 0 {
		if data, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", data)
		}
	}
	_, _ = fmt.Fprintln(l.writer)
}
