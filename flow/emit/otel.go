package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter converts events to OpenTelemetry spans.
//
// Each event becomes an immediately-ended span named after event.Msg, with
// invocation, workflow, and stage identifiers plus all Meta fields as
// attributes. Cost and token metadata map onto namespaced attribute keys so
// backends can aggregate spend per workflow.
//
// Usage:
//
//	tracer := otel.Tracer("tierflow")
//	emitter := emit.NewOTelEmitter(tracer)
//
// Wire the tracer provider (Jaeger, OTLP, ...) in application code; the
// emitter only needs a trace.Tracer.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates a span for the event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Msg)
	o.decorate(span, event)
	span.End()
}

// EmitBatch creates spans for all events in order.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		_, span := o.tracer.Start(ctx, event.Msg)
		o.decorate(span, event)
		span.End()
	}
	return nil
}

// Flush forces export of pending spans when the installed tracer provider
// supports it (the SDK provider does; the noop provider does not).
func (o *OTelEmitter) Flush(ctx context.Context) error {
	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) decorate(span trace.Span, event Event) {
	span.SetAttributes(
		attribute.String("tierflow.invocation_id", event.InvocationID),
		attribute.String("tierflow.workflow", event.Workflow),
		attribute.String("tierflow.stage", event.Stage),
	)

	for key, value := range event.Meta {
		attrKey := attributeKey(key)
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}

	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
}

// attributeKey maps well-known meta keys onto namespaced attribute names.
func attributeKey(key string) string {
	switch key {
	case "tokens_in":
		return "tierflow.llm.tokens_in"
	case "tokens_out":
		return "tierflow.llm.tokens_out"
	case "cost_micros":
		return "tierflow.llm.cost_micros"
	case "model":
		return "tierflow.llm.model"
	case "provider":
		return "tierflow.llm.provider"
	case "tier":
		return "tierflow.llm.tier"
	case "duration_ms":
		return "tierflow.stage.duration_ms"
	case "cache":
		return "tierflow.cache.kind"
	default:
		return key
	}
}
