package flow

import (
	"encoding/json"
	"strings"
)

// EscalationTrigger names the condition that re-runs a stage one tier up.
type EscalationTrigger string

const (
	// TriggerLowConfidence escalates when the stage's structured output
	// carries a "confidence" value below the policy threshold.
	TriggerLowConfidence EscalationTrigger = "low_confidence"

	// TriggerParseFailure escalates when the output is not valid JSON.
	// Use for stages whose downstream consumers require structured
	// output.
	TriggerParseFailure EscalationTrigger = "parse_failure"

	// TriggerExplicitSignal escalates when the model itself asks for a
	// stronger tier by including the escalation marker in its output.
	TriggerExplicitSignal EscalationTrigger = "explicit_signal"
)

// EscalationMarker is the token a model emits to request escalation under
// TriggerExplicitSignal.
const EscalationMarker = "[ESCALATE]"

// defaultConfidenceThreshold applies when a low_confidence policy does not
// set one.
const defaultConfidenceThreshold = 0.5

// EscalationPolicy controls per-stage tier escalation.
//
// Escalation is strictly monotonic: a stage that has run at tier T is never
// re-tried below T within the same invocation, and each escalation moves
// exactly one tier up.
type EscalationPolicy struct {
	// Trigger selects the escalation condition.
	Trigger EscalationTrigger

	// ConfidenceThreshold applies to TriggerLowConfidence. Zero selects
	// the default of 0.5.
	ConfidenceThreshold float64

	// MaxEscalations bounds how many times the stage may re-run.
	MaxEscalations int
}

// Validate checks policy constraints at registration time.
func (p *EscalationPolicy) Validate() error {
	switch p.Trigger {
	case TriggerLowConfidence, TriggerParseFailure, TriggerExplicitSignal:
	default:
		return &ConfigError{Message: "unknown escalation trigger: " + string(p.Trigger)}
	}
	if p.MaxEscalations < 0 {
		return &ConfigError{Message: "MaxEscalations cannot be negative"}
	}
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return &ConfigError{Message: "ConfidenceThreshold must be in [0,1]"}
	}
	return nil
}

// ShouldEscalate evaluates the trigger against a completed stage's output.
func (p *EscalationPolicy) ShouldEscalate(output string) bool {
	switch p.Trigger {
	case TriggerLowConfidence:
		conf, ok := extractConfidence(output)
		if !ok {
			return false
		}
		threshold := p.ConfidenceThreshold
		if threshold == 0 {
			threshold = defaultConfidenceThreshold
		}
		return conf < threshold

	case TriggerParseFailure:
		return !json.Valid([]byte(strings.TrimSpace(output)))

	case TriggerExplicitSignal:
		return strings.Contains(output, EscalationMarker)
	}
	return false
}

// extractConfidence pulls a top-level "confidence" number from JSON output.
func extractConfidence(output string) (float64, bool) {
	var parsed struct {
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &parsed); err != nil {
		return 0, false
	}
	if parsed.Confidence == nil {
		return 0, false
	}
	return *parsed.Confidence, true
}
