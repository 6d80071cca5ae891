package flow

import (
	"time"

	"github.com/dshills/tierflow-go/flow/model"
)

// StageObservation is what the engine reports to a PatternSink after each
// completed stage: dispatch metadata only, no prompt or response content.
type StageObservation struct {
	Workflow   string
	Stage      string
	Tier       model.Tier
	ModelID    string
	Escalated  bool
	CacheHit   bool
	CostMicros int64
	Duration   time.Duration
}

// PatternSink receives completed-stage observations.
//
// Pattern learning, cross-session sharing, and persistence live outside the
// dispatch core; this interface is the seam they plug into. The default sink
// discards everything.
type PatternSink interface {
	Observe(obs StageObservation)
}

// NullPatternSink discards all observations.
type NullPatternSink struct{}

// Observe implements PatternSink.
func (NullPatternSink) Observe(StageObservation) {}
