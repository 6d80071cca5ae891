package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for workflow execution.
//
// Metrics exposed (all namespaced "tierflow_"):
//
//  1. inflight_stages (gauge): stages currently executing.
//  2. stage_latency_ms (histogram): stage duration by workflow, stage,
//     status. Buckets span 1ms to 60s for LLM-call latencies.
//  3. escalations_total (counter): tier escalations by workflow and stage.
//  4. budget_skips_total (counter): stages skipped by the budget cap.
//  5. cache_events_total (counter): dispatch cache outcomes by kind
//     (exact, semantic, coalesced, miss).
//  6. breaker_transitions_total (counter): circuit transitions by provider
//     and new state.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := flow.NewMetrics(registry)
//	engine, _ := flow.NewEngine(flow.Options{Metrics: metrics, ...})
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	inflightStages prometheus.Gauge
	stageLatency   *prometheus.HistogramVec
	escalations    *prometheus.CounterVec
	budgetSkips    *prometheus.CounterVec
	cacheEvents    *prometheus.CounterVec
	breakerChanges *prometheus.CounterVec
}

// NewMetrics creates and registers all workflow metrics with the registry.
// Pass prometheus.DefaultRegisterer for the global registry, or a private
// registry for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightStages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tierflow",
			Name:      "inflight_stages",
			Help:      "Number of stages currently executing.",
		}),
		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tierflow",
			Name:      "stage_latency_ms",
			Help:      "Stage execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000},
		}, []string{"workflow", "stage", "status"}),
		escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tierflow",
			Name:      "escalations_total",
			Help:      "Tier escalations triggered.",
		}, []string{"workflow", "stage"}),
		budgetSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tierflow",
			Name:      "budget_skips_total",
			Help:      "Stages skipped because the budget cap would be exceeded.",
		}, []string{"workflow", "stage"}),
		cacheEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tierflow",
			Name:      "cache_events_total",
			Help:      "Dispatch cache outcomes by kind.",
		}, []string{"kind"}),
		breakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tierflow",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker transitions by provider and new state.",
		}, []string{"provider", "state"}),
	}
}

// StageStarted increments the inflight gauge.
func (m *Metrics) StageStarted() {
	if m == nil {
		return
	}
	m.inflightStages.Inc()
}

// StageFinished decrements the inflight gauge and records latency.
func (m *Metrics) StageFinished(workflow, stage string, status StageStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.inflightStages.Dec()
	m.stageLatency.WithLabelValues(workflow, stage, string(status)).
		Observe(float64(d.Milliseconds()))
}

// Escalated counts one tier escalation.
func (m *Metrics) Escalated(workflow, stage string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(workflow, stage).Inc()
}

// BudgetSkipped counts one budget skip.
func (m *Metrics) BudgetSkipped(workflow, stage string) {
	if m == nil {
		return
	}
	m.budgetSkips.WithLabelValues(workflow, stage).Inc()
}

// CacheEvent counts a dispatch cache outcome; kind is "exact", "semantic",
// "coalesced", or "miss".
func (m *Metrics) CacheEvent(kind string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(kind).Inc()
}

// BreakerTransition counts a circuit state change.
func (m *Metrics) BreakerTransition(provider, state string) {
	if m == nil {
		return
	}
	m.breakerChanges.WithLabelValues(provider, state).Inc()
}
