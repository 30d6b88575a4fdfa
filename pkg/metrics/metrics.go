// Package metrics exposes the Telemetry Sink's event kinds as Prometheus
// gauges, counters, and histograms behind an HTTP /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokenUsageTotal sums TOKEN_USAGE tokens by role and direction.
	TokenUsageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_token_usage_total",
		Help: "Total tokens consumed, by LLM role and direction.",
	}, []string{"role", "direction"})

	// PhaseOutcomesTotal counts PHASE_OUTCOME events by outcome.
	PhaseOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_phase_outcomes_total",
		Help: "Total phase attempt outcomes, by outcome.",
	}, []string{"outcome"})

	// PhaseAttemptDuration records wall-clock time per attempt, by outcome.
	PhaseAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autopack_phase_attempt_duration_seconds",
		Help:    "Phase attempt duration in seconds, by outcome.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// ApprovalDecisionsTotal counts APPROVAL events by decision.
	ApprovalDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_approval_decisions_total",
		Help: "Total approval decisions, by decision.",
	}, []string{"decision"})

	// GovernanceDecisionsTotal counts GOVERNANCE_DECISION events by ruling.
	GovernanceDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_governance_decisions_total",
		Help: "Total governance rulings, by ruling.",
	}, []string{"ruling"})

	// RoutingDecisionsTotal counts ROUTING_DECISION events by selected model.
	RoutingDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_routing_decisions_total",
		Help: "Total model routing decisions, by model_id.",
	}, []string{"model_id"})

	// DrainResultsTotal counts DRAIN_RESULT events by final phase state.
	DrainResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autopack_drain_results_total",
		Help: "Total batch-drain replay outcomes, by final_state.",
	}, []string{"final_state"})

	// DrainYieldPerMinute is the Drain Controller's yield calculator
	// output: telemetry events collected per minute of replay wall-clock.
	DrainYieldPerMinute = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autopack_drain_yield_per_minute",
		Help:    "Telemetry events collected per minute of a batch-drain replay.",
		Buckets: []float64{0, 0.5, 1, 2, 5, 10, 20, 50},
	})
)

// RecordTokenUsage records one attempt's token consumption.
func RecordTokenUsage(role string, tokensIn, tokensOut int64) {
	TokenUsageTotal.WithLabelValues(role, "in").Add(float64(tokensIn))
	TokenUsageTotal.WithLabelValues(role, "out").Add(float64(tokensOut))
}

// RecordPhaseOutcome records one phase attempt's terminal outcome.
func RecordPhaseOutcome(outcome string, duration time.Duration) {
	PhaseOutcomesTotal.WithLabelValues(outcome).Inc()
	PhaseAttemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordApprovalDecision records one approval's terminal decision.
func RecordApprovalDecision(decision string) {
	ApprovalDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordGovernanceDecision records one governance ruling.
func RecordGovernanceDecision(ruling string) {
	GovernanceDecisionsTotal.WithLabelValues(ruling).Inc()
}

// RecordRoutingDecision records one model-routing selection.
func RecordRoutingDecision(modelID string) {
	RoutingDecisionsTotal.WithLabelValues(modelID).Inc()
}

// RecordDrainResult records one batch-drain replay's outcome and yield.
func RecordDrainResult(finalState string, yieldPerMinute float64) {
	DrainResultsTotal.WithLabelValues(finalState).Inc()
	DrainYieldPerMinute.Observe(yieldPerMinute)
}

// Timer measures elapsed wall-clock time for a single phase attempt.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the Timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordPhaseOutcome records the Timer's elapsed time against outcome.
func (t *Timer) RecordPhaseOutcome(outcome string) {
	RecordPhaseOutcome(outcome, t.Elapsed())
}
