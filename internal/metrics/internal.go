package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Quality Metrics
// =============================================================================

var (
	// QualityAggregate tracks the time-decayed quality score per backend.
	QualityAggregate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quality_aggregate_score",
			Help:      "Time-decayed quality score per backend",
		},
		[]string{"backend"},
	)

	// QualityValidationFailures counts scores rejected by validation.
	QualityValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_validation_failures_total",
			Help:      "Total quality scores that failed validation",
		},
		[]string{"category", "backend"},
	)

	// EscalationMultiplier tracks the adaptive escalation multiplier per category.
	EscalationMultiplier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escalation_multiplier",
			Help:      "Adaptive escalation threshold multiplier per category",
		},
		[]string{"category"},
	)
)

// =============================================================================
// Circuit Breaker Metrics
// =============================================================================

var (
	// CircuitBreakerState tracks breaker status per backend.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)

	// TierSwaps counts dispatches moved to the other tier because a breaker was open.
	TierSwaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_swaps_total",
			Help:      "Total dispatches moved to the other tier by an open circuit",
		},
		[]string{"category", "from", "to"},
	)
)

// SetQualityAggregate updates the quality gauge for backend.
func SetQualityAggregate(backend string, score float64) {
	QualityAggregate.WithLabelValues(sanitizeLabel(backend)).Set(score)
}

// SetEscalationMultiplier updates the multiplier gauge for category.
func SetEscalationMultiplier(category string, m float64) {
	EscalationMultiplier.WithLabelValues(sanitizeLabel(category)).Set(m)
}

// SetCircuitState updates the breaker gauge for backend.
func SetCircuitState(backend string, state int) {
	CircuitBreakerState.WithLabelValues(sanitizeLabel(backend)).Set(float64(state))
}
