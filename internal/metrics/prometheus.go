// Package metrics provides Prometheus metrics for admission, routing, budget
// and quality. Collectors are registered on the default registry via promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tiergate"
)

// WaitBuckets defines histogram buckets for queue wait and call latency (seconds).
var WaitBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0,
}

// =============================================================================
// Admission Metrics
// =============================================================================

var (
	// AdmissionOutcomes counts admission results by outcome:
	// succeeded, failed, rejected, rate_limited, timed_out, shutting_down.
	AdmissionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_outcomes_total",
			Help:      "Total admission outcomes by result",
		},
		[]string{"outcome", "priority"},
	)

	// AdmissionQueueDepth tracks items waiting for dispatch.
	AdmissionQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_queue_depth",
			Help:      "Number of requests waiting in the admission queue",
		},
	)

	// AdmissionInFlight tracks payloads currently executing.
	AdmissionInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "admission_in_flight",
			Help:      "Number of admitted requests currently executing",
		},
	)

	// AdmissionQueueWait tracks time from enqueue to dispatch.
	AdmissionQueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_queue_wait_seconds",
			Help:      "Time spent queued before dispatch in seconds",
			Buckets:   WaitBuckets,
		},
		[]string{"priority"},
	)

	// DistributedLimiterErrors counts failed cluster-wide limit checks (fail-open).
	DistributedLimiterErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distributed_limiter_errors_total",
			Help:      "Total distributed limiter backend errors",
		},
	)
)

// =============================================================================
// Routing Metrics
// =============================================================================

var (
	// RoutingDecisions counts routing decisions.
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Total routing decisions",
		},
		[]string{"category", "backend", "tier", "escalated", "downgraded"},
	)

	// RoutingFailures counts routing failures by error kind.
	RoutingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_failures_total",
			Help:      "Total routing failures by kind",
		},
		[]string{"category", "kind"},
	)

	// EstimatedCost tracks estimated cost per routed request in USD.
	EstimatedCost = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "estimated_cost_usd",
			Help:      "Estimated cost per routed request in USD",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"category", "backend"},
	)

	// BackendLatency tracks backend call latency.
	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "Backend call latency in seconds",
			Buckets:   WaitBuckets,
		},
		[]string{"backend", "status"},
	)
)

// RecordRoutingDecision records one routing decision.
func RecordRoutingDecision(category, backend, tier string, escalated, downgraded bool, estimate float64) {
	category = sanitizeLabel(category)
	backend = sanitizeLabel(backend)
	RoutingDecisions.WithLabelValues(category, backend, tier, boolLabel(escalated), boolLabel(downgraded)).Inc()
	EstimatedCost.WithLabelValues(category, backend).Observe(estimate)
}

// RecordRoutingFailure records a routing failure.
func RecordRoutingFailure(category, kind string) {
	RoutingFailures.WithLabelValues(sanitizeLabel(category), kind).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
