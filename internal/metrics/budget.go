package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Budget Metrics
// =============================================================================

var (
	// BudgetSpend tracks spend recorded for the current UTC day in USD.
	BudgetSpend = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_spend_usd",
			Help:      "Spend recorded for the current budget day in USD",
		},
	)

	// BudgetLimit tracks the configured daily limit in USD.
	BudgetLimit = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_limit_usd",
			Help:      "Configured daily budget limit in USD",
		},
	)

	// BudgetUtilization tracks spend / limit.
	BudgetUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_utilization_ratio",
			Help:      "Daily budget utilization (spend / limit)",
		},
	)

	// BudgetWarnings counts utilization warnings.
	BudgetWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_warnings_total",
			Help:      "Total budget utilization warnings emitted",
		},
	)

	// BudgetRejections counts requests rejected for lack of budget.
	BudgetRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_rejections_total",
			Help:      "Total requests rejected because the daily budget is exhausted",
		},
	)

	// SpendStoreErrors counts failed spend persistence operations.
	SpendStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_store_errors_total",
			Help:      "Total spend store errors",
		},
		[]string{"store", "op"}, // store: memory|redis, op: load|add
	)

	// ActualCost counts recorded actual spend by category and backend.
	ActualCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actual_cost_usd_total",
			Help:      "Total actual cost recorded in USD",
		},
		[]string{"category", "backend"},
	)
)

// SetBudget updates the budget gauges.
func SetBudget(spend, limit float64) {
	BudgetSpend.Set(spend)
	BudgetLimit.Set(limit)
	if limit > 0 {
		BudgetUtilization.Set(spend / limit)
	} else {
		BudgetUtilization.Set(0)
	}
}

// RecordActualCost records the real cost of a completed backend call.
func RecordActualCost(category, backend string, cost float64) {
	if cost <= 0 {
		return
	}
	ActualCost.WithLabelValues(sanitizeLabel(category), sanitizeLabel(backend)).Add(cost)
}
