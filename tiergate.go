// Package tiergate is an admission-control and routing layer for
// pay-per-call inference backends.
//
// For each request it scores the task, picks the cost-efficient primary
// backend or the premium fallback of the request's category, checks the
// estimate against the daily budget, and runs the backend call behind a
// token bucket, a bounded priority queue and a concurrency limit.
//
// Basic usage:
//
//	gw, err := tiergate.New(
//	    tiergate.WithCategory(tiergate.CategoryText, tiergate.TierConfig{
//	        Primary:  tiergate.BackendConfig{Backend: "small", CostModel: tiergate.CostModel{InputPer1K: 0.0005, OutputPer1K: 0.0015}, QualityThreshold: 0.75},
//	        Fallback: tiergate.BackendConfig{Backend: "large", CostModel: tiergate.CostModel{InputPer1K: 0.01, OutputPer1K: 0.03}, QualityThreshold: 0.9},
//	        EscalationThreshold: 0.8,
//	    }),
//	    tiergate.WithDailyBudget(50),
//	    tiergate.WithInvoker(myInvoker),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gw.Close(context.Background())
//
//	res, err := gw.RouteAndExecute(ctx, tiergate.Request{
//	    Category: tiergate.CategoryText,
//	    Context:  prompt,
//	    Priority: tiergate.PriorityHigh,
//	})
package tiergate

import (
	"context"
	"time"

	"github.com/blueberrycongee/tiergate/internal/admission"
	"github.com/blueberrycongee/tiergate/internal/analysis"
	"github.com/blueberrycongee/tiergate/internal/budget"
	"github.com/blueberrycongee/tiergate/internal/observability"
	"github.com/blueberrycongee/tiergate/internal/pricing"
	"github.com/blueberrycongee/tiergate/internal/quality"
	"github.com/blueberrycongee/tiergate/internal/resilience"
	"github.com/blueberrycongee/tiergate/internal/router"
)

// Version is the current version of tiergate.
const Version = "0.3.0"

// Re-export the types callers need to configure and use the gateway.
type (
	// Category names a task category.
	Category = analysis.Category
	// Urgency is the caller-declared urgency of a request.
	Urgency = analysis.Urgency
	// TaskAnalysis is the complexity assessment of a request.
	TaskAnalysis = analysis.TaskAnalysis

	// Priority orders queued work.
	Priority = admission.Priority
	// AdmissionStats are the admission controller counters.
	AdmissionStats = admission.Stats

	// Decision is the outcome of routing one request.
	Decision = router.Decision
	// RoutingError carries an internal routing fault and a fallback decision.
	RoutingError = router.RoutingError
	// TierConfig is the routing configuration of one category.
	TierConfig = router.TierConfig
	// BackendConfig is one tier of a category.
	BackendConfig = router.BackendConfig
	// Tier is primary or fallback.
	Tier = router.Tier
	// RouterMode is static or adaptive.
	RouterMode = router.Mode

	// CostModel prices a backend for estimates.
	CostModel = pricing.CostModel
	// BackendPricing prices reported tokens for backends that do not report cost.
	BackendPricing = pricing.BackendPricing

	// QualityEntry is one quality observation.
	QualityEntry = quality.Entry
	// QualitySnapshot is the state of the quality monitor.
	QualitySnapshot = quality.Snapshot

	// SpendStore persists daily spend.
	SpendStore = budget.Store
	// BudgetSnapshot is the state of the budget ledger.
	BudgetSnapshot = budget.Snapshot

	// DistributedLimiter enforces a cluster-wide admission rate.
	DistributedLimiter = resilience.DistributedLimiter
	// CircuitBreakerConfig configures per-backend circuit breakers.
	CircuitBreakerConfig = resilience.CircuitBreakerConfig
	// BreakerStats is the state of one backend's breaker.
	BreakerStats = resilience.BreakerStats
)

// Built-in categories, urgencies, priorities, tiers and modes.
const (
	CategoryVision       = analysis.CategoryVision
	CategoryText         = analysis.CategoryText
	CategoryConversation = analysis.CategoryConversation
	CategoryDefault      = router.DefaultCategory

	UrgencyLow      = analysis.UrgencyLow
	UrgencyNormal   = analysis.UrgencyNormal
	UrgencyHigh     = analysis.UrgencyHigh
	UrgencyCritical = analysis.UrgencyCritical

	PriorityLow      = admission.PriorityLow
	PriorityNormal   = admission.PriorityNormal
	PriorityHigh     = admission.PriorityHigh
	PriorityCritical = admission.PriorityCritical

	TierPrimary  = router.TierPrimary
	TierFallback = router.TierFallback

	ModeStatic   = router.ModeStatic
	ModeAdaptive = router.ModeAdaptive
)

// Request is the input of RouteAndExecute.
type Request struct {
	Category           Category
	Context            string
	AgentID            string
	QualityRequirement float64 // [0,1]
	CostSensitivity    float64 // [0,1]
	Urgency            Urgency
	Priority           Priority
	Timeout            time.Duration // zero uses the admission default
}

// BackendResult is what a backend call produced. Invokers fill Output and
// whatever usage they know; the gateway fills the rest.
type BackendResult struct {
	Output    string `json:"output"`
	TokensIn  int    `json:"tokens_in,omitempty"`
	TokensOut int    `json:"tokens_out,omitempty"`
	// Cost is the USD cost reported by the backend. Zero means unknown: the
	// gateway prices the reported tokens, or falls back to the estimate.
	Cost float64 `json:"cost"`
	// Confidence is the backend's self-reported confidence, if any.
	Confidence *float64 `json:"confidence,omitempty"`

	Backend   string        `json:"backend"`
	Tier      Tier          `json:"tier"`
	Latency   time.Duration `json:"latency"`
	Retried   bool          `json:"retried,omitempty"` // served by the fallback after a low-confidence primary result
	RequestID string        `json:"request_id"`
	Decision  *Decision     `json:"decision,omitempty"`
}

// Invoker performs the backend call.
type Invoker interface {
	Invoke(ctx context.Context, backend string, req Request) (*BackendResult, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, backend string, req Request) (*BackendResult, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, backend string, req Request) (*BackendResult, error) {
	return f(ctx, backend, req)
}

// CostRecord describes the actual cost of one completed backend call.
type CostRecord struct {
	RequestID    string
	Category     Category
	Backend      string
	Operation    string
	Cost         float64
	AgentID      string
	TokensUsed   int
	ResponseTime time.Duration
}

// CostRecorder receives the actual cost of every completed backend call.
type CostRecorder interface {
	RecordCost(ctx context.Context, rec CostRecord) error
}

// QualityRecorder receives every quality observation passed to RecordQuality.
type QualityRecorder interface {
	RecordQuality(ctx context.Context, entry QualityEntry) error
}

// Stats is a point-in-time view of the gateway.
type Stats struct {
	Mode        RouterMode         `json:"mode"`
	Admission   AdmissionStats     `json:"admission"`
	Budget      BudgetSnapshot     `json:"budget"`
	Quality     QualitySnapshot    `json:"quality"`
	Breakers    []BreakerStats     `json:"breakers"`
	Multipliers map[string]float64 `json:"escalation_multipliers"`
}

// ParseUrgency parses an urgency name. The empty string is normal.
func ParseUrgency(s string) (Urgency, error) {
	return analysis.ParseUrgency(s)
}

// ParsePriority parses a priority name. The empty string is normal.
func ParsePriority(s string) (Priority, error) {
	return admission.ParsePriority(s)
}

// ContextWithRequestID attaches a caller-chosen request ID. Completions are
// charged at most once per request ID and operation, so a caller that
// redelivers a request under the same ID is not billed twice.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return observability.ContextWithRequestID(ctx, requestID)
}
