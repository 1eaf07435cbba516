package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/blueberrycongee/tiergate/internal/analysis"
	"github.com/blueberrycongee/tiergate/internal/metrics"
	"github.com/blueberrycongee/tiergate/internal/observability"
	"github.com/blueberrycongee/tiergate/internal/pricing"
	tgerrors "github.com/blueberrycongee/tiergate/pkg/errors"
)

// DefaultCategory is consulted for categories without their own entry.
const DefaultCategory analysis.Category = "default"

// epsilon absorbs float drift when comparing estimates to headroom.
const epsilon = 1e-9

// Analyzer scores a request.
type Analyzer interface {
	Analyze(category analysis.Category, text string, qualityRequirement, costSensitivity float64, urgency analysis.Urgency) analysis.TaskAnalysis
}

// Ledger is the budget view the router needs.
type Ledger interface {
	CheckAndReserve() error
	Remaining() float64
}

// Config configures a Router.
type Config struct {
	Tiers          map[analysis.Category]TierConfig
	Mode           Mode
	MaxRequestCost float64 // per-request cap in USD, zero for none
	TrendWindow    int
	Logger         *slog.Logger
}

// RouteRequest is the input of Route.
type RouteRequest struct {
	Category           analysis.Category
	Context            string
	AgentID            string
	QualityRequirement float64
	CostSensitivity    float64
	Urgency            analysis.Urgency
}

// Decision is the outcome of routing one request.
type Decision struct {
	SelectedBackend    string                `json:"selected_backend"`
	FallbackBackend    string                `json:"fallback_backend"`
	EstimatedCost      float64               `json:"estimated_cost"`
	QualityExpectation float64               `json:"quality_expectation"`
	Reason             string                `json:"reason"`
	Category           analysis.Category     `json:"category"`
	Tier               Tier                  `json:"tier"`
	Escalated          bool                  `json:"escalated"`
	Downgraded         bool                  `json:"downgraded"`
	Analysis           analysis.TaskAnalysis `json:"analysis"`
}

// RoutingError reports an internal routing fault. Fallback, when non-nil, is
// a primary-tier decision the caller may still use.
type RoutingError struct {
	Err      *tgerrors.Error
	Fallback *Decision
}

func (e *RoutingError) Error() string { return e.Err.Error() }

func (e *RoutingError) Unwrap() error { return e.Err }

// Router composes analysis, tier selection, budget and quality feedback.
type Router struct {
	tiers          map[analysis.Category]TierConfig
	analyzer       Analyzer
	ledger         Ledger
	adaptive       *adaptive
	mode           Mode
	maxRequestCost float64
	logger         *slog.Logger
}

// New creates a Router. quality may be nil in static mode.
func New(cfg Config, analyzer Analyzer, ledger Ledger, quality QualitySource) (*Router, error) {
	if len(cfg.Tiers) == 0 {
		return nil, errors.New("router: at least one category is required")
	}
	for category, tc := range cfg.Tiers {
		if err := tc.Validate(); err != nil {
			return nil, fmt.Errorf("router: category %q: %w", category, err)
		}
	}
	if analyzer == nil || ledger == nil {
		return nil, errors.New("router: analyzer and ledger are required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStatic
	}
	if cfg.Mode == ModeAdaptive && quality == nil {
		return nil, errors.New("router: adaptive mode requires a quality source")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	tiers := make(map[analysis.Category]TierConfig, len(cfg.Tiers))
	for c, tc := range cfg.Tiers {
		tiers[c] = tc
	}
	r := &Router{
		tiers:          tiers,
		analyzer:       analyzer,
		ledger:         ledger,
		mode:           cfg.Mode,
		maxRequestCost: cfg.MaxRequestCost,
		logger:         cfg.Logger,
	}
	if cfg.Mode == ModeAdaptive {
		r.adaptive = newAdaptive(quality, cfg.TrendWindow, cfg.Logger)
	}
	return r, nil
}

// Mode returns the routing mode.
func (r *Router) Mode() Mode { return r.mode }

// TierConfig returns the configuration serving category, falling back to
// DefaultCategory.
func (r *Router) TierConfig(category analysis.Category) (TierConfig, bool) {
	tc, _, ok := r.tierFor(category)
	return tc, ok
}

func (r *Router) tierFor(category analysis.Category) (TierConfig, analysis.Category, bool) {
	if tc, ok := r.tiers[category]; ok {
		return tc, category, true
	}
	if tc, ok := r.tiers[DefaultCategory]; ok {
		return tc, DefaultCategory, true
	}
	return TierConfig{}, "", false
}

// Headroom is the most a single request may cost right now.
func (r *Router) Headroom() float64 {
	h := r.ledger.Remaining()
	if r.maxRequestCost > 0 {
		h = math.Min(h, r.maxRequestCost)
	}
	return h
}

// Multipliers returns the current adaptive multipliers by category.
func (r *Router) Multipliers() map[string]float64 {
	if r.adaptive == nil {
		return map[string]float64{}
	}
	return r.adaptive.snapshot()
}

func (r *Router) multiplier(category analysis.Category) float64 {
	if r.adaptive == nil {
		return multiplierNeutral
	}
	r.adaptive.tick(r.tiers)
	return r.adaptive.multiplier(category)
}

// Route analyzes req, checks the budget, selects a tier and estimates its
// cost. An escalated decision that does not fit the headroom is downgraded to
// the primary tier; if that does not fit either the request fails with a
// budget-exceeded error.
func (r *Router) Route(ctx context.Context, req RouteRequest) (d *Decision, err error) {
	logger := observability.LoggerWithRequestID(ctx, r.logger)
	category := req.Category

	tc, key, ok := r.tierFor(category)
	if !ok {
		metrics.RecordRoutingFailure(string(category), string(tgerrors.KindRouting))
		return nil, &RoutingError{
			Err: tgerrors.NewRoutingError(string(category),
				fmt.Errorf("no tier configuration for category %q", category)),
		}
	}

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		fallback := r.fallbackDecision(req, tc)
		logger.Warn("routing fault, using primary tier",
			"category", string(category),
			"backend", fallback.SelectedBackend,
			"panic", fmt.Sprint(p))
		metrics.RecordRoutingFailure(string(category), string(tgerrors.KindRouting))
		d, err = fallback, &RoutingError{
			Err:      tgerrors.NewRoutingError(string(category), fmt.Errorf("panic: %v", p)),
			Fallback: fallback,
		}
	}()

	a := r.analyzer.Analyze(category, req.Context, req.QualityRequirement, req.CostSensitivity, req.Urgency)

	if err := r.ledger.CheckAndReserve(); err != nil {
		metrics.RecordRoutingFailure(string(category), string(tgerrors.KindOf(err)))
		var te *tgerrors.Error
		if errors.As(err, &te) {
			return nil, te.WithContext(string(category), "", 0)
		}
		return nil, err
	}

	bc, tier, reason := tc.Select(a, r.multiplier(key))
	estimate := pricing.Estimate(bc.CostModel, a)

	d = &Decision{
		SelectedBackend:    bc.Backend,
		FallbackBackend:    tc.Fallback.Backend,
		EstimatedCost:      estimate,
		QualityExpectation: bc.QualityThreshold,
		Reason:             reason,
		Category:           category,
		Tier:               tier,
		Escalated:          tier == TierFallback,
		Analysis:           a,
	}
	if tier == TierFallback {
		d.FallbackBackend = tc.Primary.Backend
	}

	headroom := r.Headroom()
	if estimate > headroom+epsilon {
		if tier != TierFallback {
			return nil, r.overBudget(category, bc.Backend, estimate, headroom)
		}
		primaryEstimate := pricing.Estimate(tc.Primary.CostModel, a)
		if primaryEstimate > headroom+epsilon {
			return nil, r.overBudget(category, tc.Primary.Backend, primaryEstimate, headroom)
		}
		d.SelectedBackend = tc.Primary.Backend
		d.FallbackBackend = tc.Fallback.Backend
		d.EstimatedCost = primaryEstimate
		d.QualityExpectation = tc.Primary.QualityThreshold
		d.Tier = TierPrimary
		d.Downgraded = true
		d.Reason = fmt.Sprintf("downgraded to primary: fallback estimate %.4f exceeds budget headroom %.4f (%s)",
			estimate, headroom, reason)
		logger.Warn("escalation downgraded for budget",
			"category", string(category),
			"fallback_estimate", estimate,
			"primary_estimate", primaryEstimate,
			"headroom", headroom)
	}

	metrics.RecordRoutingDecision(string(category), d.SelectedBackend, string(d.Tier), d.Escalated, d.Downgraded, d.EstimatedCost)
	return d, nil
}

func (r *Router) overBudget(category analysis.Category, backend string, estimate, headroom float64) error {
	metrics.RecordRoutingFailure(string(category), string(tgerrors.KindBudgetExceeded))
	return tgerrors.NewBudgetExceeded(string(category), backend,
		fmt.Sprintf("estimated cost %.4f exceeds budget headroom %.4f", estimate, headroom))
}

// fallbackDecision builds a primary-tier decision without the analyzer.
func (r *Router) fallbackDecision(req RouteRequest, tc TierConfig) *Decision {
	a := analysis.TaskAnalysis{
		Category:           req.Category,
		ContentLength:      analysis.CountWords(req.Context),
		QualityRequirement: req.QualityRequirement,
		CostSensitivity:    req.CostSensitivity,
		Urgency:            req.Urgency,
	}
	return &Decision{
		SelectedBackend:    tc.Primary.Backend,
		FallbackBackend:    tc.Fallback.Backend,
		EstimatedCost:      pricing.Estimate(tc.Primary.CostModel, a),
		QualityExpectation: tc.Primary.QualityThreshold,
		Reason:             "routing fault: defaulted to primary tier",
		Category:           req.Category,
		Tier:               TierPrimary,
		Analysis:           a,
	}
}
