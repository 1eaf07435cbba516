package tiergate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/tiergate/internal/admission"
	"github.com/blueberrycongee/tiergate/internal/analysis"
	"github.com/blueberrycongee/tiergate/internal/budget"
	"github.com/blueberrycongee/tiergate/internal/metrics"
	"github.com/blueberrycongee/tiergate/internal/observability"
	"github.com/blueberrycongee/tiergate/internal/pricing"
	"github.com/blueberrycongee/tiergate/internal/quality"
	"github.com/blueberrycongee/tiergate/internal/resilience"
	"github.com/blueberrycongee/tiergate/internal/router"
	tgerrors "github.com/blueberrycongee/tiergate/pkg/errors"
)

// epsilon absorbs float drift when comparing estimates to headroom.
const epsilon = 1e-9

const (
	operationExecute = "route_and_execute"
	operationRetry   = "low_confidence_retry"
)

const contextPreviewRunes = 120

// Gateway routes requests to a backend tier and executes them under
// admission control. It is safe for concurrent use.
type Gateway struct {
	opts *Options

	ledger    *budget.Ledger
	quality   *quality.Monitor
	router    *router.Router
	admission *admission.Controller
	breakers  *resilience.BreakerSet
	pricing   *pricing.Calculator

	invoker         Invoker
	costRecorder    CostRecorder
	qualityRecorder QualityRecorder

	tracer   trace.Tracer
	logger   *slog.Logger
	redactor *observability.Redactor

	cancel context.CancelFunc
	closed atomic.Bool
}

// New builds a Gateway and starts its admission drain loop.
func New(opts ...Option) (*Gateway, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Invoker == nil {
		return nil, errors.New("tiergate: an invoker is required")
	}
	if len(o.Categories) == 0 {
		return nil, errors.New("tiergate: at least one category is required")
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	analyzerOpts := make([]analysis.Option, 0, len(o.Indicators))
	for c, ind := range o.Indicators {
		analyzerOpts = append(analyzerOpts, analysis.WithIndicators(c, ind))
	}
	analyzer := analysis.NewAnalyzer(analyzerOpts...)

	ledger := budget.NewLedger(context.Background(), budget.Config{
		DailyLimit:    o.DailyLimit,
		WarnThreshold: o.WarnThreshold,
		Store:         o.SpendStore,
		Logger:        logger,
	})

	monitor := quality.NewMonitor(quality.Config{
		GlobalThreshold: o.QualityThreshold,
		WindowSize:      o.QualityWindow,
		Horizon:         o.QualityHorizon,
		TrendWindow:     o.TrendWindow,
		Logger:          logger,
	})

	rt, err := router.New(router.Config{
		Tiers:          o.Categories,
		Mode:           o.Mode,
		MaxRequestCost: o.MaxRequestCost,
		TrendWindow:    o.TrendWindow,
		Logger:         logger,
	}, analyzer, ledger, monitor)
	if err != nil {
		return nil, fmt.Errorf("tiergate: %w", err)
	}

	calc := pricing.NewCalculator(o.Pricing)
	for _, tc := range o.Categories {
		calc.AddCostModel(tc.Primary.Backend, tc.Primary.CostModel)
		calc.AddCostModel(tc.Fallback.Backend, tc.Fallback.CostModel)
	}

	var breakers *resilience.BreakerSet
	if o.CircuitBreakerEnabled {
		breakers = resilience.NewBreakerSet(o.CircuitBreaker, func(backend string, from, to resilience.CircuitState) {
			metrics.SetCircuitState(backend, int(to))
			logger.Warn("backend circuit state changed",
				"backend", backend,
				"from", from.String(),
				"to", to.String())
		})
	}

	ctrl := admission.New(admission.Config{
		RequestsPerMinute: o.RequestsPerMinute,
		Burst:             o.Burst,
		MaxConcurrent:     o.MaxConcurrent,
		MaxQueueSize:      o.MaxQueueSize,
		DefaultTimeout:    o.DefaultTimeout,
		RateWait:          o.RateWait,
		Distributed:       o.DistributedLimiter,
		DistributedKey:    o.DistributedKey,
		DistributedLimit:  o.DistributedLimit,
		Logger:            logger,
	})

	tp := o.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	g := &Gateway{
		opts:            o,
		ledger:          ledger,
		quality:         monitor,
		router:          rt,
		admission:       ctrl,
		breakers:        breakers,
		pricing:         calc,
		invoker:         o.Invoker,
		costRecorder:    o.CostRecorder,
		qualityRecorder: o.QualityRecorder,
		tracer:          tp.Tracer(observability.TracerName),
		logger:          logger,
		redactor:        observability.NewRedactor(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	ctrl.Start(ctx)

	logger.Info("tiergate gateway initialized",
		"categories", len(o.Categories),
		"mode", string(o.Mode),
		"daily_limit", o.DailyLimit,
		"circuit_breaker", o.CircuitBreakerEnabled)
	return g, nil
}

// RouteAndExecute routes req, admits it and runs the backend call. The
// actual cost of every completed call is recorded once in the ledger and the
// cost recorder.
func (g *Gateway) RouteAndExecute(ctx context.Context, req Request) (*BackendResult, error) {
	if g.closed.Load() {
		return nil, tgerrors.ErrShuttingDown
	}
	ctx, requestID := observability.GetOrCreateRequestID(ctx)
	ctx, span := g.tracer.Start(ctx, "tiergate.route_and_execute",
		trace.WithAttributes(attribute.String("tiergate.request_id", requestID)))
	defer span.End()

	if err := validateRequest(req); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	d, err := g.route(ctx, routeRequest(req))
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	d = g.avoidOpenCircuit(ctx, d)
	observability.SetRouteAttributes(span, routeAttributes(d))
	if g.logger.Enabled(ctx, slog.LevelDebug) {
		observability.LoggerWithRequestID(ctx, g.logger).Debug("routing decision",
			"category", d.Category,
			"backend", d.SelectedBackend,
			"tier", d.Tier,
			"context", g.redactor.Preview(req.Context, contextPreviewRunes),
		)
	}

	res, err := g.execute(ctx, req, d, requestID, operationExecute)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	if retried := g.retryOnLowConfidence(ctx, req, d, res, requestID); retried != nil {
		span.SetAttributes(attribute.Bool("tiergate.low_confidence_retry", true))
		return retried, nil
	}
	return res, nil
}

// Route returns the routing decision for req without executing anything.
func (g *Gateway) Route(ctx context.Context, req Request) (*Decision, error) {
	ctx, _ = observability.GetOrCreateRequestID(ctx)
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return g.route(ctx, routeRequest(req))
}

// route wraps the router with a span. A RoutingError with a fallback
// decision that fits the budget is absorbed: the fallback is used.
func (g *Gateway) route(ctx context.Context, rr router.RouteRequest) (*Decision, error) {
	ctx, span := g.tracer.Start(ctx, "tiergate.route")
	defer span.End()

	d, err := g.router.Route(ctx, rr)
	var re *router.RoutingError
	if err != nil && errors.As(err, &re) && re.Fallback != nil {
		headroom := g.router.Headroom()
		if re.Fallback.EstimatedCost > headroom+epsilon {
			err = tgerrors.NewBudgetExceeded(string(rr.Category), re.Fallback.SelectedBackend,
				fmt.Sprintf("fallback estimate %.4f exceeds budget headroom %.4f", re.Fallback.EstimatedCost, headroom))
			observability.RecordError(span, err)
			return nil, err
		}
		observability.LoggerWithRequestID(ctx, g.logger).Warn("using fallback routing decision",
			"category", string(rr.Category),
			"backend", re.Fallback.SelectedBackend,
			"error", re.Err.Error())
		span.AddEvent("routing fault absorbed")
		d, err = re.Fallback, nil
	}
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	observability.SetRouteAttributes(span, routeAttributes(d))
	return d, nil
}

// avoidOpenCircuit moves d to the other tier when the selected backend's
// breaker is open and the other tier is available and affordable.
func (g *Gateway) avoidOpenCircuit(ctx context.Context, d *Decision) *Decision {
	if g.breakers == nil || g.breakers.Available(d.SelectedBackend) {
		return d
	}
	tc, ok := g.router.TierConfig(d.Category)
	if !ok {
		return d
	}
	other := TierFallback
	if d.Tier == TierFallback {
		other = TierPrimary
	}
	bc := tc.Backend(other)
	if bc.Backend == d.SelectedBackend || !g.breakers.Available(bc.Backend) {
		return d
	}
	estimate := pricing.Estimate(bc.CostModel, d.Analysis)
	if estimate > g.router.Headroom()+epsilon {
		return d
	}

	metrics.TierSwaps.WithLabelValues(string(d.Category), string(d.Tier), string(other)).Inc()
	observability.LoggerWithRequestID(ctx, g.logger).Warn("selected backend circuit open, switching tier",
		"category", string(d.Category),
		"from", d.SelectedBackend,
		"to", bc.Backend)

	swapped := *d
	swapped.FallbackBackend = d.SelectedBackend
	swapped.SelectedBackend = bc.Backend
	swapped.EstimatedCost = estimate
	swapped.QualityExpectation = bc.QualityThreshold
	swapped.Tier = other
	swapped.Reason = fmt.Sprintf("%s; circuit open on %s, switched to %s tier", d.Reason, d.SelectedBackend, other)
	return &swapped
}

// execute runs the backend call of d under admission control. Cost
// bookkeeping happens inside the payload, so a call that completes after its
// caller gave up is still charged.
func (g *Gateway) execute(ctx context.Context, req Request, d *Decision, requestID, operation string) (*BackendResult, error) {
	ctx, span := g.tracer.Start(ctx, "tiergate.admission",
		trace.WithAttributes(
			attribute.String("tiergate.backend", d.SelectedBackend),
			attribute.String("tiergate.priority", req.Priority.String())))
	defer span.End()

	start := time.Now()
	v, err := g.admission.Execute(ctx, func(ctx context.Context) (any, error) {
		return g.invoke(ctx, req, d, requestID, operation)
	}, req.Priority, req.Timeout)
	if err != nil {
		var te *tgerrors.Error
		if errors.As(err, &te) {
			err = te.WithContext(string(d.Category), d.SelectedBackend, time.Since(start))
		}
		observability.RecordError(span, err)
		return nil, err
	}

	res := v.(*BackendResult)
	span.SetAttributes(attribute.Float64("tiergate.actual_cost", res.Cost))
	return res, nil
}

// invoke is the admission payload: breaker gate, backend call, bookkeeping.
func (g *Gateway) invoke(ctx context.Context, req Request, d *Decision, requestID, operation string) (*BackendResult, error) {
	backend := d.SelectedBackend
	if g.breakers != nil && !g.breakers.Allow(backend) {
		return nil, tgerrors.NewBackendFailure(string(d.Category), backend, 0, resilience.ErrCircuitOpen)
	}

	start := time.Now()
	res, err := g.invoker.Invoke(ctx, backend, req)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.BackendLatency.WithLabelValues(backend, status).Observe(elapsed.Seconds())

	if g.breakers != nil && !errors.Is(err, context.Canceled) {
		g.breakers.Record(backend, err)
	}
	if err != nil {
		return nil, tgerrors.NewBackendFailure(string(d.Category), backend, elapsed, err)
	}
	if res == nil {
		res = &BackendResult{}
	}
	res.Backend = backend
	res.Tier = d.Tier
	res.Latency = elapsed
	res.RequestID = requestID
	res.Decision = d
	res.Cost = g.actualCost(d, res)

	g.recordCost(context.WithoutCancel(ctx), req, d, res, operation)
	return res, nil
}

// recordCost charges a completed call to the ledger and reports it once per
// request and operation.
func (g *Gateway) recordCost(ctx context.Context, req Request, d *Decision, res *BackendResult, operation string) {
	if !g.ledger.RecordActual(costKey(res.RequestID, operation), res.Cost) {
		return
	}
	metrics.RecordActualCost(string(d.Category), res.Backend, res.Cost)
	if g.costRecorder == nil {
		return
	}
	rec := CostRecord{
		RequestID:    res.RequestID,
		Category:     d.Category,
		Backend:      res.Backend,
		Operation:    operation,
		Cost:         res.Cost,
		AgentID:      req.AgentID,
		TokensUsed:   res.TokensIn + res.TokensOut,
		ResponseTime: res.Latency,
	}
	if err := g.costRecorder.RecordCost(ctx, rec); err != nil {
		observability.LoggerWithRequestID(ctx, g.logger).Warn("cost recorder failed",
			"backend", res.Backend,
			"cost", res.Cost,
			"error", err)
	}
}

func costKey(requestID, operation string) string {
	return requestID + ":" + operation
}

// actualCost prefers the reported cost, then priced tokens, then the estimate.
func (g *Gateway) actualCost(d *Decision, res *BackendResult) float64 {
	if res.Cost > 0 && !math.IsInf(res.Cost, 0) && !math.IsNaN(res.Cost) {
		return res.Cost
	}
	if res.TokensIn > 0 || res.TokensOut > 0 {
		if cost, ok := g.pricing.Actual(d.SelectedBackend, res.TokensIn, res.TokensOut); ok {
			return cost
		}
	}
	return d.EstimatedCost
}

// retryOnLowConfidence runs the fallback tier once when a primary-tier result
// reports confidence below the tier's quality expectation. It returns nil
// when no retry happened or the retry failed.
func (g *Gateway) retryOnLowConfidence(ctx context.Context, req Request, d *Decision, res *BackendResult, requestID string) *BackendResult {
	if !g.opts.EscalateOnLowConfidence || d.Tier != TierPrimary || res.Confidence == nil {
		return nil
	}
	if *res.Confidence >= d.QualityExpectation {
		return nil
	}
	tc, ok := g.router.TierConfig(d.Category)
	if !ok || tc.Fallback.Backend == d.SelectedBackend {
		return nil
	}
	logger := observability.LoggerWithRequestID(ctx, g.logger)

	estimate := pricing.Estimate(tc.Fallback.CostModel, d.Analysis)
	if headroom := g.router.Headroom(); estimate > headroom+epsilon {
		logger.Info("low confidence retry skipped for budget",
			"backend", tc.Fallback.Backend,
			"estimate", estimate,
			"headroom", headroom)
		return nil
	}
	if g.breakers != nil && !g.breakers.Available(tc.Fallback.Backend) {
		return nil
	}

	retry := *d
	retry.SelectedBackend = tc.Fallback.Backend
	retry.FallbackBackend = d.SelectedBackend
	retry.EstimatedCost = estimate
	retry.QualityExpectation = tc.Fallback.QualityThreshold
	retry.Tier = TierFallback
	retry.Escalated = true
	retry.Reason = fmt.Sprintf("low confidence %.2f from %s below %.2f", *res.Confidence, d.SelectedBackend, d.QualityExpectation)

	logger.Info("retrying on fallback tier after low confidence",
		"category", string(d.Category),
		"from", d.SelectedBackend,
		"to", retry.SelectedBackend,
		"confidence", *res.Confidence)

	out, err := g.execute(ctx, req, &retry, requestID, operationRetry)
	if err != nil {
		logger.Warn("low confidence retry failed, returning primary result",
			"backend", retry.SelectedBackend,
			"error", err)
		return nil
	}
	out.Retried = true
	return out
}

// RecordQuality validates entry against the backend's history, records it
// in the quality monitor and forwards it to the quality recorder. It reports
// whether the score passed validation.
func (g *Gateway) RecordQuality(ctx context.Context, entry QualityEntry) (bool, error) {
	valid := g.quality.Validate(entry.Category, entry.Backend, entry.Score)
	if err := g.quality.Record(entry); err != nil {
		return false, err
	}
	if !valid {
		observability.LoggerWithRequestID(ctx, g.logger).Warn("quality below expectation",
			"category", entry.Category,
			"backend", entry.Backend,
			"score", entry.Score)
	}
	if g.qualityRecorder != nil {
		if err := g.qualityRecorder.RecordQuality(ctx, entry); err != nil {
			observability.LoggerWithRequestID(ctx, g.logger).Warn("quality recorder failed",
				"backend", entry.Backend,
				"error", err)
		}
	}
	return valid, nil
}

// Stats returns a snapshot of admission, budget, quality and breaker state.
func (g *Gateway) Stats() Stats {
	s := Stats{
		Mode:        g.router.Mode(),
		Admission:   g.admission.Stats(),
		Budget:      g.ledger.Snapshot(),
		Quality:     g.quality.Snapshot(),
		Multipliers: g.router.Multipliers(),
	}
	if g.breakers != nil {
		s.Breakers = g.breakers.Stats()
	}
	return s
}

// Close stops accepting requests, resolves queued ones with a shutting-down
// error and waits for in-flight backend calls until ctx is done.
func (g *Gateway) Close(ctx context.Context) error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := g.admission.Close(ctx)
	g.cancel()
	g.logger.Info("tiergate gateway closed")
	return err
}

func validateRequest(req Request) error {
	if strings.TrimSpace(string(req.Category)) == "" {
		return tgerrors.NewInvalidRequest("category is required")
	}
	if req.QualityRequirement < 0 || req.QualityRequirement > 1 {
		return tgerrors.NewInvalidRequest("quality_requirement must be within [0,1]")
	}
	if req.CostSensitivity < 0 || req.CostSensitivity > 1 {
		return tgerrors.NewInvalidRequest("cost_sensitivity must be within [0,1]")
	}
	if req.Timeout < 0 {
		return tgerrors.NewInvalidRequest("timeout cannot be negative")
	}
	return nil
}

func routeRequest(req Request) router.RouteRequest {
	return router.RouteRequest{
		Category:           req.Category,
		Context:            req.Context,
		AgentID:            req.AgentID,
		QualityRequirement: req.QualityRequirement,
		CostSensitivity:    req.CostSensitivity,
		Urgency:            req.Urgency,
	}
}

func routeAttributes(d *Decision) observability.RouteSpanAttributes {
	return observability.RouteSpanAttributes{
		Category:   string(d.Category),
		Backend:    d.SelectedBackend,
		Tier:       string(d.Tier),
		Estimate:   d.EstimatedCost,
		Escalated:  d.Escalated,
		Downgraded: d.Downgraded,
	}
}
