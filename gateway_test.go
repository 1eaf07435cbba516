package tiergate_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/blueberrycongee/tiergate"
	tgerrors "github.com/blueberrycongee/tiergate/pkg/errors"
)

const (
	smallCost = 0.01
	largeCost = 0.1
)

func textTiers() tiergate.TierConfig {
	return tiergate.TierConfig{
		Primary: tiergate.BackendConfig{
			Backend:          "small",
			CostModel:        tiergate.CostModel{Kind: "per_call", PerCall: smallCost},
			QualityThreshold: 0.8,
		},
		Fallback: tiergate.BackendConfig{
			Backend:          "large",
			CostModel:        tiergate.CostModel{Kind: "per_call", PerCall: largeCost},
			QualityThreshold: 0.95,
		},
		EscalationThreshold: 0.7,
	}
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, backend string) (*tiergate.BackendResult, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, backend string, req tiergate.Request) (*tiergate.BackendResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, backend)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, backend)
	}
	return &tiergate.BackendResult{Output: "ok from " + backend}, nil
}

func (f *fakeInvoker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type costLog struct {
	mu      sync.Mutex
	records []tiergate.CostRecord
}

func (c *costLog) RecordCost(_ context.Context, rec tiergate.CostRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
	return nil
}

func (c *costLog) Records() []tiergate.CostRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tiergate.CostRecord(nil), c.records...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGateway(t *testing.T, inv tiergate.Invoker, opts ...tiergate.Option) *tiergate.Gateway {
	t.Helper()
	base := []tiergate.Option{
		tiergate.WithCategory(tiergate.CategoryText, textTiers()),
		tiergate.WithInvoker(inv),
		tiergate.WithRateLimit(6000, 100),
		tiergate.WithLogger(quietLogger()),
	}
	gw, err := tiergate.New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = gw.Close(context.Background())
	})
	return gw
}

func textRequest(text string) tiergate.Request {
	return tiergate.Request{
		Category: tiergate.CategoryText,
		Context:  text,
		Priority: tiergate.PriorityNormal,
	}
}

func ptr(v float64) *float64 { return &v }

func TestNew_RequiresInvokerAndCategories(t *testing.T) {
	_, err := tiergate.New(tiergate.WithCategory(tiergate.CategoryText, textTiers()))
	assert.Error(t, err)

	_, err = tiergate.New(tiergate.WithInvoker(&fakeInvoker{}))
	assert.Error(t, err)
}

func TestNew_RejectsInvalidTiers(t *testing.T) {
	_, err := tiergate.New(
		tiergate.WithInvoker(&fakeInvoker{}),
		tiergate.WithCategory(tiergate.CategoryText, tiergate.TierConfig{}),
	)
	assert.Error(t, err)
}

func TestGateway_RouteAndExecute_Primary(t *testing.T) {
	inv := &fakeInvoker{}
	costs := &costLog{}
	gw := newGateway(t, inv, tiergate.WithCostRecorder(costs))

	res, err := gw.RouteAndExecute(context.Background(), textRequest("summarize this short note"))
	require.NoError(t, err)

	assert.Equal(t, "small", res.Backend)
	assert.Equal(t, tiergate.TierPrimary, res.Tier)
	assert.Equal(t, "ok from small", res.Output)
	assert.NotEmpty(t, res.RequestID)
	require.NotNil(t, res.Decision)
	assert.Equal(t, "large", res.Decision.FallbackBackend)
	assert.InDelta(t, smallCost, res.Cost, 1e-12)
	assert.Equal(t, []string{"small"}, inv.Calls())

	recs := costs.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, res.RequestID, recs[0].RequestID)
	assert.Equal(t, "small", recs[0].Backend)
	assert.Equal(t, "route_and_execute", recs[0].Operation)
	assert.InDelta(t, smallCost, recs[0].Cost, 1e-12)

	assert.InDelta(t, smallCost, gw.Stats().Budget.Spend, 1e-12)
}

func TestGateway_CriticalUrgencyUsesFallback(t *testing.T) {
	inv := &fakeInvoker{}
	gw := newGateway(t, inv)

	req := textRequest("fix this now")
	req.Urgency = tiergate.UrgencyCritical
	res, err := gw.RouteAndExecute(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "large", res.Backend)
	assert.Equal(t, tiergate.TierFallback, res.Tier)
	assert.True(t, res.Decision.Escalated)
	assert.InDelta(t, largeCost, res.Cost, 1e-12)
}

func TestGateway_ActualCostPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		result tiergate.BackendResult
		want   float64
	}{
		{"reported cost wins", tiergate.BackendResult{Cost: 0.5, TokensIn: 1000, TokensOut: 500}, 0.5},
		{"tokens priced", tiergate.BackendResult{TokensIn: 1000, TokensOut: 500}, 2.0},
		{"estimate when nothing reported", tiergate.BackendResult{}, smallCost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &fakeInvoker{fn: func(context.Context, string) (*tiergate.BackendResult, error) {
				r := tt.result
				return &r, nil
			}}
			gw := newGateway(t, inv, tiergate.WithPricing(tiergate.BackendPricing{
				Backend:         "small",
				InputCostPer1K:  1,
				OutputCostPer1K: 2,
			}))

			res, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
			require.NoError(t, err)
			assert.InDelta(t, tt.want, res.Cost, 1e-9)
			assert.InDelta(t, tt.want, gw.Stats().Budget.Spend, 1e-9)
		})
	}
}

func TestGateway_BudgetExceededSkipsInvoke(t *testing.T) {
	inv := &fakeInvoker{}
	gw := newGateway(t, inv, tiergate.WithDailyBudget(0.005))

	_, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrBudgetExceeded))
	assert.Empty(t, inv.Calls())
	assert.Zero(t, gw.Stats().Budget.Spend)
}

func TestGateway_BudgetExhaustedAfterSpend(t *testing.T) {
	inv := &fakeInvoker{}
	gw := newGateway(t, inv, tiergate.WithDailyBudget(0.02))

	for i := 0; i < 2; i++ {
		_, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
		require.NoError(t, err)
	}
	_, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
	assert.True(t, errors.Is(err, tgerrors.ErrBudgetExceeded))
	assert.Len(t, inv.Calls(), 2)
}

func TestGateway_InvalidRequest(t *testing.T) {
	gw := newGateway(t, &fakeInvoker{})

	req := textRequest("hello")
	req.QualityRequirement = 1.5
	_, err := gw.RouteAndExecute(context.Background(), req)
	assert.True(t, errors.Is(err, tgerrors.ErrInvalidRequest))

	_, err = gw.RouteAndExecute(context.Background(), tiergate.Request{Context: "no category"})
	assert.True(t, errors.Is(err, tgerrors.ErrInvalidRequest))
}

func TestGateway_BackendFailureIsWrapped(t *testing.T) {
	cause := errors.New("upstream 503")
	inv := &fakeInvoker{fn: func(context.Context, string) (*tiergate.BackendResult, error) {
		return nil, cause
	}}
	gw := newGateway(t, inv)

	_, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrBackendFailure))
	assert.True(t, errors.Is(err, cause))
	assert.Zero(t, gw.Stats().Budget.Spend)
}

func TestGateway_OpenCircuitSwapsTier(t *testing.T) {
	inv := &fakeInvoker{fn: func(_ context.Context, backend string) (*tiergate.BackendResult, error) {
		if backend == "small" {
			return nil, errors.New("small is down")
		}
		return &tiergate.BackendResult{Output: "from large"}, nil
	}}
	cb := tiergate.DefaultCircuitBreakerConfig()
	cb.FailureThreshold = 1
	cb.Timeout = time.Hour
	gw := newGateway(t, inv, tiergate.WithCircuitBreaker(cb))

	_, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
	require.Error(t, err)

	res, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "large", res.Backend)
	assert.Equal(t, tiergate.TierFallback, res.Tier)
	assert.Contains(t, res.Decision.Reason, "circuit open on small")
	assert.Equal(t, "small", res.Decision.FallbackBackend)
	assert.Equal(t, []string{"small", "large"}, inv.Calls())

	var open bool
	for _, b := range gw.Stats().Breakers {
		if b.Backend == "small" {
			open = b.State == "open"
		}
	}
	assert.True(t, open)
}

func TestGateway_OpenCircuitWithoutAffordableSwap(t *testing.T) {
	inv := &fakeInvoker{fn: func(_ context.Context, backend string) (*tiergate.BackendResult, error) {
		return nil, errors.New("down")
	}}
	cb := tiergate.DefaultCircuitBreakerConfig()
	cb.FailureThreshold = 1
	cb.Timeout = time.Hour
	gw := newGateway(t, inv, tiergate.WithCircuitBreaker(cb), tiergate.WithMaxRequestCost(0.05))

	_, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
	require.Error(t, err)

	// large costs more than the per-request cap, so the call stays on small
	// and is refused by its open breaker without reaching the invoker.
	_, err = gw.RouteAndExecute(context.Background(), textRequest("hello"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrBackendFailure))
	assert.Equal(t, []string{"small"}, inv.Calls())
}

func TestGateway_LowConfidenceRetry(t *testing.T) {
	inv := &fakeInvoker{fn: func(_ context.Context, backend string) (*tiergate.BackendResult, error) {
		if backend == "small" {
			return &tiergate.BackendResult{Output: "unsure", Confidence: ptr(0.5)}, nil
		}
		return &tiergate.BackendResult{Output: "sure", Confidence: ptr(0.97)}, nil
	}}
	costs := &costLog{}
	gw := newGateway(t, inv, tiergate.WithEscalateOnLowConfidence(true), tiergate.WithCostRecorder(costs))

	res, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
	require.NoError(t, err)

	assert.True(t, res.Retried)
	assert.Equal(t, "large", res.Backend)
	assert.Equal(t, "sure", res.Output)
	assert.Contains(t, res.Decision.Reason, "low confidence")
	assert.Equal(t, []string{"small", "large"}, inv.Calls())

	recs := costs.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "route_and_execute", recs[0].Operation)
	assert.Equal(t, "low_confidence_retry", recs[1].Operation)
	assert.Equal(t, recs[0].RequestID, recs[1].RequestID)
	assert.InDelta(t, smallCost+largeCost, gw.Stats().Budget.Spend, 1e-9)
}

func TestGateway_LowConfidenceRetryDisabled(t *testing.T) {
	inv := &fakeInvoker{fn: func(context.Context, string) (*tiergate.BackendResult, error) {
		return &tiergate.BackendResult{Output: "unsure", Confidence: ptr(0.1)}, nil
	}}
	gw := newGateway(t, inv)

	res, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
	require.NoError(t, err)
	assert.False(t, res.Retried)
	assert.Equal(t, []string{"small"}, inv.Calls())
}

func TestGateway_LowConfidenceRetryFailureKeepsPrimary(t *testing.T) {
	inv := &fakeInvoker{fn: func(_ context.Context, backend string) (*tiergate.BackendResult, error) {
		if backend == "large" {
			return nil, errors.New("large timed out")
		}
		return &tiergate.BackendResult{Output: "unsure", Confidence: ptr(0.5)}, nil
	}}
	gw := newGateway(t, inv, tiergate.WithEscalateOnLowConfidence(true))

	res, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
	require.NoError(t, err)
	assert.False(t, res.Retried)
	assert.Equal(t, "small", res.Backend)
	assert.Equal(t, "unsure", res.Output)
}

func TestGateway_ConcurrencyLimit(t *testing.T) {
	var active, peak atomic.Int64
	release := make(chan struct{})
	inv := &fakeInvoker{fn: func(ctx context.Context, backend string) (*tiergate.BackendResult, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer active.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &tiergate.BackendResult{Output: "done"}, nil
	}}
	gw := newGateway(t, inv, tiergate.WithMaxConcurrent(2))

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return active.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), active.Load())

	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(2), peak.Load())
	assert.Len(t, inv.Calls(), 5)
	assert.Equal(t, int64(5), gw.Stats().Admission.Succeeded)
}

func TestGateway_RouteIsDryRun(t *testing.T) {
	inv := &fakeInvoker{}
	gw := newGateway(t, inv)

	d, err := gw.Route(context.Background(), textRequest(strings.Repeat("word ", 3000)))
	require.NoError(t, err)
	assert.Equal(t, "large", d.SelectedBackend)
	assert.Contains(t, d.Reason, "content length")
	assert.Empty(t, inv.Calls())
	assert.Zero(t, gw.Stats().Budget.Spend)
}

func TestGateway_UnknownCategoryUsesDefault(t *testing.T) {
	gw := newGateway(t, &fakeInvoker{}, tiergate.WithCategory(tiergate.CategoryDefault, textTiers()))

	d, err := gw.Route(context.Background(), tiergate.Request{Category: "audio", Context: "transcribe"})
	require.NoError(t, err)
	assert.Equal(t, "small", d.SelectedBackend)
}

type qualityLog struct {
	mu      sync.Mutex
	entries []tiergate.QualityEntry
}

func (q *qualityLog) RecordQuality(_ context.Context, e tiergate.QualityEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, e)
	return nil
}

func TestGateway_RecordQuality(t *testing.T) {
	ql := &qualityLog{}
	gw := newGateway(t, &fakeInvoker{}, tiergate.WithQualityRecorder(ql))
	ctx := context.Background()

	ok, err := gw.RecordQuality(ctx, tiergate.QualityEntry{Category: "text_generation", Backend: "small", Score: 0.9})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gw.RecordQuality(ctx, tiergate.QualityEntry{Category: "text_generation", Backend: "small", Score: 0.3})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = gw.RecordQuality(ctx, tiergate.QualityEntry{Category: "text_generation", Backend: "small", Score: 1.5})
	assert.True(t, errors.Is(err, tgerrors.ErrInvalidRequest))

	assert.Len(t, ql.entries, 2)

	snap := gw.Stats().Quality
	require.Len(t, snap.Backends, 1)
	assert.Equal(t, "small", snap.Backends[0].Backend)
	assert.Equal(t, 2, snap.Backends[0].Samples)
}

func TestGateway_Stats(t *testing.T) {
	gw := newGateway(t, &fakeInvoker{}, tiergate.WithDailyBudget(10), tiergate.WithRouterMode(tiergate.ModeAdaptive))

	_, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
	require.NoError(t, err)

	s := gw.Stats()
	assert.Equal(t, tiergate.ModeAdaptive, s.Mode)
	assert.Equal(t, int64(1), s.Admission.Total)
	assert.InDelta(t, 10-smallCost, s.Budget.Remaining, 1e-9)
	assert.InDelta(t, 1.0, s.Multipliers[string(tiergate.CategoryText)], 1e-9)
}

func TestGateway_CloseRejectsNewWork(t *testing.T) {
	gw, err := tiergate.New(
		tiergate.WithCategory(tiergate.CategoryText, textTiers()),
		tiergate.WithInvoker(&fakeInvoker{}),
		tiergate.WithLogger(quietLogger()),
	)
	require.NoError(t, err)

	require.NoError(t, gw.Close(context.Background()))
	require.NoError(t, gw.Close(context.Background()))

	_, err = gw.RouteAndExecute(context.Background(), textRequest("hello"))
	assert.True(t, errors.Is(err, tgerrors.ErrShuttingDown))
}

func TestGateway_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	gw := newGateway(t, &fakeInvoker{}, tiergate.WithTracerProvider(tp))
	_, err := gw.RouteAndExecute(context.Background(), textRequest("hello"))
	require.NoError(t, err)

	names := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range sr.Ended() {
		names[s.Name()] = s
	}
	require.Contains(t, names, "tiergate.route_and_execute")
	require.Contains(t, names, "tiergate.route")
	require.Contains(t, names, "tiergate.admission")

	root := names["tiergate.route_and_execute"]
	assert.Equal(t, root.SpanContext().TraceID(), names["tiergate.admission"].SpanContext().TraceID())

	attrs := make(map[string]string)
	for _, kv := range root.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "small", attrs["tiergate.backend"])
	assert.Equal(t, "primary", attrs["tiergate.tier"])
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGateway_DebugLogRedactsContext(t *testing.T) {
	out := &lockedBuffer{}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	gw := newGateway(t, &fakeInvoker{}, tiergate.WithLogger(logger))

	_, err := gw.RouteAndExecute(context.Background(), textRequest("reply to alice@example.com please"))
	require.NoError(t, err)

	logs := out.String()
	assert.Contains(t, logs, "routing decision")
	assert.Contains(t, logs, "[REDACTED_EMAIL]")
	assert.NotContains(t, logs, "alice@example.com")
}

func TestGateway_CompletionAfterCallerTimeoutIsCharged(t *testing.T) {
	finished := make(chan struct{})
	inv := &fakeInvoker{fn: func(context.Context, string) (*tiergate.BackendResult, error) {
		defer close(finished)
		time.Sleep(150 * time.Millisecond)
		return &tiergate.BackendResult{Output: "late", Cost: 1}, nil
	}}
	costs := &costLog{}
	gw := newGateway(t, inv, tiergate.WithDailyBudget(10), tiergate.WithCostRecorder(costs))

	req := textRequest("hello")
	req.Timeout = 50 * time.Millisecond
	_, err := gw.RouteAndExecute(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrRequestTimedOut))

	<-finished
	require.Eventually(t, func() bool {
		return len(costs.Records()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 1.0, gw.Stats().Budget.Spend, 1e-9)
	assert.InDelta(t, 1.0, costs.Records()[0].Cost, 1e-9)
}

func TestGateway_RedeliveredRequestIsChargedOnce(t *testing.T) {
	inv := &fakeInvoker{fn: func(context.Context, string) (*tiergate.BackendResult, error) {
		return &tiergate.BackendResult{Output: "ok", Cost: 0.3}, nil
	}}
	costs := &costLog{}
	gw := newGateway(t, inv, tiergate.WithCostRecorder(costs))

	ctx := tiergate.ContextWithRequestID(context.Background(), "req-42")
	for i := 0; i < 2; i++ {
		res, err := gw.RouteAndExecute(ctx, textRequest("hello"))
		require.NoError(t, err)
		assert.Equal(t, "req-42", res.RequestID)
	}

	assert.Len(t, inv.Calls(), 2)
	assert.InDelta(t, 0.3, gw.Stats().Budget.Spend, 1e-9)
	require.Len(t, costs.Records(), 1)
	assert.Equal(t, "req-42", costs.Records()[0].RequestID)

	_, err := gw.RouteAndExecute(tiergate.ContextWithRequestID(context.Background(), "req-43"), textRequest("hello"))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, gw.Stats().Budget.Spend, 1e-9)
}
