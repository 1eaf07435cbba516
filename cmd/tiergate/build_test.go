package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/tiergate"
	"github.com/blueberrycongee/tiergate/internal/config"
	"github.com/blueberrycongee/tiergate/internal/pricing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig(backendURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Categories = map[string]config.CategoryConfig{
		"text_generation": {
			Primary: config.TierBackend{
				Backend:   "cheap",
				CostModel: pricing.CostModel{Kind: pricing.KindPerCall, PerCall: 0.01},
			},
			Fallback: config.TierBackend{
				Backend:   "premium",
				CostModel: pricing.CostModel{Kind: pricing.KindPerCall, PerCall: 0.2},
			},
			EscalationThreshold: 0.8,
		},
	}
	cfg.Backends = map[string]config.BackendEndpoint{
		"cheap":   {URL: backendURL, Timeout: time.Second},
		"premium": {URL: backendURL, Timeout: time.Second},
	}
	cfg.RateLimit.RequestsPerMinute = 6000
	return cfg
}

func TestBuildGateway_ExecutesThroughHTTPInvoker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"output":"done","cost":0.004}`))
	}))
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	d, err := newDeps(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer d.Close()

	gw, err := buildGateway(cfg, d)
	require.NoError(t, err)
	defer gw.Close(context.Background())

	res, err := gw.RouteAndExecute(context.Background(), tiergate.Request{
		Category: tiergate.CategoryText,
		Context:  "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, "cheap", res.Backend)
	assert.InDelta(t, 0.004, res.Cost, 1e-9)
}

func TestBuildGateway_SpendSurvivesRebuild(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"output":"done","cost":0.5}`))
	}))
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	d, err := newDeps(context.Background(), cfg, quietLogger())
	require.NoError(t, err)

	first, err := buildGateway(cfg, d)
	require.NoError(t, err)
	_, err = first.RouteAndExecute(context.Background(), tiergate.Request{Category: tiergate.CategoryText, Context: "x"})
	require.NoError(t, err)
	require.NoError(t, first.Close(context.Background()))

	second, err := buildGateway(cfg, d)
	require.NoError(t, err)
	defer second.Close(context.Background())
	assert.InDelta(t, 0.5, second.Stats().Budget.Spend, 1e-9)
}

func TestNewDeps_RedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := baseConfig("http://unused")
	cfg.Redis.Addr = mr.Addr()
	cfg.Budget.Store = "redis"
	cfg.RateLimit.Distributed = true
	cfg.RateLimit.DistributedLimit = 100

	d, err := newDeps(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer d.Close()
	require.NotNil(t, d.redis)
	assert.Equal(t, "redis", d.spend.Name())

	opts, err := gatewayOptions(cfg, d)
	require.NoError(t, err)
	assert.NotEmpty(t, opts)
}

func TestNewDeps_RedisStoreWithoutRedis(t *testing.T) {
	cfg := baseConfig("http://unused")
	cfg.Budget.Store = "redis"

	_, err := newDeps(context.Background(), cfg, quietLogger())
	assert.Error(t, err)
}

func TestGatewayOptions_DistributedWithoutRedis(t *testing.T) {
	cfg := baseConfig("http://unused")
	cfg.RateLimit.Distributed = true
	cfg.RateLimit.DistributedLimit = 10

	_, err := gatewayOptions(cfg, &deps{logger: quietLogger()})
	assert.Error(t, err)
}

func TestGatewayOptions_NilConfig(t *testing.T) {
	_, err := gatewayOptions(nil, &deps{})
	assert.ErrorIs(t, err, errNilConfig)
}

func TestRouterMode(t *testing.T) {
	assert.Equal(t, tiergate.ModeAdaptive, routerMode("adaptive"))
	assert.Equal(t, tiergate.ModeStatic, routerMode("static"))
	assert.Equal(t, tiergate.ModeStatic, routerMode(""))
}

func TestNewHTTPHandler_MountsMetrics(t *testing.T) {
	cfg := baseConfig("http://unused")
	d := &deps{logger: quietLogger(), spend: tiergate.NewMemorySpendStore()}
	gw, err := buildGateway(cfg, d)
	require.NoError(t, err)

	h := newHTTPHandler(cfg, newTestAPIHandler(gw))
	t.Cleanup(func() { _ = gw.Close(context.Background()) })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tiergate_")
}
