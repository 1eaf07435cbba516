package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/blueberrycongee/tiergate"
	"github.com/blueberrycongee/tiergate/internal/backend"
	"github.com/blueberrycongee/tiergate/internal/config"
)

var errNilConfig = errors.New("config is nil")

const redisPingTimeout = 2 * time.Second

// deps are built once per process and shared by every gateway the server
// builds, so spend survives config reloads.
type deps struct {
	redis      redis.UniversalClient
	spend      tiergate.SpendStore
	httpClient *http.Client
	logger     *slog.Logger
}

func newDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*deps, error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	d := &deps{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:     logger,
	}

	if cfg.Redis.Enabled() {
		d.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addresses(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := d.redis.Ping(pingCtx).Err(); err != nil {
			// spend store and limiter fail open while redis is down
			logger.Warn("redis not reachable at startup", "addrs", cfg.Redis.Addresses(), "error", err)
		}
	}

	switch cfg.Budget.Store {
	case "redis":
		if d.redis == nil {
			return nil, errors.New("budget.store is redis but redis is not configured")
		}
		d.spend = tiergate.NewRedisSpendStore(d.redis, cfg.Budget.KeyPrefix)
	default:
		d.spend = tiergate.NewMemorySpendStore()
	}
	return d, nil
}

func (d *deps) Close() error {
	if d.redis != nil {
		return d.redis.Close()
	}
	return nil
}

// buildGateway constructs a Gateway from cfg.
func buildGateway(cfg *config.Config, d *deps) (*tiergate.Gateway, error) {
	opts, err := gatewayOptions(cfg, d)
	if err != nil {
		return nil, err
	}
	return tiergate.New(opts...)
}

func gatewayOptions(cfg *config.Config, d *deps) ([]tiergate.Option, error) {
	if cfg == nil {
		return nil, errNilConfig
	}

	opts := []tiergate.Option{
		tiergate.WithRouterMode(routerMode(cfg.Router.Mode)),
		tiergate.WithEscalateOnLowConfidence(cfg.Router.EscalateOnLowConfidence),
		tiergate.WithDailyBudget(cfg.Budget.DailyLimit),
		tiergate.WithMaxRequestCost(cfg.Budget.MaxRequestCost),
		tiergate.WithBudgetWarnThreshold(cfg.Budget.WarnThreshold),
		tiergate.WithRateLimit(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		tiergate.WithMaxConcurrent(cfg.RateLimit.MaxConcurrentRequests),
		tiergate.WithMaxQueueSize(cfg.RateLimit.MaxQueueSize),
		tiergate.WithDefaultTimeout(cfg.RateLimit.DefaultTimeout),
		tiergate.WithRateWait(cfg.RateLimit.RateWait),
		tiergate.WithQuality(cfg.Quality.GlobalThreshold, cfg.Quality.Window, cfg.Quality.TrendWindow, cfg.Quality.Horizon),
		tiergate.WithPricing(cfg.Pricing...),
		tiergate.WithInvoker(newInvoker(cfg, d)),
		tiergate.WithLogger(d.logger),
	}

	for name, c := range cfg.Categories {
		category := tiergate.Category(name)
		opts = append(opts, tiergate.WithCategory(category, tiergate.TierConfig{
			Primary:             backendConfig(c.Primary),
			Fallback:            backendConfig(c.Fallback),
			EscalationThreshold: c.EscalationThreshold,
			LengthThreshold:     c.LengthThreshold,
		}))
		if len(c.Indicators) > 0 {
			opts = append(opts, tiergate.WithCategoryIndicators(category, c.Indicators))
		}
	}

	if d.spend != nil {
		opts = append(opts, tiergate.WithSpendStore(d.spend))
	}

	if cfg.RateLimit.Distributed {
		if d.redis == nil {
			return nil, errors.New("rate_limit.distributed requires redis")
		}
		opts = append(opts, tiergate.WithDistributedLimiter(
			tiergate.NewRedisLimiter(d.redis, ""),
			cfg.RateLimit.DistributedLimit,
			cfg.RateLimit.DistributedKey,
		))
	}
	return opts, nil
}

func routerMode(s string) tiergate.RouterMode {
	if s == string(tiergate.ModeAdaptive) {
		return tiergate.ModeAdaptive
	}
	return tiergate.ModeStatic
}

func backendConfig(t config.TierBackend) tiergate.BackendConfig {
	return tiergate.BackendConfig{
		Backend:          t.Backend,
		CostModel:        t.CostModel,
		QualityThreshold: t.QualityThreshold,
	}
}

func newInvoker(cfg *config.Config, d *deps) *backend.HTTPInvoker {
	endpoints := make(map[string]backend.Endpoint, len(cfg.Backends))
	for id, b := range cfg.Backends {
		ep := backend.Endpoint{
			URL:     b.URL,
			Timeout: b.Timeout,
			Headers: b.Headers,
		}
		if b.OAuth2 != nil {
			ep.OAuth2 = &clientcredentials.Config{
				ClientID:     b.OAuth2.ClientID,
				ClientSecret: b.OAuth2.ClientSecret,
				TokenURL:     b.OAuth2.TokenURL,
				Scopes:       b.OAuth2.Scopes,
			}
		}
		endpoints[id] = ep
	}
	inv := backend.NewHTTPInvoker(endpoints,
		backend.WithHTTPClient(d.httpClient),
		backend.WithLogger(d.logger),
	)
	d.logger.Debug("backend invoker configured", "backends", inv.Backends())
	return inv
}
