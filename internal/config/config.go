// Package config loads the gateway configuration from YAML and watches the
// file so the server can rebuild its gateway without a restart.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/tiergate/internal/observability"
	"github.com/blueberrycongee/tiergate/internal/pricing"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Categories map[string]CategoryConfig   `yaml:"categories"`
	Budget     BudgetConfig                `yaml:"budget"`
	RateLimit  RateLimitConfig             `yaml:"rate_limit"`
	Quality    QualityConfig               `yaml:"quality"`
	Router     RouterConfig                `yaml:"router"`
	Redis      RedisConfig                 `yaml:"redis"`
	Backends   map[string]BackendEndpoint  `yaml:"backends"`
	Pricing    []pricing.BackendPricing    `yaml:"pricing"`
	Logging    observability.LoggingConfig `yaml:"logging"`
	Metrics    MetricsConfig               `yaml:"metrics"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TierBackend is one tier of a category.
type TierBackend struct {
	Backend          string            `yaml:"backend"`
	CostModel        pricing.CostModel `yaml:"cost_model"`
	QualityThreshold float64           `yaml:"quality_threshold"`
}

// CategoryConfig defines the two tiers of a task category.
type CategoryConfig struct {
	Primary             TierBackend `yaml:"primary"`
	Fallback            TierBackend `yaml:"fallback"`
	EscalationThreshold float64     `yaml:"escalation_threshold"`
	LengthThreshold     int         `yaml:"length_threshold"` // words, 0 = category default
	Indicators          []string    `yaml:"indicators"`       // replaces the built-in keywords
}

// BudgetConfig contains daily spend settings.
type BudgetConfig struct {
	DailyLimit     float64 `yaml:"daily_limit"`      // USD, 0 = uncapped
	MaxRequestCost float64 `yaml:"max_request_cost"` // USD, 0 = no per-request cap
	WarnThreshold  float64 `yaml:"warn_threshold"`
	Store          string  `yaml:"store"` // memory, redis
	KeyPrefix      string  `yaml:"key_prefix"`
}

// RateLimitConfig defines admission parameters.
type RateLimitConfig struct {
	RequestsPerMinute     int           `yaml:"requests_per_minute"`
	Burst                 int           `yaml:"burst"`
	MaxConcurrentRequests int           `yaml:"max_concurrent_requests"`
	MaxQueueSize          int           `yaml:"max_queue_size"`
	DefaultTimeout        time.Duration `yaml:"default_timeout"`
	RateWait              time.Duration `yaml:"rate_wait"`
	Distributed           bool          `yaml:"distributed"`
	DistributedLimit      int64         `yaml:"distributed_limit"` // cluster-wide per minute
	DistributedKey        string        `yaml:"distributed_key"`
}

// QualityConfig contains quality monitor settings.
type QualityConfig struct {
	GlobalThreshold float64       `yaml:"global_threshold"`
	Window          int           `yaml:"window"`
	TrendWindow     int           `yaml:"trend_window"`
	Horizon         time.Duration `yaml:"horizon"`
}

// RouterConfig contains routing behavior switches.
type RouterConfig struct {
	Mode                    string `yaml:"mode"` // static, adaptive
	EscalateOnLowConfidence bool   `yaml:"escalate_on_low_confidence"`
}

// RedisConfig describes the Redis deployment shared by the spend store and
// the distributed limiter.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Addrs    []string `yaml:"addrs"` // cluster or sentinel
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

// Enabled reports whether any address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != "" || len(r.Addrs) > 0
}

// Addresses returns every configured address.
func (r RedisConfig) Addresses() []string {
	if len(r.Addrs) > 0 {
		return r.Addrs
	}
	if r.Addr != "" {
		return []string{r.Addr}
	}
	return nil
}

// BackendEndpoint is where the HTTP invoker reaches a backend.
type BackendEndpoint struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
	OAuth2  *OAuth2Config     `yaml:"oauth2"`
}

// OAuth2Config enables the client-credentials flow for a backend.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults. Categories
// are left empty; at least one must be configured.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Budget: BudgetConfig{
			DailyLimit:    100,
			WarnThreshold: 0.9,
			Store:         "memory",
			KeyPrefix:     "tiergate:spend",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute:     60,
			Burst:                 10,
			MaxConcurrentRequests: 10,
			MaxQueueSize:          100,
			DefaultTimeout:        30 * time.Second,
			RateWait:              5 * time.Second,
			DistributedKey:        "admission",
		},
		Quality: QualityConfig{
			GlobalThreshold: 0.7,
			Window:          1000,
			TrendWindow:     10,
			Horizon:         24 * time.Hour,
		},
		Router: RouterConfig{
			Mode: "static",
		},
		Logging: observability.LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration on top of DefaultConfig and validates it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Categories) == 0 {
		return fmt.Errorf("at least one category must be configured")
	}
	for name, cat := range c.Categories {
		if err := cat.validate(); err != nil {
			return fmt.Errorf("categories.%s: %w", name, err)
		}
	}

	if c.Budget.DailyLimit < 0 {
		return fmt.Errorf("budget.daily_limit cannot be negative")
	}
	if c.Budget.MaxRequestCost < 0 {
		return fmt.Errorf("budget.max_request_cost cannot be negative")
	}
	if c.Budget.WarnThreshold < 0 || c.Budget.WarnThreshold > 1 {
		return fmt.Errorf("budget.warn_threshold must be within [0,1]")
	}
	switch c.Budget.Store {
	case "", "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("budget.store is redis but no redis address is configured")
		}
	default:
		return fmt.Errorf("unknown budget.store %q", c.Budget.Store)
	}

	rl := c.RateLimit
	if rl.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive")
	}
	if rl.Burst < 0 {
		return fmt.Errorf("rate_limit.burst cannot be negative")
	}
	if rl.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("rate_limit.max_concurrent_requests must be positive")
	}
	if rl.MaxQueueSize <= 0 {
		return fmt.Errorf("rate_limit.max_queue_size must be positive")
	}
	if rl.DefaultTimeout <= 0 {
		return fmt.Errorf("rate_limit.default_timeout must be positive")
	}
	if rl.RateWait < 0 {
		return fmt.Errorf("rate_limit.rate_wait cannot be negative")
	}
	if rl.Distributed {
		if !c.Redis.Enabled() {
			return fmt.Errorf("rate_limit.distributed requires a redis address")
		}
		if rl.DistributedLimit <= 0 {
			return fmt.Errorf("rate_limit.distributed_limit must be positive")
		}
	}

	if c.Quality.GlobalThreshold < 0 || c.Quality.GlobalThreshold > 1 {
		return fmt.Errorf("quality.global_threshold must be within [0,1]")
	}
	if c.Quality.Window < 0 || c.Quality.TrendWindow < 0 || c.Quality.Horizon < 0 {
		return fmt.Errorf("quality window settings cannot be negative")
	}

	switch strings.ToLower(c.Router.Mode) {
	case "", "static", "adaptive":
	default:
		return fmt.Errorf("unknown router.mode %q", c.Router.Mode)
	}

	for id, b := range c.Backends {
		if b.URL == "" {
			return fmt.Errorf("backends.%s: url is required", id)
		}
		if b.Timeout < 0 {
			return fmt.Errorf("backends.%s: timeout cannot be negative", id)
		}
		if b.OAuth2 != nil && (b.OAuth2.TokenURL == "" || b.OAuth2.ClientID == "") {
			return fmt.Errorf("backends.%s: oauth2 requires token_url and client_id", id)
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0,1]")
	}

	return nil
}

func (c CategoryConfig) validate() error {
	if c.Primary.Backend == "" {
		return fmt.Errorf("primary.backend is required")
	}
	if c.Fallback.Backend == "" {
		return fmt.Errorf("fallback.backend is required")
	}
	if err := c.Primary.CostModel.Validate(); err != nil {
		return fmt.Errorf("primary.cost_model: %w", err)
	}
	if err := c.Fallback.CostModel.Validate(); err != nil {
		return fmt.Errorf("fallback.cost_model: %w", err)
	}
	if c.EscalationThreshold < 0 || c.EscalationThreshold > 1 {
		return fmt.Errorf("escalation_threshold must be within [0,1]")
	}
	for _, q := range []float64{c.Primary.QualityThreshold, c.Fallback.QualityThreshold} {
		if q < 0 || q > 1 {
			return fmt.Errorf("quality_threshold must be within [0,1]")
		}
	}
	return nil
}

// Warning codes returned by Warnings.
const (
	WarningUncappedBudget     = "budget_uncapped"
	WarningMemorySpendStore   = "spend_not_persisted"
	WarningAdaptiveTrendShort = "adaptive_trend_window_short"
	WarningMissingBackendURL  = "backend_url_missing"
)

// Warning is a configuration that is valid but probably unintended.
type Warning struct {
	Code    string
	Message string
}

// Warnings lists risky but valid settings.
func (c *Config) Warnings() []Warning {
	var out []Warning
	if c.Budget.DailyLimit == 0 {
		out = append(out, Warning{
			Code:    WarningUncappedBudget,
			Message: "budget.daily_limit is 0: spend is not capped",
		})
	} else if c.Budget.Store == "" || c.Budget.Store == "memory" {
		out = append(out, Warning{
			Code:    WarningMemorySpendStore,
			Message: "budget.store is memory: a restart resets today's spend",
		})
	}
	if strings.EqualFold(c.Router.Mode, "adaptive") && c.Quality.TrendWindow > 0 && c.Quality.TrendWindow < 3 {
		out = append(out, Warning{
			Code:    WarningAdaptiveTrendShort,
			Message: "quality.trend_window below 3 never yields a trend",
		})
	}
	if len(c.Backends) > 0 {
		for name, cat := range c.Categories {
			for _, b := range []string{cat.Primary.Backend, cat.Fallback.Backend} {
				if _, ok := c.Backends[b]; !ok {
					out = append(out, Warning{
						Code:    WarningMissingBackendURL,
						Message: fmt.Sprintf("categories.%s uses backend %q with no url in backends", name, b),
					})
				}
			}
		}
	}
	return out
}
