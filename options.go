package tiergate

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/tiergate/internal/resilience"
)

// Options holds all configuration for a Gateway.
type Options struct {
	// Routing
	Categories              map[Category]TierConfig
	Indicators              map[Category][]string
	Mode                    RouterMode
	EscalateOnLowConfidence bool

	// Budget
	DailyLimit     float64 // USD, zero disables the cap
	MaxRequestCost float64 // USD, zero disables the per-request cap
	WarnThreshold  float64
	SpendStore     SpendStore

	// Admission
	RequestsPerMinute int
	Burst             int
	MaxConcurrent     int
	MaxQueueSize      int
	DefaultTimeout    time.Duration
	RateWait          time.Duration

	// Distributed admission (multi-instance deployments)
	DistributedLimiter DistributedLimiter
	DistributedLimit   int64
	DistributedKey     string

	// Quality
	QualityThreshold float64
	QualityWindow    int
	QualityHorizon   time.Duration
	TrendWindow      int

	// Pricing of reported tokens
	Pricing []BackendPricing

	// Circuit breaking
	CircuitBreakerEnabled bool
	CircuitBreaker        CircuitBreakerConfig

	// Collaborators
	Invoker         Invoker
	CostRecorder    CostRecorder
	QualityRecorder QualityRecorder

	// Observability
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Option is a function that configures the Gateway.
type Option func(*Options)

// defaultOptions returns sensible defaults.
func defaultOptions() *Options {
	return &Options{
		Categories:            make(map[Category]TierConfig),
		Indicators:            make(map[Category][]string),
		Mode:                  ModeStatic,
		DailyLimit:            100,
		WarnThreshold:         0.9,
		RequestsPerMinute:     60,
		MaxConcurrent:         10,
		MaxQueueSize:          100,
		DefaultTimeout:        30 * time.Second,
		RateWait:              5 * time.Second,
		DistributedKey:        "admission",
		CircuitBreakerEnabled: true,
		CircuitBreaker:        resilience.DefaultCircuitBreakerConfig(),
		Logger:                slog.Default(),
	}
}

// WithCategory configures the tiers of a category. Use CategoryDefault for
// categories without their own entry.
func WithCategory(category Category, tiers TierConfig) Option {
	return func(o *Options) {
		o.Categories[category] = tiers
	}
}

// WithCategoryIndicators replaces the complexity keywords of a category.
func WithCategoryIndicators(category Category, indicators []string) Option {
	return func(o *Options) {
		o.Indicators[category] = indicators
	}
}

// WithRouterMode selects static or adaptive routing.
func WithRouterMode(mode RouterMode) Option {
	return func(o *Options) {
		o.Mode = mode
	}
}

// WithEscalateOnLowConfidence retries a primary-tier result on the fallback
// tier when its reported confidence is below the tier's quality threshold.
func WithEscalateOnLowConfidence(enabled bool) Option {
	return func(o *Options) {
		o.EscalateOnLowConfidence = enabled
	}
}

// WithDailyBudget sets the daily spend limit in USD. Zero disables the cap.
func WithDailyBudget(limit float64) Option {
	return func(o *Options) {
		o.DailyLimit = limit
	}
}

// WithMaxRequestCost caps the estimated cost of any single request.
func WithMaxRequestCost(limit float64) Option {
	return func(o *Options) {
		o.MaxRequestCost = limit
	}
}

// WithBudgetWarnThreshold sets the utilization at which warnings start.
func WithBudgetWarnThreshold(threshold float64) Option {
	return func(o *Options) {
		o.WarnThreshold = threshold
	}
}

// WithSpendStore persists daily spend, e.g. NewRedisSpendStore.
func WithSpendStore(store SpendStore) Option {
	return func(o *Options) {
		o.SpendStore = store
	}
}

// WithRateLimit sets the admission rate. burst <= 0 uses rpm.
func WithRateLimit(rpm, burst int) Option {
	return func(o *Options) {
		o.RequestsPerMinute = rpm
		o.Burst = burst
	}
}

// WithMaxConcurrent sets how many backend calls may run at once.
func WithMaxConcurrent(n int) Option {
	return func(o *Options) {
		o.MaxConcurrent = n
	}
}

// WithMaxQueueSize bounds the admission queue.
func WithMaxQueueSize(n int) Option {
	return func(o *Options) {
		o.MaxQueueSize = n
	}
}

// WithDefaultTimeout sets the timeout of requests that do not set one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.DefaultTimeout = d
	}
}

// WithRateWait bounds how long a dispatch waits for a rate token.
func WithRateWait(d time.Duration) Option {
	return func(o *Options) {
		o.RateWait = d
	}
}

// WithDistributedLimiter adds a cluster-wide admission limit of limit
// requests per minute shared by every instance using the same key.
// Limiter errors fail open.
func WithDistributedLimiter(limiter DistributedLimiter, limit int64, key string) Option {
	return func(o *Options) {
		o.DistributedLimiter = limiter
		o.DistributedLimit = limit
		if key != "" {
			o.DistributedKey = key
		}
	}
}

// WithQuality configures the quality monitor. Zero values keep defaults.
func WithQuality(globalThreshold float64, window, trendWindow int, horizon time.Duration) Option {
	return func(o *Options) {
		o.QualityThreshold = globalThreshold
		o.QualityWindow = window
		o.TrendWindow = trendWindow
		o.QualityHorizon = horizon
	}
}

// WithPricing prices reported tokens per backend. Backends may use "*"
// wildcards.
func WithPricing(pricing ...BackendPricing) Option {
	return func(o *Options) {
		o.Pricing = append(o.Pricing, pricing...)
	}
}

// WithCircuitBreaker configures per-backend circuit breakers.
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(o *Options) {
		o.CircuitBreakerEnabled = true
		o.CircuitBreaker = cfg
	}
}

// WithoutCircuitBreaker disables circuit breaking.
func WithoutCircuitBreaker() Option {
	return func(o *Options) {
		o.CircuitBreakerEnabled = false
	}
}

// WithInvoker sets the backend invoker. Required.
func WithInvoker(inv Invoker) Option {
	return func(o *Options) {
		o.Invoker = inv
	}
}

// WithCostRecorder sets the cost recorder collaborator.
func WithCostRecorder(r CostRecorder) Option {
	return func(o *Options) {
		o.CostRecorder = r
	}
}

// WithQualityRecorder sets the quality recorder collaborator.
func WithQualityRecorder(r QualityRecorder) Option {
	return func(o *Options) {
		o.QualityRecorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithTracerProvider sets the tracer provider. The global provider is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}
