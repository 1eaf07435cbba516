// Package quality records observed output quality per backend and derives a
// time-decayed aggregate and a trend that feed adaptive routing.
package quality

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/blueberrycongee/tiergate/internal/metrics"
	tgerrors "github.com/blueberrycongee/tiergate/pkg/errors"
)

// Defaults used when Config fields are zero.
const (
	DefaultGlobalThreshold  = 0.7
	DefaultDegradationRatio = 0.8
	DefaultWindowSize       = 1000
	DefaultHorizon          = 24 * time.Hour
	DefaultFloorWeight      = 0.1
	DefaultTrendWindow      = 10
)

// Entry is one quality observation reported by a caller after scoring a
// backend's output.
type Entry struct {
	Category     string        `json:"category"`
	Backend      string        `json:"backend"`
	AgentID      string        `json:"agent_id,omitempty"`
	Score        float64       `json:"score"`
	Expected     float64       `json:"expected,omitempty"`
	Actual       float64       `json:"actual,omitempty"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Config configures a Monitor.
type Config struct {
	GlobalThreshold  float64       // minimum acceptable score
	DegradationRatio float64       // fraction of the backend mean below which a score fails
	WindowSize       int           // samples kept per backend
	Horizon          time.Duration // max sample age, also the decay horizon
	FloorWeight      float64       // weight of a sample at the horizon
	TrendWindow      int           // samples used by Snapshot trends
	Logger           *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.GlobalThreshold <= 0 {
		c.GlobalThreshold = DefaultGlobalThreshold
	}
	if c.DegradationRatio <= 0 {
		c.DegradationRatio = DefaultDegradationRatio
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.Horizon <= 0 {
		c.Horizon = DefaultHorizon
	}
	if c.FloorWeight <= 0 || c.FloorWeight > 1 {
		c.FloorWeight = DefaultFloorWeight
	}
	if c.TrendWindow <= 0 {
		c.TrendWindow = DefaultTrendWindow
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type sample struct {
	at    time.Time
	score float64
}

// backendStats is guarded by its own mutex so backends never contend.
type backendStats struct {
	mu      sync.Mutex
	samples []sample
	count   int64
	mean    float64
}

type categoryStats struct {
	mu    sync.Mutex
	count int64
	mean  float64
}

// Monitor tracks quality per backend and per category.
type Monitor struct {
	cfg Config

	mu         sync.RWMutex // guards the maps, not their values
	backends   map[string]*backendStats
	categories map[string]*categoryStats

	now func() time.Time
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:        cfg,
		backends:   make(map[string]*backendStats),
		categories: make(map[string]*categoryStats),
		now:        time.Now,
	}
}

// GlobalThreshold returns the configured minimum acceptable score.
func (m *Monitor) GlobalThreshold() float64 {
	return m.cfg.GlobalThreshold
}

func (m *Monitor) backend(name string, create bool) *backendStats {
	m.mu.RLock()
	b := m.backends[name]
	m.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b = m.backends[name]; b == nil {
		b = &backendStats{samples: make([]sample, 0, min(m.cfg.WindowSize, 64))}
		m.backends[name] = b
	}
	return b
}

func (m *Monitor) category(name string) *categoryStats {
	m.mu.RLock()
	c := m.categories[name]
	m.mu.RUnlock()
	if c != nil {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c = m.categories[name]; c == nil {
		c = &categoryStats{}
		m.categories[name] = c
	}
	return c
}

// Record appends an observation. Scores must lie in [0,1].
func (m *Monitor) Record(e Entry) error {
	if e.Backend == "" {
		return tgerrors.NewInvalidRequest("quality entry requires a backend")
	}
	if math.IsNaN(e.Score) || e.Score < 0 || e.Score > 1 {
		return tgerrors.NewInvalidRequest("quality score must be within [0,1]")
	}
	now := m.now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}

	b := m.backend(e.Backend, true)
	b.mu.Lock()
	b.samples = append(b.samples, sample{at: e.Timestamp, score: e.Score})
	if over := len(b.samples) - m.cfg.WindowSize; over > 0 {
		b.samples = append(b.samples[:0], b.samples[over:]...)
	}
	m.pruneLocked(b, now)
	b.count++
	b.mean += (e.Score - b.mean) / float64(b.count)
	agg, ok := m.aggregateLocked(b, now)
	b.mu.Unlock()

	if ok {
		metrics.SetQualityAggregate(e.Backend, agg)
	}

	if e.Category != "" {
		c := m.category(e.Category)
		c.mu.Lock()
		c.count++
		c.mean += (e.Score - c.mean) / float64(c.count)
		c.mu.Unlock()
	}
	return nil
}

// pruneLocked drops samples older than the horizon. Caller holds b.mu.
func (m *Monitor) pruneLocked(b *backendStats, now time.Time) {
	cutoff := now.Add(-m.cfg.Horizon)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

// Validate reports whether score is acceptable for backend. It fails below
// the global threshold, or below DegradationRatio of the backend's running
// mean once the backend has history.
func (m *Monitor) Validate(category, backend string, score float64) bool {
	ok := score >= m.cfg.GlobalThreshold
	if ok {
		if mean, has := m.BackendMean(backend); has && score < m.cfg.DegradationRatio*mean {
			ok = false
		}
	}
	if !ok {
		metrics.QualityValidationFailures.WithLabelValues(category, backend).Inc()
	}
	return ok
}

// BackendMean returns the all-time running mean for backend.
func (m *Monitor) BackendMean(backend string) (float64, bool) {
	b := m.backend(backend, false)
	if b == nil {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mean, b.count > 0
}

// CategoryMean returns the all-time running mean for category.
func (m *Monitor) CategoryMean(category string) (float64, bool) {
	m.mu.RLock()
	c := m.categories[category]
	m.mu.RUnlock()
	if c == nil {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mean, c.count > 0
}

// Aggregate returns the time-decayed weighted mean of backend's window.
// Weights fall linearly from 1.0 for a fresh sample to FloorWeight at the
// horizon.
func (m *Monitor) Aggregate(backend string) (float64, bool) {
	b := m.backend(backend, false)
	if b == nil {
		return 0, false
	}
	now := m.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	m.pruneLocked(b, now)
	return m.aggregateLocked(b, now)
}

func (m *Monitor) aggregateLocked(b *backendStats, now time.Time) (float64, bool) {
	if len(b.samples) == 0 {
		return 0, false
	}
	horizon := m.cfg.Horizon.Seconds()
	floor := m.cfg.FloorWeight

	var sum, weights float64
	for _, s := range b.samples {
		age := now.Sub(s.at).Seconds()
		if age < 0 {
			age = 0
		}
		w := math.Max(floor, 1-(1-floor)*age/horizon)
		sum += w * s.score
		weights += w
	}
	return sum / weights, true
}

// Trend classifies the last window samples of backend. It is TrendUnknown
// until window samples exist.
func (m *Monitor) Trend(backend string, window int) Trend {
	b := m.backend(backend, false)
	if b == nil {
		return TrendUnknown
	}
	now := m.now()
	b.mu.Lock()
	m.pruneLocked(b, now)
	if window < minTrendSamples || len(b.samples) < window {
		b.mu.Unlock()
		return TrendUnknown
	}
	scores := make([]float64, window)
	for i, s := range b.samples[len(b.samples)-window:] {
		scores[i] = s.score
	}
	b.mu.Unlock()

	return classify(scores)
}

// BackendSnapshot is the state of one backend for stats endpoints.
type BackendSnapshot struct {
	Backend   string  `json:"backend"`
	Samples   int     `json:"samples"`
	Count     int64   `json:"count"`
	Mean      float64 `json:"mean"`
	Aggregate float64 `json:"aggregate"`
	Trend     string  `json:"trend"`
}

// CategorySnapshot is the state of one category.
type CategorySnapshot struct {
	Category string  `json:"category"`
	Count    int64   `json:"count"`
	Mean     float64 `json:"mean"`
}

// Snapshot is a point-in-time view of every tracked backend and category.
type Snapshot struct {
	Backends   []BackendSnapshot  `json:"backends"`
	Categories []CategorySnapshot `json:"categories"`
}

// Snapshot returns every backend and category sorted by name.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	backends := make([]string, 0, len(m.backends))
	for name := range m.backends {
		backends = append(backends, name)
	}
	categories := make(map[string]*categoryStats, len(m.categories))
	for name, c := range m.categories {
		categories[name] = c
	}
	m.mu.RUnlock()
	sort.Strings(backends)

	var out Snapshot
	for _, name := range backends {
		agg, _ := m.Aggregate(name)
		b := m.backend(name, false)
		b.mu.Lock()
		bs := BackendSnapshot{Backend: name, Samples: len(b.samples), Count: b.count, Mean: b.mean, Aggregate: agg}
		b.mu.Unlock()
		bs.Trend = m.Trend(name, m.cfg.TrendWindow).String()
		out.Backends = append(out.Backends, bs)
	}
	for name, c := range categories {
		c.mu.Lock()
		out.Categories = append(out.Categories, CategorySnapshot{Category: name, Count: c.count, Mean: c.mean})
		c.mu.Unlock()
	}
	sort.Slice(out.Categories, func(i, j int) bool {
		return out.Categories[i].Category < out.Categories[j].Category
	})
	return out
}
