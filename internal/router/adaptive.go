package router

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blueberrycongee/tiergate/internal/analysis"
	"github.com/blueberrycongee/tiergate/internal/metrics"
	"github.com/blueberrycongee/tiergate/internal/quality"
)

// Mode selects whether quality feedback adjusts escalation.
type Mode string

const (
	ModeStatic   Mode = "static"
	ModeAdaptive Mode = "adaptive"
)

// Multipliers applied to the escalation threshold of a category whose
// primary backend is declining.
const (
	multiplierBelowThreshold = 0.8
	multiplierDeclining      = 0.9
	multiplierNeutral        = 1.0
)

// QualitySource is the read side of the quality monitor.
type QualitySource interface {
	Trend(backend string, window int) quality.Trend
	Aggregate(backend string) (float64, bool)
}

// adaptive holds per-category escalation multipliers recomputed from quality
// state every 50 routed requests or once a minute.
type adaptive struct {
	mu          sync.RWMutex
	multipliers map[analysis.Category]float64

	every       rate.Sometimes
	source      QualitySource
	trendWindow int
	logger      *slog.Logger
}

func newAdaptive(source QualitySource, trendWindow int, logger *slog.Logger) *adaptive {
	if trendWindow <= 0 {
		trendWindow = quality.DefaultTrendWindow
	}
	return &adaptive{
		multipliers: make(map[analysis.Category]float64),
		every:       rate.Sometimes{First: 1, Every: 50, Interval: time.Minute},
		source:      source,
		trendWindow: trendWindow,
		logger:      logger,
	}
}

// multiplierFor maps a primary backend's quality state to a multiplier.
func multiplierFor(trend quality.Trend, aggregate float64, hasAggregate bool, threshold float64) float64 {
	if trend != quality.TrendDeclining {
		return multiplierNeutral
	}
	if hasAggregate && aggregate < threshold {
		return multiplierBelowThreshold
	}
	return multiplierDeclining
}

// tick recomputes multipliers when the throttle allows.
func (a *adaptive) tick(tiers map[analysis.Category]TierConfig) {
	a.every.Do(func() { a.recompute(tiers) })
}

func (a *adaptive) recompute(tiers map[analysis.Category]TierConfig) {
	next := make(map[analysis.Category]float64, len(tiers))
	for category, tc := range tiers {
		backend := tc.Primary.Backend
		threshold := tc.Primary.QualityThreshold
		if threshold <= 0 {
			threshold = quality.DefaultGlobalThreshold
		}
		agg, ok := a.source.Aggregate(backend)
		next[category] = multiplierFor(a.source.Trend(backend, a.trendWindow), agg, ok, threshold)
	}

	a.mu.Lock()
	prev := a.multipliers
	a.multipliers = next
	a.mu.Unlock()

	for category, m := range next {
		metrics.SetEscalationMultiplier(string(category), m)
		if old, ok := prev[category]; (ok && old != m) || (!ok && m != multiplierNeutral) {
			a.logger.Info("escalation multiplier changed",
				"category", string(category),
				"backend", tiers[category].Primary.Backend,
				"multiplier", m)
		}
	}
}

func (a *adaptive) multiplier(category analysis.Category) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if m, ok := a.multipliers[category]; ok {
		return m
	}
	return multiplierNeutral
}

func (a *adaptive) snapshot() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]float64, len(a.multipliers))
	for c, m := range a.multipliers {
		out[string(c)] = m
	}
	return out
}
