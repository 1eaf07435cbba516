// Package budget tracks spend against a daily cap that resets at UTC midnight.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/tiergate/internal/metrics"
	tgerrors "github.com/blueberrycongee/tiergate/pkg/errors"
)

// epsilon absorbs float drift when comparing spend to the limit.
const epsilon = 1e-9

const (
	defaultWarnThreshold  = 0.9
	defaultIdempotencyTTL = 24 * time.Hour
	storeTimeout          = 2 * time.Second
)

// Config configures a Ledger.
type Config struct {
	// DailyLimit in USD. Zero or negative disables the cap.
	DailyLimit float64
	// WarnThreshold is the utilization at which warnings start. Default 0.9.
	WarnThreshold float64
	// IdempotencyTTL is how long a RecordActual key is remembered. Default 24h.
	IdempotencyTTL time.Duration
	// Store persists spend. Nil keeps spend in memory only.
	Store  Store
	Logger *slog.Logger
}

// Ledger is the running account of today's spend.
type Ledger struct {
	mu       sync.Mutex
	limit    float64
	spend    float64
	day      time.Time // start of the current UTC day
	boundary time.Time // next UTC midnight

	warnThreshold float64
	warnOnce      rate.Sometimes
	seen          *cache.Cache
	seenTTL       time.Duration
	store         Store
	logger        *slog.Logger
	now           func() time.Time
}

// NewLedger creates a ledger and restores today's spend from the store.
// A store error is logged and the ledger starts from zero.
func NewLedger(ctx context.Context, cfg Config) *Ledger {
	return newLedgerWithClock(ctx, cfg, time.Now)
}

func newLedgerWithClock(ctx context.Context, cfg Config, now func() time.Time) *Ledger {
	if cfg.WarnThreshold <= 0 || cfg.WarnThreshold > 1 {
		cfg.WarnThreshold = defaultWarnThreshold
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Ledger{
		limit:         cfg.DailyLimit,
		warnThreshold: cfg.WarnThreshold,
		warnOnce:      rate.Sometimes{First: 1, Interval: time.Minute},
		seen:          cache.New(cfg.IdempotencyTTL, cfg.IdempotencyTTL/2),
		seenTTL:       cfg.IdempotencyTTL,
		store:         cfg.Store,
		logger:        cfg.Logger,
		now:           now,
	}
	l.day, l.boundary = dayBounds(now())

	if l.store != nil {
		loadCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		spend, err := l.store.Load(loadCtx, l.day)
		cancel()
		if err != nil {
			metrics.SpendStoreErrors.WithLabelValues(l.store.Name(), "load").Inc()
			l.logger.Warn("failed to restore spend, starting from zero", "store", l.store.Name(), "error", err)
		} else {
			l.spend = spend
		}
	}
	metrics.SetBudget(l.spend, l.limit)
	return l
}

// dayBounds returns the UTC midnight starting t's day and the next one.
func dayBounds(t time.Time) (time.Time, time.Time) {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// rollover resets spend when the boundary has passed. Caller must hold mu.
func (l *Ledger) rollover() {
	now := l.now()
	if now.Before(l.boundary) {
		return
	}
	prev := l.spend
	l.day, l.boundary = dayBounds(now)
	l.spend = 0
	metrics.SetBudget(0, l.limit)
	l.logger.Info("budget day rolled over", "previous_spend", prev, "next_reset", l.boundary)
}

// CheckAndReserve fails with a budget-exceeded error once today's spend has
// reached the limit, and warns once utilization crosses the warn threshold.
func (l *Ledger) CheckAndReserve() error {
	l.mu.Lock()
	l.rollover()
	spend, limit := l.spend, l.limit
	l.mu.Unlock()

	if limit <= 0 {
		return nil
	}
	if spend >= limit-epsilon {
		metrics.BudgetRejections.Inc()
		return tgerrors.NewBudgetExceeded("", "",
			fmt.Sprintf("daily budget exhausted: spent %.4f of %.4f USD", spend, limit))
	}
	if util := spend / limit; util >= l.warnThreshold {
		l.warnOnce.Do(func() {
			metrics.BudgetWarnings.Inc()
			l.logger.Warn("daily budget nearly exhausted",
				"spend", spend,
				"limit", limit,
				"utilization", util)
		})
	}
	return nil
}

// RecordActual adds the real cost of a completed call. A non-empty key that
// was already recorded within the idempotency window is ignored. Reports
// whether the cost was added.
func (l *Ledger) RecordActual(key string, cost float64) bool {
	if cost < 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		return false
	}
	if key != "" {
		if err := l.seen.Add(key, struct{}{}, l.seenTTL); err != nil {
			return false
		}
	}

	l.mu.Lock()
	l.rollover()
	l.spend += cost
	day, spend, limit := l.day, l.spend, l.limit
	l.mu.Unlock()
	metrics.SetBudget(spend, limit)

	if l.store != nil && cost > 0 {
		l.persist(day, cost)
	}
	return true
}

// persist writes cost through to the store and adopts a larger shared total
// so spend by other processes counts against this one.
func (l *Ledger) persist(day time.Time, cost float64) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	total, err := l.store.Add(ctx, day, cost)
	if err != nil {
		metrics.SpendStoreErrors.WithLabelValues(l.store.Name(), "add").Inc()
		l.logger.Warn("failed to persist spend", "store", l.store.Name(), "cost", cost, "error", err)
		return
	}

	l.mu.Lock()
	if l.day.Equal(day) && total > l.spend {
		l.spend = total
	}
	spend := l.spend
	l.mu.Unlock()
	metrics.SetBudget(spend, l.limit)
}

// Remaining returns the headroom left today. It is +Inf when uncapped.
func (l *Ledger) Remaining() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	if l.limit <= 0 {
		return math.Inf(1)
	}
	return math.Max(0, l.limit-l.spend)
}

// Utilization returns spend / limit, or 0 when uncapped.
func (l *Ledger) Utilization() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	if l.limit <= 0 {
		return 0
	}
	return l.spend / l.limit
}

// Spend returns today's recorded spend.
func (l *Ledger) Spend() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.spend
}

// Limit returns the configured daily limit.
func (l *Ledger) Limit() float64 {
	return l.limit
}

// ResetBoundary returns the next UTC midnight at which spend resets.
func (l *Ledger) ResetBoundary() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.boundary
}

// Snapshot is a point-in-time view for stats endpoints.
type Snapshot struct {
	Spend         float64   `json:"spend"`
	Limit         float64   `json:"limit"`
	Remaining     float64   `json:"remaining"`
	Utilization   float64   `json:"utilization"`
	ResetBoundary time.Time `json:"reset_boundary"`
}

// Snapshot returns the current ledger state. Remaining is -1 when uncapped.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()

	s := Snapshot{Spend: l.spend, Limit: l.limit, Remaining: -1, ResetBoundary: l.boundary}
	if l.limit > 0 {
		s.Remaining = math.Max(0, l.limit-l.spend)
		s.Utilization = l.spend / l.limit
	}
	return s
}
