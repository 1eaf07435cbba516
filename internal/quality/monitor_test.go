package quality

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/tiergate/internal/metrics"
	tgerrors "github.com/blueberrycongee/tiergate/pkg/errors"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(cfg Config) (*Monitor, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMonitor(cfg)
	m.now = clock.Now
	return m, clock
}

func TestMonitor_RecordRejectsInvalid(t *testing.T) {
	m, _ := newTestMonitor(Config{})

	err := m.Record(Entry{Backend: "cheap", Score: 1.2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tgerrors.ErrInvalidRequest))

	assert.Error(t, m.Record(Entry{Score: 0.5}))
}

func TestMonitor_RunningMeans(t *testing.T) {
	m, _ := newTestMonitor(Config{})

	require.NoError(t, m.Record(Entry{Category: "text_generation", Backend: "cheap", Score: 0.8}))
	require.NoError(t, m.Record(Entry{Category: "text_generation", Backend: "cheap", Score: 0.6}))
	require.NoError(t, m.Record(Entry{Category: "conversation", Backend: "premium", Score: 0.9}))

	mean, ok := m.BackendMean("cheap")
	require.True(t, ok)
	assert.InDelta(t, 0.7, mean, 1e-9)

	mean, ok = m.CategoryMean("text_generation")
	require.True(t, ok)
	assert.InDelta(t, 0.7, mean, 1e-9)

	_, ok = m.BackendMean("unknown")
	assert.False(t, ok)
}

func TestMonitor_Validate(t *testing.T) {
	m, _ := newTestMonitor(Config{})

	// no history: only the global threshold applies
	assert.True(t, m.Validate("text_generation", "cheap", 0.75))
	assert.False(t, m.Validate("text_generation", "cheap", 0.65))

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Record(Entry{Backend: "premium", Score: 0.98}))
	}
	before := testutil.ToFloat64(metrics.QualityValidationFailures.WithLabelValues("text_generation", "premium"))

	// above the global floor but under 80% of the running mean
	assert.False(t, m.Validate("text_generation", "premium", 0.75))
	assert.True(t, m.Validate("text_generation", "premium", 0.8))

	after := testutil.ToFloat64(metrics.QualityValidationFailures.WithLabelValues("text_generation", "premium"))
	assert.Equal(t, before+1, after)
}

func TestMonitor_WindowBounded(t *testing.T) {
	m, _ := newTestMonitor(Config{WindowSize: 5})

	for i := 0; i < 12; i++ {
		require.NoError(t, m.Record(Entry{Backend: "cheap", Score: 0.5}))
	}
	snap := m.Snapshot()
	require.Len(t, snap.Backends, 1)
	assert.Equal(t, 5, snap.Backends[0].Samples)
	assert.Equal(t, int64(12), snap.Backends[0].Count)
}

func TestMonitor_HorizonPrunes(t *testing.T) {
	m, clock := newTestMonitor(Config{})

	require.NoError(t, m.Record(Entry{Backend: "cheap", Score: 0.2}))
	clock.Advance(25 * time.Hour)
	require.NoError(t, m.Record(Entry{Backend: "cheap", Score: 0.9}))

	agg, ok := m.Aggregate("cheap")
	require.True(t, ok)
	assert.InDelta(t, 0.9, agg, 1e-9)
}

func TestMonitor_AggregateDecay(t *testing.T) {
	m, clock := newTestMonitor(Config{})

	// recorded 12h ago: weight 1 - 0.9*0.5 = 0.55
	require.NoError(t, m.Record(Entry{Backend: "cheap", Score: 0.4}))
	clock.Advance(12 * time.Hour)
	require.NoError(t, m.Record(Entry{Backend: "cheap", Score: 1.0}))

	agg, ok := m.Aggregate("cheap")
	require.True(t, ok)
	want := (0.55*0.4 + 1.0*1.0) / 1.55
	assert.InDelta(t, want, agg, 1e-9)
	assert.InDelta(t, want, testutil.ToFloat64(metrics.QualityAggregate.WithLabelValues("cheap")), 1e-9)

	_, ok = m.Aggregate("missing")
	assert.False(t, ok)
}

func TestMonitor_AggregateFloorWeight(t *testing.T) {
	m, clock := newTestMonitor(Config{Horizon: 48 * time.Hour})

	// decay horizon 48h; a 47h old sample is near the floor but still counted
	require.NoError(t, m.Record(Entry{Backend: "cheap", Score: 0.0}))
	clock.Advance(47 * time.Hour)
	require.NoError(t, m.Record(Entry{Backend: "cheap", Score: 1.0}))

	agg, _ := m.Aggregate("cheap")
	w := 1 - 0.9*47.0/48.0
	assert.InDelta(t, 1/(1+w), agg, 1e-9)
}

func TestMonitor_Trend(t *testing.T) {
	m, _ := newTestMonitor(Config{})

	assert.Equal(t, TrendUnknown, m.Trend("cheap", 5))

	for _, s := range []float64{0.9, 0.85, 0.8, 0.75} {
		require.NoError(t, m.Record(Entry{Backend: "cheap", Score: s}))
	}
	assert.Equal(t, TrendUnknown, m.Trend("cheap", 5))

	require.NoError(t, m.Record(Entry{Backend: "cheap", Score: 0.7}))
	assert.Equal(t, TrendDeclining, m.Trend("cheap", 5))
}

func TestMonitor_ConcurrentRecord(t *testing.T) {
	m, _ := newTestMonitor(Config{})

	var wg sync.WaitGroup
	for _, backend := range []string{"a", "b", "c"} {
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = m.Record(Entry{Category: "conversation", Backend: backend, Score: 0.8})
			}()
		}
	}
	wg.Wait()

	snap := m.Snapshot()
	require.Len(t, snap.Backends, 3)
	for _, b := range snap.Backends {
		assert.Equal(t, int64(100), b.Count)
	}
	require.Len(t, snap.Categories, 1)
	assert.Equal(t, int64(300), snap.Categories[0].Count)
}
