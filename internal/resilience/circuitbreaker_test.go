package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(clock *fakeClock, failures, successes, probes int) *CircuitBreaker {
	cb := NewCircuitBreaker("premium-llm", CircuitBreakerConfig{
		FailureThreshold:    failures,
		SuccessThreshold:    successes,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: probes,
	})
	cb.now = clock.Now
	return cb
}

func tripBreaker(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{CircuitState(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 3, 2, 2)
	assert.Equal(t, "premium-llm", cb.Backend())

	tripBreaker(cb, 2)
	cb.Allow()
	cb.RecordSuccess() // resets the streak
	tripBreaker(cb, 2)
	assert.Equal(t, StateClosed, cb.State())

	tripBreaker(cb, 1)
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())
	assert.False(t, cb.Available())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 2, 2, 3)
	tripBreaker(cb, 2)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(29 * time.Second)
	assert.False(t, cb.Allow(), "still cooling down")

	clock.Advance(time.Second)
	assert.True(t, cb.Available())
	require.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1, 2, 3)
	tripBreaker(cb, 1)

	clock.Advance(time.Minute)
	require.True(t, cb.Allow())
	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow(), "cool-down restarts from the probe failure")
}

func TestCircuitBreaker_HalfOpenProbeLimit(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1, 5, 2)
	tripBreaker(cb, 1)
	clock.Advance(time.Minute)

	assert.True(t, cb.Allow())
	assert.True(t, cb.Allow())
	assert.False(t, cb.Available())
	assert.False(t, cb.Allow(), "probe budget exhausted")
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 1, 1, 1)
	tripBreaker(cb, 1)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb := newTestBreaker(newFakeClock(), 2, 1, 1)

	var mu sync.Mutex
	var got []CircuitState
	cb.OnStateChange(func(backend string, from, to CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "premium-llm", backend)
		assert.Equal(t, StateClosed, from)
		got = append(got, to)
	})

	tripBreaker(cb, 2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, StateOpen, got[0])
	mu.Unlock()
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	cb := NewCircuitBreaker("b", CircuitBreakerConfig{
		FailureThreshold:    1000,
		SuccessThreshold:    10,
		Timeout:             time.Second,
		HalfOpenMaxRequests: 10,
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if !cb.Allow() {
					continue
				}
				if (i+j)%2 == 0 {
					cb.RecordSuccess()
				} else {
					cb.RecordFailure()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, StateClosed, cb.State())
}
