package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of a backend circuit breaker.
type CircuitState int

const (
	// StateClosed lets calls through.
	StateClosed CircuitState = iota
	// StateOpen blocks calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets a limited number of probe calls through.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a backend's circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures a backend circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// HalfOpenMaxRequests caps probe calls while half-open.
	HalfOpenMaxRequests int
}

// DefaultCircuitBreakerConfig returns the defaults used for every backend.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreaker tracks the health of one backend. The gateway consults it
// before dispatching and swaps tiers while it is open.
type CircuitBreaker struct {
	mu              sync.Mutex
	backend         string
	state           CircuitState
	failureCount    int
	successCount    int
	halfOpenCount   int
	lastFailureTime time.Time
	config          CircuitBreakerConfig
	now             func() time.Time
	onStateChange   func(backend string, from, to CircuitState)
}

// NewCircuitBreaker creates a closed breaker for backend.
func NewCircuitBreaker(backend string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		backend: backend,
		state:   StateClosed,
		config:  cfg,
		now:     time.Now,
	}
}

// OnStateChange registers a callback invoked on every transition.
// The callback runs on its own goroutine.
func (cb *CircuitBreaker) OnStateChange(fn func(backend string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a call to the backend may proceed. In half-open state
// each allowed call counts as a probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.config.Timeout {
			return false
		}
		cb.transitionTo(StateHalfOpen)
		cb.halfOpenCount = 1
		cb.successCount = 0
		return true
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.config.HalfOpenMaxRequests {
			return false
		}
		cb.halfOpenCount++
		return true
	default:
		return false
	}
}

// Available reports whether Allow would let a call through, without
// consuming a half-open probe.
func (cb *CircuitBreaker) Available() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.now().Sub(cb.lastFailureTime) >= cb.config.Timeout
	case StateHalfOpen:
		return cb.halfOpenCount < cb.config.HalfOpenMaxRequests
	default:
		return false
	}
}

// RecordSuccess records a successful backend call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.halfOpenCount = 0
		}
	}
}

// RecordFailure records a failed backend call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		// any probe failure reopens
		cb.transitionTo(StateOpen)
		cb.successCount = 0
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Backend returns the backend this breaker guards.
func (cb *CircuitBreaker) Backend() string {
	return cb.backend
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCount = 0
}

func (cb *CircuitBreaker) transitionTo(next CircuitState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.backend, prev, next)
	}
}
