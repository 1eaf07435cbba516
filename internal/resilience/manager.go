package resilience

import (
	"sort"
	"sync"
)

// BreakerSet holds one circuit breaker per backend, created on first use.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	onChange func(backend string, from, to CircuitState)
}

// NewBreakerSet creates an empty set. onChange may be nil.
func NewBreakerSet(cfg CircuitBreakerConfig, onChange func(backend string, from, to CircuitState)) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*CircuitBreaker),
		config:   cfg,
		onChange: onChange,
	}
}

// Get returns or creates the breaker for backend.
func (s *BreakerSet) Get(backend string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[backend]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, ok = s.breakers[backend]; ok {
		return cb
	}
	cb = NewCircuitBreaker(backend, s.config)
	if s.onChange != nil {
		cb.OnStateChange(s.onChange)
	}
	s.breakers[backend] = cb
	return cb
}

// Allow consumes a call slot on the backend's breaker.
func (s *BreakerSet) Allow(backend string) bool {
	return s.Get(backend).Allow()
}

// Available reports whether the backend would currently accept a call.
func (s *BreakerSet) Available(backend string) bool {
	return s.Get(backend).Available()
}

// Record feeds a call outcome into the backend's breaker.
func (s *BreakerSet) Record(backend string, err error) {
	if err != nil {
		s.Get(backend).RecordFailure()
		return
	}
	s.Get(backend).RecordSuccess()
}

// BreakerStats is a point-in-time view of one backend's breaker.
type BreakerStats struct {
	Backend string `json:"backend"`
	State   string `json:"state"`
}

// Stats returns the state of every known breaker sorted by backend.
func (s *BreakerSet) Stats() []BreakerStats {
	s.mu.RLock()
	out := make([]BreakerStats, 0, len(s.breakers))
	for name, cb := range s.breakers {
		out = append(out, BreakerStats{Backend: name, State: cb.State().String()})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}
