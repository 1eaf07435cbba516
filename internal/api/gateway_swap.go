package api

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/tiergate"
)

// retireTimeout bounds how long a replaced gateway may drain on close.
const retireTimeout = 30 * time.Second

type closer interface {
	Close(ctx context.Context) error
}

type swap[T closer] struct {
	current atomic.Pointer[ref[T]]
}

type ref[T closer] struct {
	value   T
	refs    atomic.Int64
	closing atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

func newRef[T closer](v T) *ref[T] {
	return &ref[T]{value: v, done: make(chan struct{})}
}

func newSwap[T closer](v T) *swap[T] {
	s := &swap[T]{}
	s.current.Store(newRef(v))
	return s
}

func (s *swap[T]) acquire() (T, func()) {
	r := s.current.Load()
	if r == nil {
		var zero T
		return zero, func() {}
	}

	r.refs.Add(1)
	release := func() {
		if r.refs.Add(-1) == 0 && r.closing.Load() {
			r.closeOnce()
		}
	}
	return r.value, release
}

// replace installs next and retires the previous value once idle.
func (s *swap[T]) replace(next T) {
	prev := s.current.Swap(newRef(next))
	if prev != nil {
		prev.retire()
	}
}

// retireCurrent marks the current value closing and returns a channel
// closed once it has been closed.
func (s *swap[T]) retireCurrent() <-chan struct{} {
	r := s.current.Load()
	if r == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	r.retire()
	return r.done
}

func (s *swap[T]) currentValue() T {
	r := s.current.Load()
	if r == nil {
		var zero T
		return zero
	}
	return r.value
}

func (r *ref[T]) retire() {
	r.closing.Store(true)
	if r.refs.Load() == 0 {
		r.closeOnce()
	}
}

func (r *ref[T]) closeOnce() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), retireTimeout)
	defer cancel()
	_ = r.value.Close(ctx)
	close(r.done)
}

// GatewaySwapper holds the live Gateway and replaces it on config reload.
// A replaced gateway is closed once its in-flight requests release it.
type GatewaySwapper struct {
	s *swap[*tiergate.Gateway]
}

// NewGatewaySwapper creates a swapper seeded with gw.
func NewGatewaySwapper(gw *tiergate.Gateway) *GatewaySwapper {
	return &GatewaySwapper{s: newSwap(gw)}
}

// Acquire returns the current gateway and a release function that must be
// called when the request is done.
func (g *GatewaySwapper) Acquire() (*tiergate.Gateway, func()) {
	return g.s.acquire()
}

// Swap replaces the current gateway with next.
func (g *GatewaySwapper) Swap(next *tiergate.Gateway) {
	g.s.replace(next)
}

// Current returns the current gateway without holding it.
func (g *GatewaySwapper) Current() *tiergate.Gateway {
	return g.s.currentValue()
}

// Close closes the current gateway once idle, waiting until ctx is done.
func (g *GatewaySwapper) Close(ctx context.Context) error {
	select {
	case <-g.s.retireCurrent():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
