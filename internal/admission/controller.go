package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/tiergate/internal/metrics"
	"github.com/blueberrycongee/tiergate/internal/observability"
	"github.com/blueberrycongee/tiergate/internal/resilience"
	tgerrors "github.com/blueberrycongee/tiergate/pkg/errors"
)

// Config configures the admission controller.
type Config struct {
	// RequestsPerMinute is the token bucket refill rate.
	RequestsPerMinute int
	// Burst is the bucket capacity. Zero means RequestsPerMinute.
	Burst int
	// MaxConcurrent bounds payloads executing at once.
	MaxConcurrent int
	// MaxQueueSize bounds pending items. Pushes beyond it fail with queue full.
	MaxQueueSize int
	// DefaultTimeout applies when Execute is called with timeout <= 0.
	DefaultTimeout time.Duration
	// RateWait bounds how long the drain loop waits for a rate token.
	RateWait time.Duration

	// Distributed optionally enforces a cluster-wide requests-per-minute
	// ceiling. Backend errors fail open.
	Distributed      resilience.DistributedLimiter
	DistributedKey   string
	DistributedLimit int64

	Logger *slog.Logger
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		MaxConcurrent:     10,
		MaxQueueSize:      100,
		DefaultTimeout:    30 * time.Second,
		RateWait:          5 * time.Second,
		DistributedKey:    "admission",
	}
}

// Stats is a snapshot of admission counters.
type Stats struct {
	Total       int64 `json:"total"`
	Queued      int64 `json:"queued"`
	Rejected    int64 `json:"rejected"`
	RateLimited int64 `json:"rate_limited"`
	TimedOut    int64 `json:"timed_out"`
	Cancelled   int64 `json:"cancelled"`
	Succeeded   int64 `json:"succeeded"`
	Failed      int64 `json:"failed"`
	InFlight    int64 `json:"in_flight"`

	MaxConcurrent  int `json:"max_concurrent"`
	AvailableSlots int `json:"available_slots"`
}

// Controller owns the token bucket, the semaphore and the queue, and runs the
// single drain loop that dispatches queued work.
type Controller struct {
	cfg    Config
	bucket *resilience.TokenBucket
	sem    *resilience.Semaphore
	queue  *Queue
	logger *slog.Logger

	mu       sync.Mutex
	started  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	closed   atomic.Bool // no longer accepting work
	closing  atomic.Bool // Close has been called
	inflight sync.WaitGroup

	total       atomic.Int64
	rejected    atomic.Int64
	rateLimited atomic.Int64
	timedOut    atomic.Int64
	cancelled   atomic.Int64
	succeeded   atomic.Int64
	failed      atomic.Int64
	running     atomic.Int64
}

// New creates a controller. Call Start to begin dispatching.
func New(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.RateWait <= 0 {
		cfg.RateWait = def.RateWait
	}
	if cfg.DistributedKey == "" {
		cfg.DistributedKey = def.DistributedKey
	}
	if cfg.DistributedLimit <= 0 {
		cfg.DistributedLimit = int64(cfg.RequestsPerMinute)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		cfg:    cfg,
		bucket: resilience.NewTokenBucketPerMinute(cfg.RequestsPerMinute, cfg.Burst),
		sem:    resilience.NewSemaphore(cfg.MaxConcurrent),
		queue:  NewQueue(cfg.MaxQueueSize),
		logger: cfg.Logger,
	}
}

// Start launches the drain loop. It runs until Close is called or ctx is done.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed.Load() {
		return
	}
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(ctx)
	c.loopDone = make(chan struct{})

	go c.run()
	c.logger.Info("admission drain loop started",
		"requests_per_minute", c.cfg.RequestsPerMinute,
		"max_concurrent", c.cfg.MaxConcurrent,
		"max_queue_size", c.cfg.MaxQueueSize)
}

// Execute enqueues fn and waits for its result. timeout <= 0 uses the
// configured default. A full queue fails immediately. The caller-side timer
// is a backstop: if it fires while the item is still pending the item is
// marked timed out and never runs.
func (c *Controller) Execute(ctx context.Context, fn Payload, priority Priority, timeout time.Duration) (any, error) {
	if c.closed.Load() {
		return nil, tgerrors.ErrShuttingDown
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.total.Add(1)
	start := time.Now()
	it := newItem(ctx, uuid.NewString(), priority, start, timeout, fn)

	if err := c.queue.Push(it); err != nil {
		c.rejected.Add(1)
		c.recordOutcome("rejected", priority)
		observability.LoggerWithRequestID(ctx, c.logger).Warn("admission rejected",
			"reason", "queue_full",
			"priority", priority.String(),
			"max_queue_size", c.cfg.MaxQueueSize)
		return nil, err
	}

	// Close may have drained the queue between the check above and Push.
	if c.closed.Load() && it.transition(stateCancelled) {
		c.queue.Remove(it)
		return nil, tgerrors.ErrShuttingDown
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-it.done:
		return out.value, out.err
	case <-timer.C:
		if it.transition(stateTimedOut) {
			c.queue.Remove(it)
			c.timedOut.Add(1)
			c.recordOutcome("timed_out", priority)
		}
		return nil, tgerrors.NewRequestTimedOut("caller timeout elapsed", time.Since(start))
	case <-ctx.Done():
		if it.transition(stateCancelled) {
			c.queue.Remove(it)
			c.cancelled.Add(1)
			c.recordOutcome("cancelled", priority)
		}
		return nil, ctx.Err()
	}
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Total:       c.total.Load(),
		Queued:      int64(c.queue.Len()),
		Rejected:    c.rejected.Load(),
		RateLimited: c.rateLimited.Load(),
		TimedOut:    c.timedOut.Load(),
		Cancelled:   c.cancelled.Load(),
		Succeeded:   c.succeeded.Load(),
		Failed:      c.failed.Load(),
		InFlight:    c.running.Load(),

		MaxConcurrent:  c.sem.Capacity(),
		AvailableSlots: c.sem.Available(),
	}
}

// Close stops accepting work, stops the drain loop, resolves queued items
// with a shutting-down error and waits for in-flight payloads until ctx is done.
func (c *Controller) Close(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	cancel, loopDone := c.cancel, c.loopDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-loopDone:
		case <-ctx.Done():
			return fmt.Errorf("admission: waiting for drain loop: %w", ctx.Err())
		}
	}
	c.rejectQueued()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("admission controller closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("admission: waiting for in-flight requests: %w", ctx.Err())
	}
}

func (c *Controller) rejectQueued() {
	for _, it := range c.queue.Drain() {
		if it.transition(stateCancelled) {
			c.recordOutcome("shutting_down", it.Priority)
			it.resolve(nil, tgerrors.ErrShuttingDown)
		}
	}
}

func (c *Controller) run() {
	defer close(c.loopDone)
	defer func() {
		// a cancelled Start context shuts admission down as Close would
		c.closed.Store(true)
		c.rejectQueued()
		c.logger.Info("admission drain loop stopped")
	}()

	for {
		if c.runCtx.Err() != nil {
			return
		}
		it := c.queue.Pop()
		if it == nil {
			select {
			case <-c.runCtx.Done():
				return
			case <-c.queue.Ready():
			}
			continue
		}
		c.dispatch(it)
	}
}

// acquireSlot takes a concurrency slot, blocking until the item's deadline
// only when none is free.
func (c *Controller) acquireSlot(it *Item) error {
	if c.sem.TryAcquire() {
		return nil
	}
	ctx, cancel := context.WithDeadline(c.runCtx, it.Deadline)
	defer cancel()
	return c.sem.Acquire(ctx)
}

// dispatch takes one popped item through expiry, rate, distributed limit
// and concurrency gates, then starts its payload.
func (c *Controller) dispatch(it *Item) {
	if it.state.Load() != statePending {
		return
	}
	if c.expired(it) {
		return
	}

	wait := min(c.cfg.RateWait, time.Until(it.Deadline))
	if !c.bucket.WaitFor(c.runCtx, 1, wait) {
		switch {
		case c.runCtx.Err() != nil:
			c.shutdownItem(it)
		case c.expired(it):
		default:
			c.rateLimit(it, "token bucket wait exceeded")
		}
		return
	}

	if c.cfg.Distributed != nil && !c.checkDistributed(it) {
		c.rateLimit(it, "cluster request limit exceeded")
		return
	}

	if err := c.acquireSlot(it); err != nil {
		if c.runCtx.Err() != nil {
			c.shutdownItem(it)
			return
		}
		c.expire(it)
		return
	}

	if c.expired(it) {
		c.sem.Release()
		return
	}
	if !it.transition(stateDispatched) {
		// caller gave up while we waited
		c.sem.Release()
		return
	}

	metrics.AdmissionQueueWait.WithLabelValues(it.Priority.String()).Observe(time.Since(it.EnqueuedAt).Seconds())
	c.inflight.Add(1)
	metrics.AdmissionInFlight.Set(float64(c.running.Add(1)))
	go c.execute(it)
}

func (c *Controller) execute(it *Item) {
	defer c.inflight.Done()
	defer c.sem.Release()

	ctx, cancel := context.WithDeadline(it.ctx, it.Deadline)
	defer cancel()

	v, err := callPayload(ctx, it.fn)
	metrics.AdmissionInFlight.Set(float64(c.running.Add(-1)))

	if err != nil {
		c.failed.Add(1)
		c.recordOutcome("failed", it.Priority)
	} else {
		c.succeeded.Add(1)
		c.recordOutcome("succeeded", it.Priority)
	}
	it.resolve(v, err)
}

// callPayload runs fn, converting a panic into an error.
func callPayload(ctx context.Context, fn Payload) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("admission: payload panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// expired resolves it as timed out if its deadline has passed.
func (c *Controller) expired(it *Item) bool {
	if !time.Now().After(it.Deadline) {
		return false
	}
	c.expire(it)
	return true
}

func (c *Controller) expire(it *Item) {
	if !it.transition(stateTimedOut) {
		return
	}
	c.timedOut.Add(1)
	c.recordOutcome("timed_out", it.Priority)
	elapsed := time.Since(it.EnqueuedAt)
	observability.LoggerWithRequestID(it.ctx, c.logger).Warn("admission timed out before dispatch",
		"id", it.ID,
		"priority", it.Priority.String(),
		"elapsed", elapsed)
	it.resolve(nil, tgerrors.NewRequestTimedOut("deadline passed before dispatch", elapsed))
}

func (c *Controller) rateLimit(it *Item, msg string) {
	if !it.transition(stateCancelled) {
		return
	}
	c.rateLimited.Add(1)
	c.recordOutcome("rate_limited", it.Priority)
	elapsed := time.Since(it.EnqueuedAt)
	observability.LoggerWithRequestID(it.ctx, c.logger).Warn("admission rate limited",
		"id", it.ID,
		"priority", it.Priority.String(),
		"reason", msg)
	it.resolve(nil, tgerrors.NewRateLimited(msg, elapsed))
}

func (c *Controller) shutdownItem(it *Item) {
	if it.transition(stateCancelled) {
		c.recordOutcome("shutting_down", it.Priority)
		it.resolve(nil, tgerrors.ErrShuttingDown)
	}
}

// checkDistributed reports whether the cluster-wide limit admits it.
// Limiter errors fail open.
func (c *Controller) checkDistributed(it *Item) bool {
	ctx, cancel := context.WithDeadline(c.runCtx, it.Deadline)
	defer cancel()

	res, err := c.cfg.Distributed.CheckAllow(ctx, resilience.Descriptor{
		Key:    c.cfg.DistributedKey,
		Limit:  c.cfg.DistributedLimit,
		Window: time.Minute,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			metrics.DistributedLimiterErrors.Inc()
			c.logger.Warn("distributed limiter unavailable, failing open", "error", err)
		}
		return true
	}
	return res.Allowed
}

func (c *Controller) recordOutcome(outcome string, p Priority) {
	metrics.AdmissionOutcomes.WithLabelValues(outcome, p.String()).Inc()
}
