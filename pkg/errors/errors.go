// Package errors defines the error taxonomy for routing and admission.
// Every failure surfaced to callers is an *Error carrying its Kind, so callers
// can tell transient conditions (rate limited, queue full, timed out) apart
// from fatal ones (budget exceeded) and decide whether to retry.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an admission or routing failure.
type Kind string

// Error kinds.
const (
	KindBudgetExceeded  Kind = "budget_exceeded"
	KindRateLimited     Kind = "rate_limited"
	KindQueueFull       Kind = "queue_full"
	KindRequestTimedOut Kind = "request_timed_out"
	KindRouting         Kind = "routing_error"
	KindShuttingDown    Kind = "shutting_down"
	KindBackendFailure  Kind = "backend_failure"
	KindInvalidRequest  Kind = "invalid_request"
)

// Error is a failure with enough structured context for observability.
type Error struct {
	Kind      Kind          `json:"kind"`
	Message   string        `json:"message"`
	Category  string        `json:"category,omitempty"`
	Backend   string        `json:"backend,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
	Retryable bool          `json:"retryable"`
	Cause     error         `json:"-"`
}

// Sentinels for errors.Is matching. Any *Error with the same Kind matches.
var (
	ErrBudgetExceeded  = &Error{Kind: KindBudgetExceeded, Message: "daily budget exceeded"}
	ErrRateLimited     = &Error{Kind: KindRateLimited, Message: "rate limit exceeded", Retryable: true}
	ErrQueueFull       = &Error{Kind: KindQueueFull, Message: "admission queue full", Retryable: true}
	ErrRequestTimedOut = &Error{Kind: KindRequestTimedOut, Message: "request timed out", Retryable: true}
	ErrRouting         = &Error{Kind: KindRouting, Message: "routing failed"}
	ErrShuttingDown    = &Error{Kind: KindShuttingDown, Message: "admission controller is shutting down"}
	ErrBackendFailure  = &Error{Kind: KindBackendFailure, Message: "backend call failed"}
	ErrInvalidRequest  = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Category != "" {
		msg += " category=" + e.Category
	}
	if e.Backend != "" {
		msg += " backend=" + e.Backend
	}
	if e.Elapsed > 0 {
		msg += " elapsed=" + e.Elapsed.Round(time.Millisecond).String()
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatusCode maps the error kind to an HTTP status for the server binary.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindBudgetExceeded:
		return http.StatusPaymentRequired
	case KindRateLimited, KindQueueFull:
		return http.StatusTooManyRequests
	case KindRequestTimedOut:
		return http.StatusGatewayTimeout
	case KindShuttingDown:
		return http.StatusServiceUnavailable
	case KindBackendFailure:
		return http.StatusBadGateway
	case KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WithContext returns a copy of e annotated with category, backend and elapsed time.
func (e *Error) WithContext(category, backend string, elapsed time.Duration) *Error {
	cp := *e
	if category != "" {
		cp.Category = category
	}
	if backend != "" {
		cp.Backend = backend
	}
	if elapsed > 0 {
		cp.Elapsed = elapsed
	}
	return &cp
}

// NewBudgetExceeded creates a budget error. It is never retryable.
func NewBudgetExceeded(category, backend, message string) *Error {
	return &Error{
		Kind:     KindBudgetExceeded,
		Message:  message,
		Category: category,
		Backend:  backend,
	}
}

// NewRateLimited creates a rate limit error.
func NewRateLimited(message string, elapsed time.Duration) *Error {
	return &Error{
		Kind:      KindRateLimited,
		Message:   message,
		Elapsed:   elapsed,
		Retryable: true,
	}
}

// NewQueueFull creates a backpressure error raised at admission time.
func NewQueueFull(size int) *Error {
	return &Error{
		Kind:      KindQueueFull,
		Message:   fmt.Sprintf("admission queue full (%d pending)", size),
		Retryable: true,
	}
}

// NewRequestTimedOut creates a timeout error.
func NewRequestTimedOut(message string, elapsed time.Duration) *Error {
	return &Error{
		Kind:      KindRequestTimedOut,
		Message:   message,
		Elapsed:   elapsed,
		Retryable: true,
	}
}

// NewRoutingError creates a routing error wrapping cause.
func NewRoutingError(category string, cause error) *Error {
	return &Error{
		Kind:     KindRouting,
		Message:  "routing failed",
		Category: category,
		Cause:    cause,
	}
}

// NewBackendFailure wraps an error returned by a backend call.
func NewBackendFailure(category, backend string, elapsed time.Duration, cause error) *Error {
	return &Error{
		Kind:      KindBackendFailure,
		Message:   "backend call failed",
		Category:  category,
		Backend:   backend,
		Elapsed:   elapsed,
		Retryable: true,
		Cause:     cause,
	}
}

// NewInvalidRequest creates a validation error.
func NewInvalidRequest(message string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message}
}

// IsRetryable reports whether err is a transient condition worth retrying.
// Budget failures are never retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
