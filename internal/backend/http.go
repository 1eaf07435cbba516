// Package backend calls inference backends over HTTP.
//
// Every backend id maps to an Endpoint. A call posts
//
//	{"backend": "...", "category": "...", "agent_id": "...", "context": "..."}
//
// and expects
//
//	{"output": "...", "tokens_in": 0, "tokens_out": 0, "cost": 0, "confidence": 0.9}
//
// Usage fields and confidence are optional. Non-2xx responses are errors.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/blueberrycongee/tiergate"
	"github.com/blueberrycongee/tiergate/internal/httputil"
	"github.com/blueberrycongee/tiergate/internal/observability"
)

// DefaultTimeout applies to endpoints without their own timeout.
const DefaultTimeout = 60 * time.Second

// maxErrorBody is how much of a failed response is kept in StatusError.
const maxErrorBody = 512

// Endpoint is where one backend is reached.
type Endpoint struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
	// OAuth2, when set, authenticates calls with client-credentials tokens.
	OAuth2 *clientcredentials.Config
}

// StatusError is returned for non-2xx backend responses.
type StatusError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend %s returned status %d", e.Backend, e.StatusCode)
	}
	return fmt.Sprintf("backend %s returned status %d: %s", e.Backend, e.StatusCode, e.Body)
}

// ErrUnknownBackend is returned when no endpoint is configured for a backend id.
var ErrUnknownBackend = errors.New("no endpoint configured for backend")

type invokeRequest struct {
	Backend  string `json:"backend"`
	Category string `json:"category"`
	AgentID  string `json:"agent_id,omitempty"`
	Context  string `json:"context"`
}

type invokeResponse struct {
	Output     string   `json:"output"`
	TokensIn   int      `json:"tokens_in"`
	TokensOut  int      `json:"tokens_out"`
	Cost       float64  `json:"cost"`
	Confidence *float64 `json:"confidence"`
}

type endpoint struct {
	Endpoint
	client *http.Client
}

// HTTPInvoker implements tiergate.Invoker over HTTP.
type HTTPInvoker struct {
	endpoints map[string]endpoint
	base      *http.Client
	maxBody   int64
	logger    *slog.Logger
}

// Option configures an HTTPInvoker.
type Option func(*HTTPInvoker)

// WithHTTPClient sets the client used for every backend.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPInvoker) {
		if c != nil {
			h.base = c
		}
	}
}

// WithMaxResponseBytes caps how much of a response body is read.
func WithMaxResponseBytes(n int64) Option {
	return func(h *HTTPInvoker) {
		h.maxBody = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *HTTPInvoker) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHTTPInvoker creates an invoker for endpoints keyed by backend id.
func NewHTTPInvoker(endpoints map[string]Endpoint, opts ...Option) *HTTPInvoker {
	h := &HTTPInvoker{
		endpoints: make(map[string]endpoint, len(endpoints)),
		base:      http.DefaultClient,
		maxBody:   httputil.DefaultMaxResponseBodyBytes,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	for id, ep := range endpoints {
		client := h.base
		if ep.OAuth2 != nil {
			// the token client reuses the base transport for both token and backend calls
			ctx := context.WithValue(context.Background(), oauth2.HTTPClient, h.base)
			client = ep.OAuth2.Client(ctx)
		}
		if ep.Timeout <= 0 {
			ep.Timeout = DefaultTimeout
		}
		h.endpoints[id] = endpoint{Endpoint: ep, client: client}
	}
	return h
}

// Backends returns the configured backend ids in sorted order.
func (h *HTTPInvoker) Backends() []string {
	out := make([]string, 0, len(h.endpoints))
	for id := range h.endpoints {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Invoke implements tiergate.Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, backend string, req tiergate.Request) (*tiergate.BackendResult, error) {
	ep, ok := h.endpoints[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}

	ctx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	httpReq, err := h.buildRequest(ctx, backend, ep, req)
	if err != nil {
		return nil, err
	}

	resp, err := ep.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call backend %s: %w", backend, err)
	}
	defer resp.Body.Close()

	return h.parseResponse(backend, resp)
}

func (h *HTTPInvoker) buildRequest(ctx context.Context, backend string, ep endpoint, req tiergate.Request) (*http.Request, error) {
	body, err := json.Marshal(invokeRequest{
		Backend:  backend,
		Category: string(req.Category),
		AgentID:  req.AgentID,
		Context:  req.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range ep.Headers {
		httpReq.Header.Set(k, v)
	}
	if id := observability.RequestIDFromContext(ctx); id != "" {
		httpReq.Header.Set(observability.RequestIDHeader, id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	return httpReq, nil
}

func (h *HTTPInvoker) parseResponse(backend string, resp *http.Response) (*tiergate.BackendResult, error) {
	body, err := httputil.ReadLimitedBody(resp.Body, h.maxBody)
	if err != nil {
		return nil, fmt.Errorf("read backend %s response: %w", backend, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		h.logger.Debug("backend returned error status",
			"backend", backend,
			"status", resp.StatusCode)
		return nil, &StatusError{Backend: backend, StatusCode: resp.StatusCode, Body: msg}
	}

	var out invokeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode backend %s response: %w", backend, err)
	}
	if out.Confidence != nil && (*out.Confidence < 0 || *out.Confidence > 1) {
		out.Confidence = nil
	}
	return &tiergate.BackendResult{
		Output:     out.Output,
		TokensIn:   out.TokensIn,
		TokensOut:  out.TokensOut,
		Cost:       out.Cost,
		Confidence: out.Confidence,
	}, nil
}
