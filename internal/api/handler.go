// Package api provides the HTTP surface of the tiergate server.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/tiergate"
	"github.com/blueberrycongee/tiergate/internal/httputil"
	tgerrors "github.com/blueberrycongee/tiergate/pkg/errors"
)

// GatewayProvider yields the gateway that serves one request. release must
// be called once the request is done.
type GatewayProvider interface {
	Acquire() (gw *tiergate.Gateway, release func())
}

// Handler handles HTTP requests for the gateway.
type Handler struct {
	gateways GatewayProvider
	logger   *slog.Logger
	maxBody  int64
}

// NewHandler creates a new API handler.
func NewHandler(gateways GatewayProvider, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gateways: gateways,
		logger:   logger,
		maxBody:  httputil.DefaultMaxRequestBodyBytes,
	}
}

// Execute handles POST /v1/execute.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if !h.decode(w, r, &body) {
		return
	}
	req, err := body.toRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	gw, release := h.gateways.Acquire()
	defer release()

	res, err := gw.RouteAndExecute(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newExecuteResponse(res))
}

// Route handles POST /v1/route. It returns the decision without executing.
func (h *Handler) Route(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if !h.decode(w, r, &body) {
		return
	}
	req, err := body.toRequest()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	gw, release := h.gateways.Acquire()
	defer release()

	d, err := gw.Route(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// RecordQuality handles POST /v1/quality.
func (h *Handler) RecordQuality(w http.ResponseWriter, r *http.Request) {
	var body qualityRequest
	if !h.decode(w, r, &body) {
		return
	}
	entry, err := body.toEntry()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	gw, release := h.gateways.Acquire()
	defer release()

	valid, err := gw.RecordQuality(r.Context(), entry)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, qualityResponse{Valid: valid})
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	gw, release := h.gateways.Acquire()
	defer release()

	h.writeJSON(w, http.StatusOK, gw.Stats())
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": tiergate.Version,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	body, err := httputil.ReadLimitedBody(r.Body, h.maxBody)
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		h.writeErrorStatus(w, r, http.StatusRequestEntityTooLarge, tgerrors.NewInvalidRequest("request body too large"))
		return false
	}
	if err != nil {
		h.writeError(w, r, tgerrors.NewInvalidRequest("failed to read request body"))
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		h.writeError(w, r, tgerrors.NewInvalidRequest("invalid JSON: "+err.Error()))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}
