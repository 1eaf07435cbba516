package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/blueberrycongee/tiergate/internal/observability"
	tgerrors "github.com/blueberrycongee/tiergate/pkg/errors"
)

// retryAfter is advertised on retryable rejections.
const retryAfter = time.Second

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Category  string `json:"category,omitempty"`
	Backend   string `json:"backend,omitempty"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"request_id,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrorStatus(w, r, 0, err)
}

// writeErrorStatus writes err with status, or the status of its kind when
// status is zero.
func (h *Handler) writeErrorStatus(w http.ResponseWriter, r *http.Request, status int, err error) {
	var te *tgerrors.Error
	if !errors.As(err, &te) {
		h.logger.Error("unclassified error", "error", err, "path", r.URL.Path)
		te = &tgerrors.Error{Kind: tgerrors.KindRouting, Message: "internal error"}
	}
	if status == 0 {
		status = te.HTTPStatusCode()
	}

	if status >= http.StatusInternalServerError {
		observability.LoggerWithRequestID(r.Context(), h.logger).Warn("request failed",
			"path", r.URL.Path,
			"kind", string(te.Kind),
			"status", status,
			"error", err)
	}
	if te.Retryable {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	}

	h.writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Message:   te.Message,
			Type:      string(te.Kind),
			Category:  te.Category,
			Backend:   te.Backend,
			Retryable: te.Retryable,
			RequestID: observability.RequestIDFromContext(r.Context()),
		},
	})
}
