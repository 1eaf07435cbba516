package api

import (
	"net/http"
)

// RegisterRoutes registers the gateway endpoints on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/execute", h.Execute)
	mux.HandleFunc("POST /v1/route", h.Route)
	mux.HandleFunc("POST /v1/quality", h.RecordQuality)
	mux.HandleFunc("GET /v1/stats", h.Stats)
	mux.HandleFunc("GET /health", h.HealthCheck)
}

// RouteInfo describes an API route.
type RouteInfo struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// GetRoutes returns information about all registered routes.
func GetRoutes() []RouteInfo {
	return []RouteInfo{
		{Method: "POST", Path: "/v1/execute", Description: "Route a request and execute it on the selected backend"},
		{Method: "POST", Path: "/v1/route", Description: "Return the routing decision without executing"},
		{Method: "POST", Path: "/v1/quality", Description: "Record a quality observation for a backend"},
		{Method: "GET", Path: "/v1/stats", Description: "Admission, budget, quality and breaker state"},
		{Method: "GET", Path: "/health", Description: "Liveness check"},
	}
}
