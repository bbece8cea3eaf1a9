package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/a1hang/slack-issue-agent/internal/handlers"
	"github.com/a1hang/slack-issue-agent/internal/middleware"
)

// NewRouter constructs a ServeMux with gateway routes registered.
func NewRouter(h *handlers.EventsHandler) http.Handler {
	mux := http.NewServeMux()

	// Slack Events API
	mux.HandleFunc("/slack/events", h.HandleEvents)
	mux.HandleFunc("/{$}", h.HandleEvents)

	// Health endpoints
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.Recover(middleware.RequestID(mux))
}
