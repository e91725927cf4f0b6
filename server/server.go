// Package server exposes the HTTP control plane: OAuth start/callback/refresh
// per platform, status, health and readiness probes, and Prometheus metrics.
// Correlation IDs are injected into request contexts for consistent logging.
package server

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/streambridge/oauth"
)

// NewMux returns the HTTP handler with all routes wired.
func NewMux(db *sql.DB, managers map[string]*oauth.Manager, usernames map[string]string) http.Handler {
	h := NewHandlers(db, managers, usernames)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	for platform := range managers {
		mux.HandleFunc("/auth/"+platform+"/start", h.handleOAuthStart(platform))
		mux.HandleFunc("/auth/"+platform+"/callback", h.handleOAuthCallback(platform))
		mux.HandleFunc("/auth/"+platform+"/refresh", h.handleOAuthRefresh(platform))
		mux.HandleFunc("/auth/"+platform+"/token", h.handleOAuthDelete(platform))
	}

	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)

	return correlationMiddleware(tracingMiddleware(mux))
}
