// Package server provides HTTP server construction for chat-sync.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/lancerly/chat-sync/internal/auth"
	"github.com/lancerly/chat-sync/internal/metrics"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	MCPHandler http.Handler
	// APIKeyHash is the bcrypt hash guarding /mcp.
	APIKeyHash string
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// NewMux builds the HTTP mux with the MCP endpoint behind API key
// middleware and an unauthenticated Prometheus scrape endpoint.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/mcp", auth.APIKeyMiddleware(cfg.APIKeyHash, cfg.Logger)(cfg.MCPHandler))

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// New wraps mux in an http.Server with the timeouts used for the MCP
// listener.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
