// Package api is the thin HTTP surface over the delivery pipeline:
// admission, suppression management, DKIM provisioning, rollout status,
// health and metrics. Handlers validate, delegate, and serialize; no
// policy lives here.
package api

import (
	"context"
	"net/http"
	"time"
)

// Server wraps the HTTP listener around the route tree.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer builds the server from wired handlers.
func NewServer(h *Handlers) *Server {
	return &Server{handler: SetupRoutes(h)}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
