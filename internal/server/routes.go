package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Liveness, readiness, and metrics
	mux.HandleFunc("/health", s.app.HealthHandler.LiveHandler)
	mux.HandleFunc("/health/live", s.app.HealthHandler.LiveHandler)
	mux.HandleFunc("/health/ready", s.app.HealthHandler.ReadyHandler)
	mux.HandleFunc("/metrics", s.app.HealthHandler.MetricsHandler)

	// 404 handler for everything else
	mux.HandleFunc("/", s.app.HealthHandler.NotFoundHandler)

	return mux
}
