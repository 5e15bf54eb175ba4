package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
	"github.com/ternarybob/accedo/internal/interfaces"
)

const (
	componentHealthy   = "healthy"
	componentUnhealthy = "unhealthy"

	// pingTimeout bounds each dependency probe so a hung dependency
	// cannot stall the readiness endpoint.
	pingTimeout = 3 * time.Second
)

// HealthHandler serves the worker's liveness, readiness, and metrics
// endpoints. Readiness follows the worker's ability to take on scans:
// the queue must be reachable and the browser launchable. The database
// is probed and reported but does not gate readiness; commits are
// protected by job retries.
type HealthHandler struct {
	store   interfaces.ScanStore
	queue   interfaces.QueueInspector
	browser interfaces.BrowserService
	started time.Time
	logger  arbor.ILogger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(store interfaces.ScanStore, queue interfaces.QueueInspector, browser interfaces.BrowserService, logger arbor.ILogger) *HealthHandler {
	return &HealthHandler{
		store:   store,
		queue:   queue,
		browser: browser,
		started: time.Now(),
		logger:  logger,
	}
}

// LiveHandler handles GET /health and GET /health/live
func (h *HealthHandler) LiveHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"version":   common.GetVersion(),
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// componentStatus reports one dependency probe in the readiness body.
type componentStatus struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// ReadyHandler handles GET /health/ready
func (h *HealthHandler) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	ctx := r.Context()
	queueStatus := h.probe(ctx, h.queue.Ping)
	browserStatus := h.probe(ctx, h.browser.Ping)
	databaseStatus := h.probe(ctx, h.store.Ping)

	status := "ready"
	code := http.StatusOK
	if queueStatus.Status != componentHealthy || browserStatus.Status != componentHealthy {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	WriteJSON(w, code, map[string]interface{}{
		"status": status,
		"components": map[string]componentStatus{
			"queue":    queueStatus,
			"browser":  browserStatus,
			"database": databaseStatus,
		},
	})
}

// MetricsHandler handles GET /metrics
func (h *HealthHandler) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to read queue stats")
		WriteError(w, http.StatusServiceUnavailable, "queue stats unavailable")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"queue":          stats,
	})
}

// NotFoundHandler handles 404 errors with JSON response
func (h *HealthHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}

func (h *HealthHandler) probe(ctx context.Context, ping func(context.Context) error) componentStatus {
	probeCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	start := time.Now()
	err := ping(probeCtx)
	status := componentStatus{
		Status:    componentHealthy,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		status.Status = componentUnhealthy
		status.Error = err.Error()
	}
	return status
}
