package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/outreach-ai/internal/store"
)

const defaultHealthCheckTimeout = 5 * time.Second

// ProbeFunc checks a dependency.
type ProbeFunc func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	timeout time.Duration
	// agent is nil when AI sessions are disabled.
	agent ProbeFunc
}

// NewHealthHandler creates a new health handler. agentProbe may be nil.
func NewHealthHandler(repo store.Repository, timeout time.Duration, agentProbe ProbeFunc) *HealthHandler {
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	return &HealthHandler{repo: repo, timeout: timeout, agent: agentProbe}
}

// Health returns the health status of the API and its dependencies. The
// agent only degrades the status; the API stays usable without it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	switch {
	case h.agent == nil:
		checks["agent"] = "disabled"
	case h.agent(ctx) != nil:
		status["status"] = "degraded"
		checks["agent"] = "unreachable"
	default:
		checks["agent"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
