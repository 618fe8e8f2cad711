package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/deploychat/internal/store"
	"github.com/go-chi/chi/v5"
)

// EngineProbe reports whether the deployment engine is reachable.
type EngineProbe interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	engine  EngineProbe
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. engine may be nil.
func NewHealthHandler(repo store.Repository, engine EngineProbe) *HealthHandler {
	return &HealthHandler{repo: repo, engine: engine, timeout: 5 * time.Second}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
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

	if h.engine != nil {
		if err := h.engine.Health(ctx); err != nil {
			slog.Warn("Engine health check failed", "error", err)
			status["status"] = "degraded"
			checks["engine"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["engine"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
