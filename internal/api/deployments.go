package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/deploychat/internal/domain"
	"github.com/ashureev/deploychat/internal/identity"
	"github.com/go-chi/chi/v5"
)

// DeploymentHandler serves deployment history and chat transcripts.
type DeploymentHandler struct {
	*Handler
}

// NewDeploymentHandler creates a deployment handler.
func NewDeploymentHandler(base *Handler) *DeploymentHandler {
	return &DeploymentHandler{Handler: base}
}

// RegisterRoutes registers deployment routes.
func (h *DeploymentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions/{sessionID}/deployments", h.ListDeployments)
		r.Get("/sessions/{sessionID}/messages", h.ListMessages)
		r.Get("/deployments/{id}", h.GetDeployment)
	})
}

type deploymentResponse struct {
	*domain.Deployment
	Duration string `json:"duration,omitempty"`
}

func toResponse(d *domain.Deployment) deploymentResponse {
	resp := deploymentResponse{Deployment: d}
	if d.FinishedAt != nil {
		resp.Duration = d.Duration().String()
	}
	return resp
}

// ListDeployments returns a session's deployments, newest first.
func (h *DeploymentHandler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !identity.IsValidSessionID(sessionID) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}
	limit, ok := listLimit(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid limit")
		return
	}

	list, err := h.repo.ListDeployments(r.Context(), sessionID, limit)
	if err != nil {
		slog.Error("Failed to list deployments", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to list deployments")
		return
	}

	out := make([]deploymentResponse, 0, len(list))
	for _, d := range list {
		out = append(out, toResponse(d))
	}
	JSON(w, http.StatusOK, map[string]any{"deployments": out})
}

// GetDeployment returns one deployment record.
func (h *DeploymentHandler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := h.repo.GetDeployment(r.Context(), id)
	if err != nil {
		slog.Error("Failed to get deployment", "error", err, "deployment_id", id)
		Error(w, http.StatusInternalServerError, "failed to get deployment")
		return
	}
	if d == nil {
		Error(w, http.StatusNotFound, "deployment not found")
		return
	}
	JSON(w, http.StatusOK, toResponse(d))
}

// ListMessages returns the stored chat transcript of a session, oldest first.
func (h *DeploymentHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !identity.IsValidSessionID(sessionID) {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}
	limit, ok := listLimit(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid limit")
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), sessionID, limit)
	if err != nil {
		slog.Error("Failed to list messages", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
