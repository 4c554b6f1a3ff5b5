// Package api provides the REST surface over the session factory.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mfadeev/tether/internal/domain"
	"github.com/mfadeev/tether/internal/session"
	"github.com/mfadeev/tether/internal/store"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// SessionHandler handles session-related endpoints.
type SessionHandler struct {
	agent *session.Agent
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(agent *session.Agent) *SessionHandler {
	return &SessionHandler{agent: agent}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{sessionID}", h.Get)
		r.Delete("/{sessionID}", h.Delete)
		r.Get("/{sessionID}/messages", h.Messages)
	})
}

type sessionView struct {
	ID           string            `json:"id"`
	Summary      string            `json:"summary"`
	State        string            `json:"state"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastActivity time.Time         `json:"lastActivity"`
	ProjectPath  string            `json:"projectPath,omitempty"`
	TokenUsage   domain.TokenUsage `json:"tokenUsage"`
	MessageCount int               `json:"messageCount"`
}

func newSessionView(s *session.Session) sessionView {
	data := s.Data()
	return sessionView{
		ID:           s.ID(),
		Summary:      data.Summary,
		State:        string(s.State()),
		CreatedAt:    data.CreatedAt,
		LastActivity: data.LastActivity,
		ProjectPath:  data.CWD,
		TokenUsage:   s.TokenUsage(),
		MessageCount: len(s.Messages(0, 0)),
	}
}

// List returns sessions ordered by last activity, newest first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	sessions, err := h.agent.GetSessions(r.Context(), limit, offset)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, newSessionView(s))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// Create starts a new session.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectPath string `json:"projectPath"`
		Model       string `json:"model"`
	}
	if r.Body != nil {
		// An empty body means a session with default options.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sess, err := h.agent.CreateSession(r.Context(), domain.SessionOptions{
		ProjectPath: req.ProjectPath,
		Model:       req.Model,
	})
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	JSON(w, http.StatusCreated, newSessionView(sess))
}

// Get returns one session by id.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	sess, err := h.agent.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	JSON(w, http.StatusOK, newSessionView(sess))
}

// Delete removes a session and its history.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	if err := h.agent.DeleteSession(r.Context(), id); err != nil {
		slog.Error("Failed to delete session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Messages returns a page of the session's message log.
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	limit, offset := pagination(r)

	sess, err := h.agent.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load session", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	msgs := sess.Messages(limit, offset)
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func pagination(r *http.Request) (limit, offset int) {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	pers store.Persister
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(pers store.Persister) *HealthHandler {
	return &HealthHandler{pers: pers}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if h.pers != nil {
		if err := h.pers.Ping(ctx); err != nil {
			slog.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			status["checks"].(map[string]string)["database"] = "unreachable"
			statusCode = http.StatusServiceUnavailable
		} else {
			status["checks"].(map[string]string)["database"] = "ok"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
