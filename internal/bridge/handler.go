package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/mfadeev/tether/internal/domain"
	"github.com/mfadeev/tether/internal/session"
)

// Handler upgrades HTTP requests to WebSocket connections and binds each one
// to a session through a Bridge.
type Handler struct {
	agent         *session.Agent
	sendTimeout   time.Duration
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a new WebSocket handler.
func NewHandler(agent *session.Agent, sendTimeout time.Duration, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		agent:         agent,
		sendTimeout:   sendTimeout,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade. The sessionId
// query parameter attaches to an existing session; without it a fresh
// session is created (projectPath/model taken from query parameters).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sess, err := h.resolveSession(r)
	if err != nil {
		slog.Error("Failed to resolve session", "error", err)
		http.Error(w, "failed to resolve session", http.StatusInternalServerError)
		return
	}
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sess.ID())
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session detached"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sess.ID())
		}
	}()

	slog.Info("WebSocket session attached", "session_id", sess.ID(), "ip", r.RemoteAddr)

	b := New(sess, NewWebSocketConn(ws), h.sendTimeout)
	defer b.Destroy()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := b.Run(ctx); err != nil {
		if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
			slog.Debug("WebSocket closed by client", "session_id", sess.ID())
		} else {
			slog.Warn("WebSocket read error", "error", err, "session_id", sess.ID())
		}
	}

	slog.Info("WebSocket session detached", "session_id", sess.ID())
}

func (h *Handler) resolveSession(r *http.Request) (*session.Session, error) {
	q := r.URL.Query()
	if id := q.Get("sessionId"); id != "" {
		return h.agent.GetSession(r.Context(), id)
	}
	return h.agent.CreateSession(r.Context(), domain.SessionOptions{
		ProjectPath: q.Get("projectPath"),
		Model:       q.Get("model"),
	})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
