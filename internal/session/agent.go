package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mfadeev/tether/internal/adapter"
	"github.com/mfadeev/tether/internal/domain"
	"github.com/mfadeev/tether/internal/store"
)

// Agent is the factory and registry for live sessions. Collaborators go
// through it; they never touch the adapter or the persister directly. The
// registry is owned here, not a package-level global.
type Agent struct {
	adapter adapter.AgentAdapter
	pers    store.Persister

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewAgent creates a factory backed by the given provider adapter and
// persister. pers may be nil for fully in-memory operation.
func NewAgent(ad adapter.AgentAdapter, pers store.Persister) *Agent {
	return &Agent{
		adapter:  ad,
		pers:     pers,
		sessions: make(map[string]*Session),
	}
}

// CreateSession starts a fresh session and registers it.
func (a *Agent) CreateSession(ctx context.Context, opts domain.SessionOptions) (*Session, error) {
	sess, err := New(ctx, "", opts, a.adapter, a.pers)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	a.mu.Lock()
	a.sessions[sess.ID()] = sess
	a.mu.Unlock()

	if a.pers != nil {
		data := sess.Data()
		if err := a.pers.SaveSession(ctx, data); err != nil {
			slog.Warn("failed to persist new session", "session_id", sess.ID(), "error", err)
		}
	}

	slog.Info("session created", "session_id", sess.ID(), "project_path", opts.ProjectPath)
	return sess, nil
}

// GetSession returns the live session for id, rehydrating it from the
// persister when necessary. Returns nil when the id is unknown.
func (a *Agent) GetSession(ctx context.Context, id string) (*Session, error) {
	a.mu.Lock()
	if sess, ok := a.sessions[id]; ok {
		a.mu.Unlock()
		return sess, nil
	}
	a.mu.Unlock()

	if a.pers == nil {
		return nil, nil
	}

	data, err := a.pers.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup session %s: %w", id, err)
	}
	if data == nil {
		return nil, nil
	}

	sess, err := New(ctx, id, optionsFromData(data), a.adapter, a.pers)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	// Another caller may have rehydrated concurrently; keep the first.
	if existing, ok := a.sessions[id]; ok {
		a.mu.Unlock()
		sess.Shutdown()
		return existing, nil
	}
	a.sessions[id] = sess
	a.mu.Unlock()

	slog.Info("session rehydrated", "session_id", id)
	return sess, nil
}

// GetSessions returns sessions ordered by last activity descending,
// paginated by limit and offset. limit <= 0 means no limit.
func (a *Agent) GetSessions(ctx context.Context, limit, offset int) ([]*Session, error) {
	if a.pers == nil {
		return a.liveSessions(), nil
	}

	all, err := a.pers.GetAllSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	sessions := make([]*Session, 0, end-offset)
	for _, data := range all[offset:end] {
		sess, err := a.GetSession(ctx, data.ID)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// DeleteSession terminates the live session, drops it from the registry and
// removes its durable copy.
func (a *Agent) DeleteSession(ctx context.Context, id string) error {
	a.mu.Lock()
	sess, ok := a.sessions[id]
	delete(a.sessions, id)
	a.mu.Unlock()

	if ok {
		if err := sess.Delete(); err != nil {
			// Already terminal; the durable copy still needs removal.
			slog.Debug("session already terminal on delete", "session_id", id, "error", err)
		}
		sess.Shutdown()
	}

	if a.pers != nil {
		if err := a.pers.DeleteSession(ctx, id); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
	}

	slog.Info("session deleted", "session_id", id)
	return nil
}

// Shutdown drains every live session's persistence queue.
func (a *Agent) Shutdown() {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, sess := range a.sessions {
		sessions = append(sessions, sess)
	}
	a.mu.Unlock()

	for _, sess := range sessions {
		sess.Shutdown()
	}
}

func (a *Agent) liveSessions() []*Session {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Session, 0, len(a.sessions))
	for _, sess := range a.sessions {
		out = append(out, sess)
	}
	return out
}

// optionsFromData reconstructs session options from the persisted projection.
func optionsFromData(data *domain.SessionData) domain.SessionOptions {
	opts := domain.SessionOptions{ProjectPath: data.CWD}
	if data.Metadata == "" {
		return opts
	}

	var meta domain.SessionMetadata
	if err := json.Unmarshal([]byte(data.Metadata), &meta); err != nil {
		slog.Warn("failed to parse persisted session metadata", "session_id", data.ID, "error", err)
		return opts
	}
	if meta.ProjectPath != "" {
		opts.ProjectPath = meta.ProjectPath
	}
	opts.Resume = meta.ProviderSessionID
	return opts
}
