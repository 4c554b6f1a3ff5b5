// Package store provides session persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/mfadeev/tether/internal/domain"
)

// Persister defines the durable-storage strategy for session metadata and
// message history. The session runtime treats every call as fire-and-forget:
// failures are logged, never surfaced to a live conversation.
type Persister interface {
	// SaveSession creates or updates the persisted projection of a session.
	SaveSession(ctx context.Context, data *domain.SessionData) error

	// GetSession retrieves a session projection by id, nil if absent.
	GetSession(ctx context.Context, id string) (*domain.SessionData, error)

	// GetAllSessions retrieves every session ordered by last_activity descending.
	GetAllSessions(ctx context.Context) ([]*domain.SessionData, error)

	// DeleteSession removes a session and cascades to its messages.
	DeleteSession(ctx context.Context, id string) error

	// SaveMessage persists a single message for a session.
	SaveMessage(ctx context.Context, sessionID string, msg *domain.Message) error

	// SaveMessages persists a batch of messages in one transaction.
	SaveMessages(ctx context.Context, sessionID string, msgs []*domain.Message) error

	// GetMessages retrieves messages in chronological order. limit <= 0 means
	// no limit.
	GetMessages(ctx context.Context, sessionID string, limit, offset int) ([]*domain.Message, error)

	// DeleteMessages removes all messages for a session.
	DeleteMessages(ctx context.Context, sessionID string) error

	// GetMessageCount returns the number of persisted messages for a session.
	GetMessageCount(ctx context.Context, sessionID string) (int, error)

	// Ping verifies storage connectivity.
	Ping(ctx context.Context) error

	// Close closes the underlying store.
	Close() error
}
