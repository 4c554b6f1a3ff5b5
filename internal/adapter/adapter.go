// Package adapter defines the pluggable provider strategy contract. A
// concrete adapter turns a prompt into an asynchronous sequence of domain
// messages; the session runtime owns everything downstream of that.
package adapter

import (
	"context"
	"iter"

	"github.com/mfadeev/tether/internal/domain"
)

// ToolResultUpdate attaches a result to a previously emitted tool-use message
// instead of producing a new message.
type ToolResultUpdate struct {
	ToolID string
	Result string
}

// StreamItem is one yield from a provider stream. Message may be nil when the
// item only carries token usage or a tool-result update.
type StreamItem struct {
	Message *domain.Message

	// Options, when non-nil, must be merged into the session options before
	// processing continues (a provider reporting its resumable session id).
	Options *domain.SessionOptions

	// Usage, when non-nil, carries incremental token counts for the turn.
	Usage *domain.TokenDelta

	// ToolResult, when non-nil, resolves an earlier tool-use message.
	ToolResult *ToolResultUpdate
}

// AgentAdapter is the strategy that talks to one generative-AI provider.
type AgentAdapter interface {
	// Name identifies the provider.
	Name() string

	// Stream invokes the provider and yields transformed domain messages in
	// order. Any yielded error is fatal to the enclosing send.
	Stream(ctx context.Context, prompt domain.UserContent, opts domain.SessionOptions) iter.Seq2[*StreamItem, error]
}
