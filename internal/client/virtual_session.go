package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mfadeev/tether/internal/domain"
	"github.com/mfadeev/tether/internal/protocol"
	"github.com/mfadeev/tether/internal/session"
)

// ErrSendInFlight is returned when Send is called while a previous turn is
// still unresolved.
var ErrSendInFlight = errors.New("a send is already in flight")

// VirtualSession is the client-side proxy for one server session. It mirrors
// the message log from forwarded events and resolves Send when the agent
// turn finishes.
type VirtualSession struct {
	id    string
	agent *BrowserAgent

	mu        sync.Mutex
	messages  []*domain.Message
	summary   string
	usage     domain.TokenUsage
	meta      domain.SessionMetadata
	active    bool
	completed bool
	pending   chan error
	listeners []func(eventName string, data json.RawMessage)
}

func newVirtualSession(id string, agent *BrowserAgent) *VirtualSession {
	return &VirtualSession{id: id, agent: agent}
}

// ID returns the session identifier.
func (v *VirtualSession) ID() string { return v.id }

// Send submits a user turn and blocks until the server reports the turn
// completed or failed. Only one turn may be in flight.
func (v *VirtualSession) Send(content domain.UserContent) error {
	v.mu.Lock()
	if v.pending != nil {
		v.mu.Unlock()
		return ErrSendInFlight
	}
	waiter := make(chan error, 1)
	v.pending = waiter
	v.mu.Unlock()

	raw, err := json.Marshal(content)
	if err != nil {
		v.clearPending()
		return fmt.Errorf("encode content: %w", err)
	}
	if err := v.agent.writeCommand(&protocol.ClientMessage{
		Type:      protocol.TypeSessionSend,
		SessionID: v.id,
		Content:   raw,
	}); err != nil {
		v.clearPending()
		return err
	}

	return <-waiter
}

// Abort requests cancellation of the in-flight turn. Fire and forget; the
// outcome arrives as an agent:aborted event.
func (v *VirtualSession) Abort() error {
	return v.command(protocol.TypeSessionAbort)
}

// Complete marks the session finished on the server.
func (v *VirtualSession) Complete() error {
	return v.command(protocol.TypeSessionComplete)
}

// Delete removes the session and its history on the server.
func (v *VirtualSession) Delete() error {
	return v.command(protocol.TypeSessionDelete)
}

func (v *VirtualSession) command(cmdType string) error {
	return v.agent.writeCommand(&protocol.ClientMessage{
		Type:      cmdType,
		SessionID: v.id,
	})
}

// Messages returns a snapshot of the mirrored log.
func (v *VirtualSession) Messages() []*domain.Message {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]*domain.Message, len(v.messages))
	for i, m := range v.messages {
		out[i] = m.Clone()
	}
	return out
}

// Summary returns the last summary observed from the server.
func (v *VirtualSession) Summary() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.summary
}

// TokenUsage returns the accounting snapshot last reported by the server.
// It is zero until a turn completes.
func (v *VirtualSession) TokenUsage() domain.TokenUsage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.usage
}

// Metadata returns the metadata snapshot last reported by the server.
func (v *VirtualSession) Metadata() domain.SessionMetadata {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.meta
}

// IsActive reports whether an agent turn is running server-side.
func (v *VirtualSession) IsActive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

// IsCompleted reports whether the session reached a terminal state.
func (v *VirtualSession) IsCompleted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.completed
}

// OnEvent registers a callback invoked for every forwarded event, after the
// mirror has been updated.
func (v *VirtualSession) OnEvent(fn func(eventName string, data json.RawMessage)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, fn)
}

// deliver applies one forwarded event to the local mirror and notifies
// listeners.
func (v *VirtualSession) deliver(eventName string, data json.RawMessage) {
	v.mu.Lock()
	var waiter chan error
	var waiterErr error

	switch eventName {
	case session.EventAgentActive:
		v.active = true

	case session.EventAgentCompleted, session.EventAgentAborted:
		v.active = false
		waiter = v.pending
		v.pending = nil
		v.applySnapshot(data)

	case session.EventAgentError:
		v.active = false
		waiter = v.pending
		v.pending = nil
		waiterErr = errors.New(v.errorText(data))

	case session.EventSessionCompleted, session.EventSessionDeleted:
		v.completed = true
		waiter = v.pending
		v.pending = nil
		waiterErr = fmt.Errorf("session %s: %s", v.id, eventName)

	case session.EventMessageUser, session.EventMessageAgent, session.EventMessageTool,
		session.EventMessageSystem, session.EventMessageError:
		if msg := decodeMessage(data); msg != nil {
			v.messages = append(v.messages, msg)
		}

	case session.EventMessageUpdated:
		if msg := decodeMessage(data); msg != nil {
			v.replaceMessage(msg)
		}

	case session.EventSessionCreated:
		var payload struct {
			Summary string `json:"summary"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Summary != "" {
			v.summary = payload.Summary
		}
	}

	listeners := append(([]func(string, json.RawMessage))(nil), v.listeners...)
	v.mu.Unlock()

	if waiter != nil {
		waiter <- waiterErr
	}
	for _, fn := range listeners {
		fn(eventName, data)
	}
}

// deliverError resolves a server error envelope addressed to this session.
func (v *VirtualSession) deliverError(message string) {
	v.mu.Lock()
	waiter := v.pending
	v.pending = nil
	listeners := append(([]func(string, json.RawMessage))(nil), v.listeners...)
	v.mu.Unlock()

	if waiter != nil {
		waiter <- errors.New(message)
	} else {
		slog.Error("session error", "session_id", v.id, "error", message)
	}
	payload, _ := json.Marshal(map[string]string{"message": message})
	for _, fn := range listeners {
		fn("error", payload)
	}
}

// rejectPending fails an in-flight Send without a server round trip. Used
// when the transport is abandoned.
func (v *VirtualSession) rejectPending(err error) {
	v.mu.Lock()
	waiter := v.pending
	v.pending = nil
	v.mu.Unlock()

	if waiter != nil {
		waiter <- err
	}
}

func (v *VirtualSession) clearPending() {
	v.mu.Lock()
	v.pending = nil
	v.mu.Unlock()
}

// replaceMessage swaps the mirrored copy matching the update's id. Scans
// from the tail since updates target recent tool messages.
func (v *VirtualSession) replaceMessage(msg *domain.Message) {
	for i := len(v.messages) - 1; i >= 0; i-- {
		if v.messages[i].ID == msg.ID {
			v.messages[i] = msg
			return
		}
	}
	v.messages = append(v.messages, msg)
}

// applySnapshot caches the usage and metadata a turn settlement carries.
// Called with v.mu held.
func (v *VirtualSession) applySnapshot(data json.RawMessage) {
	var payload struct {
		TokenUsage *domain.TokenUsage      `json:"tokenUsage"`
		Metadata   *domain.SessionMetadata `json:"metadata"`
	}
	if json.Unmarshal(data, &payload) != nil {
		return
	}
	if payload.TokenUsage != nil {
		v.usage = *payload.TokenUsage
	}
	if payload.Metadata != nil {
		v.meta = *payload.Metadata
	}
}

func (v *VirtualSession) errorText(data json.RawMessage) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return "agent error"
}

func decodeMessage(data json.RawMessage) *domain.Message {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("malformed message event", "error", err)
		return nil
	}
	return &msg
}
