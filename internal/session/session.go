// Package session implements the session runtime: the per-conversation state
// machine, the append-only message log, token accounting, event fan-out, and
// the factory that owns the live session registry.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mfadeev/tether/internal/adapter"
	"github.com/mfadeev/tether/internal/domain"
	"github.com/mfadeev/tether/internal/store"
)

// State is a session lifecycle state.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateIdle      State = "idle"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
	StateError     State = "error"
	StateDeleted   State = "deleted"
)

// Terminal reports whether no further operations are valid from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateError, StateDeleted:
		return true
	}
	return false
}

// InvalidTransitionError is returned when an operation is attempted from a
// state that forbids it.
type InvalidTransitionError struct {
	Op    string
	State State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s session in state %q", e.Op, e.State)
}

const persistTimeout = 5 * time.Second

// Session owns one resumable conversation: its message log, token accounting
// and state machine. It drives the provider adapter on Send and schedules
// persistence in the background.
type Session struct {
	id      string
	adapter adapter.AgentAdapter
	pers    store.Persister
	bus     *EventBus
	queue   *persistQueue

	mu         sync.Mutex
	state      State
	log        []*domain.Message
	usage      domain.TokenUsage
	opts       domain.SessionOptions
	meta       domain.SessionMetadata
	createdAt  time.Time
	lastActive time.Time
	sendCancel context.CancelFunc
}

// New creates a session. When the persister already holds messages for id,
// they are replayed into the live log and the event stream before New
// returns, so a reconnecting observer sees history.
func New(ctx context.Context, id string, opts domain.SessionOptions, ad adapter.AgentAdapter, pers store.Persister) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	s := &Session{
		id:      id,
		adapter: ad,
		pers:    pers,
		bus:     NewEventBus(),
		queue:   newPersistQueue(0),
		state:   StateCreated,
		opts:    opts,
		meta: domain.SessionMetadata{
			ProjectPath:       opts.ProjectPath,
			StartTime:         now,
			ProviderSessionID: opts.Resume,
		},
		createdAt:  now,
		lastActive: now,
	}

	if pers != nil {
		msgs, err := pers.GetMessages(ctx, id, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("load session %s history: %w", id, err)
		}
		s.log = msgs
		for _, msg := range msgs {
			s.bus.Emit(Event{Name: messageEventName(msg.Type), SessionID: id, Data: msg.Clone()})
		}
	}

	s.bus.Emit(Event{Name: EventSessionCreated, SessionID: id, Data: map[string]string{"state": string(StateCreated)}})
	return s, nil
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsActive reports whether a send is currently in flight.
func (s *Session) IsActive() bool { return s.State() == StateActive }

// IsCompleted reports whether the session was explicitly completed.
func (s *Session) IsCompleted() bool { return s.State() == StateCompleted }

// Events exposes the session's event stream for subscribers.
func (s *Session) Events() *EventBus { return s.bus }

// Send appends the user content to the log, drives the provider adapter and
// folds every streamed item back into the session. It blocks until the
// provider stream is exhausted or fails. Only one send may be in flight: a
// send issued while the session is active is rejected rather than queued.
func (s *Session) Send(ctx context.Context, content domain.UserContent) error {
	s.mu.Lock()
	if s.state.Terminal() {
		err := &InvalidTransitionError{Op: "send", State: s.state}
		s.mu.Unlock()
		return err
	}
	if s.state == StateActive {
		err := &InvalidTransitionError{Op: "send", State: s.state}
		s.mu.Unlock()
		return err
	}

	sendCtx, cancel := context.WithCancel(ctx)
	s.sendCancel = cancel
	s.state = StateActive
	opts := s.opts
	s.mu.Unlock()
	defer cancel()

	userMsg := &domain.Message{
		ID:        uuid.NewString(),
		Type:      domain.MessageTypeUser,
		Timestamp: time.Now(),
		Content:   content.Text,
		Blocks:    content.Blocks,
	}
	s.append(userMsg)

	s.bus.Emit(Event{Name: EventAgentActive, SessionID: s.id, Data: map[string]string{"state": string(StateActive)}})
	s.bus.Emit(Event{Name: EventStreamStart, SessionID: s.id})

	for item, err := range s.adapter.Stream(sendCtx, content, opts) {
		if err != nil {
			return s.failSend(err)
		}
		if s.State() != StateActive {
			// Aborted or completed mid-stream; drop the remainder silently.
			return nil
		}
		s.applyItem(item)
	}

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	s.state = StateIdle
	s.lastActive = time.Now()
	s.mu.Unlock()

	s.bus.Emit(Event{Name: EventStreamEnd, SessionID: s.id})
	s.bus.Emit(Event{Name: EventAgentCompleted, SessionID: s.id, Data: map[string]any{
		"state":      string(StateIdle),
		"tokenUsage": s.TokenUsage(),
		"metadata":   s.Metadata(),
	}})
	s.saveMetadata()
	return nil
}

// applyItem folds one adapter yield into the session.
func (s *Session) applyItem(item *adapter.StreamItem) {
	if item.Options != nil {
		s.mu.Lock()
		s.opts.Merge(*item.Options)
		if item.Options.Resume != "" {
			s.meta.ProviderSessionID = item.Options.Resume
		}
		s.mu.Unlock()
	}

	if item.ToolResult != nil {
		s.attachToolResult(item.ToolResult.ToolID, item.ToolResult.Result)
	}

	if item.Message != nil {
		msg := item.Message
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		s.append(msg)
		s.bus.Emit(Event{Name: EventStreamChunk, SessionID: s.id, Data: msg.Clone()})
	}

	if item.Usage != nil {
		s.mu.Lock()
		s.usage.Add(*item.Usage)
		s.mu.Unlock()
	}
}

// append adds msg to the log, emits its message-added event and schedules a
// durability write.
func (s *Session) append(msg *domain.Message) {
	s.mu.Lock()
	s.log = append(s.log, msg)
	s.lastActive = time.Now()
	s.mu.Unlock()

	s.bus.Emit(Event{Name: messageEventName(msg.Type), SessionID: s.id, Data: msg.Clone()})

	// The live message may gain a tool result while the queue goroutine is
	// still writing; persist a detached copy.
	saved := msg.Clone()
	s.persistAsync("message", func(ctx context.Context) error {
		return s.pers.SaveMessage(ctx, s.id, saved)
	})
}

// attachToolResult resolves a previously emitted tool-use message. This is
// the only in-place mutation the log permits.
func (s *Session) attachToolResult(toolID, result string) {
	s.mu.Lock()
	var target *domain.Message
	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].IsToolUse && s.log[i].ToolID == toolID {
			target = s.log[i]
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		slog.Warn("tool result for unknown tool id", "session_id", s.id, "tool_id", toolID)
		return
	}
	target.ToolResult = &result
	updated := target.Clone()
	s.mu.Unlock()

	s.bus.Emit(Event{Name: EventMessageUpdated, SessionID: s.id, Data: updated})
	s.persistAsync("message", func(ctx context.Context) error {
		return s.pers.SaveMessage(ctx, s.id, updated)
	})
}

// failSend moves the session to the error state, surfaces the failure inline
// as an error message, notifies subscribers and closes the stream. If an
// abort raced the failure, the abort wins and the error is dropped.
func (s *Session) failSend(err error) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	s.state = StateError
	s.mu.Unlock()

	s.append(&domain.Message{
		ID:        uuid.NewString(),
		Type:      domain.MessageTypeError,
		Timestamp: time.Now(),
		Content:   err.Error(),
	})
	s.bus.Emit(Event{Name: EventAgentError, SessionID: s.id, Data: map[string]string{"error": err.Error()}})
	s.bus.Close()
	return err
}

// Abort cancels an in-flight send. Valid only while active.
func (s *Session) Abort() error {
	s.mu.Lock()
	if s.state != StateActive {
		err := &InvalidTransitionError{Op: "abort", State: s.state}
		s.mu.Unlock()
		return err
	}
	s.state = StateAborted
	cancel := s.sendCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.bus.Emit(Event{Name: EventAgentAborted, SessionID: s.id, Data: map[string]string{"state": string(StateAborted)}})
	s.bus.Close()
	return nil
}

// Complete finishes the session. Valid from any non-terminal state.
func (s *Session) Complete() error {
	if err := s.terminate("complete", StateCompleted); err != nil {
		return err
	}
	s.saveMetadata()
	s.bus.Emit(Event{Name: EventSessionCompleted, SessionID: s.id})
	s.bus.Close()
	return nil
}

// Delete marks the session deleted. Valid from any non-terminal state. The
// durable copy is removed by the owning factory.
func (s *Session) Delete() error {
	if err := s.terminate("delete", StateDeleted); err != nil {
		return err
	}
	s.bus.Emit(Event{Name: EventSessionDeleted, SessionID: s.id})
	s.bus.Close()
	return nil
}

func (s *Session) terminate(op string, to State) error {
	s.mu.Lock()
	if s.state.Terminal() {
		err := &InvalidTransitionError{Op: op, State: s.state}
		s.mu.Unlock()
		return err
	}
	s.state = to
	cancel := s.sendCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Messages returns a slice of the log. limit <= 0 means everything from
// offset on.
func (s *Session) Messages(limit, offset int) []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.log) {
		return nil
	}
	end := len(s.log)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]*domain.Message, 0, end-offset)
	for _, msg := range s.log[offset:end] {
		out = append(out, msg.Clone())
	}
	return out
}

// TokenUsage returns a copy of the cumulative token accounting.
func (s *Session) TokenUsage() domain.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Metadata returns a copy of the session metadata.
func (s *Session) Metadata() domain.SessionMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Summary derives a short title from the log.
func (s *Session) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Summarize(s.log)
}

// Data builds the persisted projection of the session.
func (s *Session) Data() *domain.SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()

	metadata, err := json.Marshal(s.meta)
	if err != nil {
		slog.Warn("failed to serialize session metadata", "session_id", s.id, "error", err)
	}
	return &domain.SessionData{
		ID:           s.id,
		Summary:      domain.Summarize(s.log),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActive,
		CWD:          s.opts.ProjectPath,
		Metadata:     string(metadata),
	}
}

// Flush waits for all scheduled durability writes. Test hook.
func (s *Session) Flush() {
	s.queue.Flush()
}

// Shutdown drains the persistence queue. The event stream is left to the
// lifecycle operations.
func (s *Session) Shutdown() {
	s.queue.Close()
}

func (s *Session) saveMetadata() {
	data := s.Data()
	s.persistAsync("session", func(ctx context.Context) error {
		return s.pers.SaveSession(ctx, data)
	})
}

// persistAsync schedules a fire-and-forget durability write. Failures are
// logged and never surfaced to the conversation.
func (s *Session) persistAsync(label string, fn func(context.Context) error) {
	if s.pers == nil {
		return
	}
	s.queue.Enqueue(func() {
		s.bus.Emit(Event{Name: EventPersistStart, SessionID: s.id, Data: map[string]string{"op": label}})

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			slog.Warn("persistence failed", "session_id", s.id, "op", label, "error", err)
			s.bus.Emit(Event{Name: EventPersistError, SessionID: s.id, Data: map[string]string{"op": label, "error": err.Error()}})
			return
		}
		s.bus.Emit(Event{Name: EventPersistSuccess, SessionID: s.id, Data: map[string]string{"op": label}})
	})
}

func messageEventName(t domain.MessageType) string {
	switch t {
	case domain.MessageTypeUser:
		return EventMessageUser
	case domain.MessageTypeAgent:
		return EventMessageAgent
	case domain.MessageTypeTool:
		return EventMessageTool
	case domain.MessageTypeSystem:
		return EventMessageSystem
	case domain.MessageTypeError:
		return EventMessageError
	}
	return EventMessageSystem
}
