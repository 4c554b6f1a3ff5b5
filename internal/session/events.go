package session

import (
	"errors"
	"sync"
)

// Event names emitted by a session. The bridge forwards exactly this set.
const (
	EventAgentActive    = "agent:active"
	EventAgentCompleted = "agent:completed"
	EventAgentAborted   = "agent:aborted"
	EventAgentError     = "agent:error"

	EventMessageUser    = "message:user"
	EventMessageAgent   = "message:agent"
	EventMessageTool    = "message:tool"
	EventMessageSystem  = "message:system"
	EventMessageError   = "message:error"
	EventMessageUpdated = "message:updated"

	EventStreamStart = "stream:start"
	EventStreamChunk = "stream:chunk"
	EventStreamEnd   = "stream:end"

	EventSessionCreated   = "session:created"
	EventSessionCompleted = "session:completed"
	EventSessionDeleted   = "session:deleted"

	EventPersistStart   = "persistence:start"
	EventPersistSuccess = "persistence:success"
	EventPersistError   = "persistence:error"
)

// ForwardedEvents returns the fixed set of event names a transport bridge
// subscribes to.
func ForwardedEvents() []string {
	return []string{
		EventAgentActive, EventAgentCompleted, EventAgentAborted, EventAgentError,
		EventMessageUser, EventMessageAgent, EventMessageTool, EventMessageSystem,
		EventMessageError, EventMessageUpdated,
		EventStreamStart, EventStreamChunk, EventStreamEnd,
		EventSessionCreated, EventSessionCompleted, EventSessionDeleted,
		EventPersistStart, EventPersistSuccess, EventPersistError,
	}
}

// Event is one session occurrence delivered to subscribers.
type Event struct {
	Name      string
	SessionID string
	Data      any
}

// ErrBusClosed is returned when subscribing to a terminated session.
var ErrBusClosed = errors.New("event stream closed")

// Subscription identifies one registered listener.
type Subscription struct {
	name string
	id   int
}

type listener struct {
	id int
	fn func(Event)
}

// EventBus fans session events out to listeners. Listeners for an event name
// are invoked synchronously in registration order, which is what gives the
// transport its ordering guarantee.
type EventBus struct {
	mu     sync.Mutex
	closed bool
	nextID int
	subs   map[string][]listener
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]listener)}
}

// Subscribe registers fn for the named event. Subscribing to a closed bus
// fails.
func (b *EventBus) Subscribe(name string, fn func(Event)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Subscription{}, ErrBusClosed
	}

	b.nextID++
	b.subs[name] = append(b.subs[name], listener{id: b.nextID, fn: fn})
	return Subscription{name: name, id: b.nextID}, nil
}

// Unsubscribe removes a previously registered listener.
func (b *EventBus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	listeners := b.subs[sub.name]
	for i, l := range listeners {
		if l.id == sub.id {
			b.subs[sub.name] = append(listeners[:i:i], listeners[i+1:]...)
			return
		}
	}
}

// Emit invokes every listener registered for the event's name. Emitting on a
// closed bus is a no-op.
func (b *EventBus) Emit(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	listeners := append([]listener(nil), b.subs[ev.Name]...)
	b.mu.Unlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}

// Close terminates the bus; further subscriptions are rejected and further
// emissions dropped.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]listener)
}
