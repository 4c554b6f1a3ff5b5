package session

import (
	"errors"
	"testing"
)

func TestEventBusInvokesInRegistrationOrder(t *testing.T) {
	bus := NewEventBus()

	var order []int
	for i := 1; i <= 3; i++ {
		n := i
		if _, err := bus.Subscribe("message:agent", func(Event) {
			order = append(order, n)
		}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	bus.Emit(Event{Name: "message:agent"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("invocation order = %v, want [1 2 3]", order)
	}
}

func TestEventBusNameIsolation(t *testing.T) {
	bus := NewEventBus()

	var got string
	if _, err := bus.Subscribe("agent:completed", func(ev Event) {
		got = ev.Name
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Emit(Event{Name: "agent:error"})
	if got != "" {
		t.Errorf("listener fired for %q, subscribed to agent:completed", got)
	}

	bus.Emit(Event{Name: "agent:completed"})
	if got != "agent:completed" {
		t.Errorf("listener did not fire for its own name, got %q", got)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()

	calls := 0
	sub, err := bus.Subscribe("stream:chunk", func(Event) { calls++ })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Emit(Event{Name: "stream:chunk"})
	bus.Unsubscribe(sub)
	bus.Emit(Event{Name: "stream:chunk"})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	// Unsubscribing twice is a no-op.
	bus.Unsubscribe(sub)
}

func TestEventBusCloseRejectsSubscriptions(t *testing.T) {
	bus := NewEventBus()
	bus.Close()

	if _, err := bus.Subscribe("agent:active", func(Event) {}); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe after close = %v, want ErrBusClosed", err)
	}

	// Emitting on a closed bus is silently dropped.
	bus.Emit(Event{Name: "agent:active"})
}

func TestForwardedEventsCoverLifecycle(t *testing.T) {
	names := make(map[string]bool)
	for _, name := range ForwardedEvents() {
		if names[name] {
			t.Errorf("duplicate forwarded event %q", name)
		}
		names[name] = true
	}

	for _, required := range []string{
		EventAgentActive, EventAgentCompleted, EventAgentAborted, EventAgentError,
		EventMessageUser, EventMessageAgent, EventMessageUpdated,
		EventStreamStart, EventStreamChunk, EventStreamEnd,
		EventSessionCreated, EventSessionDeleted,
	} {
		if !names[required] {
			t.Errorf("forwarded set missing %q", required)
		}
	}
}

func TestPersistQueueFlushBarrier(t *testing.T) {
	q := newPersistQueue(8)
	defer q.Close()

	ran := 0
	for i := 0; i < 5; i++ {
		q.Enqueue(func() { ran++ })
	}
	q.Flush()

	if ran != 5 {
		t.Errorf("ran = %d, want 5 after Flush", ran)
	}
}

func TestPersistQueueCloseDrains(t *testing.T) {
	q := newPersistQueue(8)

	ran := 0
	q.Enqueue(func() { ran++ })
	q.Close()

	if ran != 1 {
		t.Errorf("ran = %d, want 1 after Close", ran)
	}

	// Enqueue after close is dropped, Close is idempotent.
	q.Enqueue(func() { ran++ })
	q.Close()
	if ran != 1 {
		t.Errorf("ran = %d after post-close enqueue, want 1", ran)
	}
}
