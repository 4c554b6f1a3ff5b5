package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/mfadeev/tether/internal/adapter"
	"github.com/mfadeev/tether/internal/domain"
	"github.com/mfadeev/tether/internal/protocol"
	"github.com/mfadeev/tether/internal/session"
)

// fakeConn is an in-memory Conn: inbound frames are fed through a channel,
// outbound frames are collected.
type fakeConn struct {
	inbound chan []byte

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) messages(t *testing.T) []*protocol.ServerMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*protocol.ServerMessage, 0, len(c.written))
	for _, data := range c.written {
		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal written frame: %v", err)
		}
		out = append(out, &msg)
	}
	return out
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

type echoAdapter struct{}

func (echoAdapter) Name() string { return "echo" }

func (echoAdapter) Stream(ctx context.Context, prompt domain.UserContent, opts domain.SessionOptions) iter.Seq2[*adapter.StreamItem, error] {
	return func(yield func(*adapter.StreamItem, error) bool) {
		yield(&adapter.StreamItem{Message: &domain.Message{
			Type:    domain.MessageTypeAgent,
			Content: "echo: " + prompt.PlainText(),
		}}, nil)
	}
}

func newTestBridge(t *testing.T) (*Bridge, *fakeConn, *session.Session) {
	t.Helper()
	sess, err := session.New(context.Background(), "sess-1", domain.SessionOptions{}, echoAdapter{}, nil)
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}
	conn := newFakeConn()
	b := New(sess, conn, 0)
	t.Cleanup(b.Destroy)
	return b, conn, sess
}

func runBridge(t *testing.T, b *Bridge) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func command(t *testing.T, cmdType, sessionID string, content any) []byte {
	t.Helper()
	env := map[string]any{"type": cmdType, "sessionId": sessionID}
	if content != nil {
		env["content"] = content
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return data
}

func TestBridgeForwardsSendEvents(t *testing.T) {
	b, conn, sess := newTestBridge(t)
	runBridge(t, b)

	conn.inbound <- command(t, protocol.TypeSessionSend, "sess-1", "hello")

	waitFor(t, func() bool { return sess.State() == session.StateIdle })
	waitFor(t, func() bool {
		for _, msg := range conn.messages(t) {
			if msg.EventName == session.EventAgentCompleted {
				return true
			}
		}
		return false
	})

	var names []string
	for _, msg := range conn.messages(t) {
		if msg.Type != protocol.TypeEvent {
			t.Errorf("unexpected envelope type %q", msg.Type)
		}
		if msg.SessionID != "sess-1" {
			t.Errorf("envelope session id = %q", msg.SessionID)
		}
		names = append(names, msg.EventName)
	}

	// Emission order must survive onto the wire: the user message lands in
	// the log before the session reports itself active.
	want := []string{
		session.EventMessageUser,
		session.EventAgentActive,
		session.EventStreamStart,
		session.EventMessageAgent,
		session.EventStreamChunk,
		session.EventStreamEnd,
		session.EventAgentCompleted,
	}
	if len(names) != len(want) {
		t.Fatalf("event names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestBridgeUnknownCommandKeepsConnection(t *testing.T) {
	b, conn, sess := newTestBridge(t)
	runBridge(t, b)

	conn.inbound <- command(t, "session:compact", "sess-1", nil)
	waitFor(t, func() bool { return len(conn.messages(t)) > 0 })

	msgs := conn.messages(t)
	if msgs[0].Type != protocol.TypeError || msgs[0].Error == nil {
		t.Fatalf("first frame = %+v, want error envelope", msgs[0])
	}

	// The connection still dispatches subsequent commands.
	conn.inbound <- command(t, protocol.TypeSessionSend, "sess-1", "still alive")
	waitFor(t, func() bool { return sess.State() == session.StateIdle })
}

func TestBridgeMalformedFrameKeepsConnection(t *testing.T) {
	b, conn, sess := newTestBridge(t)
	runBridge(t, b)

	conn.inbound <- []byte("{not json")
	waitFor(t, func() bool { return len(conn.messages(t)) > 0 })

	msgs := conn.messages(t)
	if msgs[0].Type != protocol.TypeError {
		t.Fatalf("frame = %+v, want error envelope", msgs[0])
	}

	conn.inbound <- command(t, protocol.TypeSessionSend, "sess-1", "recovered")
	waitFor(t, func() bool { return sess.State() == session.StateIdle })
}

func TestBridgeSendWithoutContentErrors(t *testing.T) {
	b, conn, _ := newTestBridge(t)
	runBridge(t, b)

	conn.inbound <- command(t, protocol.TypeSessionSend, "sess-1", nil)
	waitFor(t, func() bool { return len(conn.messages(t)) > 0 })

	if msg := conn.messages(t)[0]; msg.Type != protocol.TypeError {
		t.Errorf("frame = %+v, want error envelope", msg)
	}
}

func TestBridgeAbortWhenNotActiveErrors(t *testing.T) {
	b, conn, _ := newTestBridge(t)
	runBridge(t, b)

	conn.inbound <- command(t, protocol.TypeSessionAbort, "sess-1", nil)
	waitFor(t, func() bool { return len(conn.messages(t)) > 0 })

	msg := conn.messages(t)[0]
	if msg.Type != protocol.TypeError || msg.SessionID != "sess-1" {
		t.Errorf("frame = %+v, want session-scoped error", msg)
	}
}

func TestBridgeCompleteCommand(t *testing.T) {
	b, conn, sess := newTestBridge(t)
	runBridge(t, b)

	conn.inbound <- command(t, protocol.TypeSessionComplete, "sess-1", nil)
	waitFor(t, func() bool { return sess.State() == session.StateCompleted })

	waitFor(t, func() bool {
		for _, msg := range conn.messages(t) {
			if msg.EventName == session.EventSessionCompleted {
				return true
			}
		}
		return false
	})
}

func TestBridgeRunReturnsOnConnClose(t *testing.T) {
	b, conn, _ := newTestBridge(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Run(context.Background())
	}()

	close(conn.inbound)
	select {
	case err := <-errCh:
		if !errors.Is(err, io.EOF) {
			t.Errorf("Run returned %v, want io.EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after connection close")
	}
}

func TestBridgeDestroyStopsForwarding(t *testing.T) {
	b, conn, sess := newTestBridge(t)

	b.Destroy()

	if err := sess.Send(context.Background(), domain.TextContent("quiet")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := len(conn.messages(t)); got != 0 {
		t.Errorf("frames after Destroy = %d, want 0", got)
	}
}

// Scenario: the session keeps its in-flight turn when the connection drops.
func TestBridgeSendSurvivesConnectionContext(t *testing.T) {
	b, conn, sess := newTestBridge(t)
	cancel := runBridge(t, b)

	conn.inbound <- command(t, protocol.TypeSessionSend, "sess-1", "hold on")
	// Drop the connection as soon as the turn started; it must still finish.
	waitFor(t, func() bool { return len(sess.Messages(0, 0)) > 0 })
	cancel()

	waitFor(t, func() bool { return sess.State() == session.StateIdle })
	if got := len(sess.Messages(0, 0)); got != 2 {
		t.Errorf("log length = %d, want user plus agent message", got)
	}
}
