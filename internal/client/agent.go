package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mfadeev/tether/internal/protocol"
)

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// ErrReconnectFailed is raised after the reconnect attempt budget is spent.
var ErrReconnectFailed = errors.New("reconnect failed: attempt limit reached")

// ErrNotConnected is returned when a command is issued while disconnected.
var ErrNotConnected = errors.New("not connected")

// Options configure a BrowserAgent.
type Options struct {
	URL    string
	Dialer Dialer

	// Reconnect policy: delays double from BaseDelay per attempt, capped at
	// MaxDelay; after MaxAttempts failures reconnection is abandoned.
	BaseDelay   time.Duration // default 1s
	MaxDelay    time.Duration // default 30s
	MaxAttempts int           // default 10

	// OnReconnectFailed is invoked once when reconnection is abandoned.
	OnReconnectFailed func(error)

	// AfterFunc schedules the reconnect timer; defaults to time.AfterFunc.
	// Injected so tests run without real timers.
	AfterFunc func(time.Duration, func()) *time.Timer
}

// BrowserAgent owns exactly one transport connection and demultiplexes it
// into per-session VirtualSession proxies.
type BrowserAgent struct {
	opts Options

	mu       sync.Mutex
	state    ConnState
	conn     Conn
	attempts int
	closed   bool
	sessions map[string]*VirtualSession
}

// NewBrowserAgent creates a disconnected agent. Call Connect to establish
// the transport.
func NewBrowserAgent(opts Options) *BrowserAgent {
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = time.AfterFunc
	}
	return &BrowserAgent{
		opts:     opts,
		state:    StateDisconnected,
		sessions: make(map[string]*VirtualSession),
	}
}

// State returns the connection state.
func (a *BrowserAgent) State() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connect dials the transport. A failed dial enters the reconnect schedule;
// a successful one resets the attempt counter.
func (a *BrowserAgent) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("agent closed")
	}
	a.state = StateConnecting
	a.mu.Unlock()

	conn, err := a.opts.Dialer.Dial(ctx, a.opts.URL)
	if err != nil {
		a.mu.Lock()
		a.state = StateDisconnected
		a.mu.Unlock()
		a.scheduleReconnect(err)
		return fmt.Errorf("dial %s: %w", a.opts.URL, err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return conn.Close()
	}
	a.conn = conn
	a.state = StateConnected
	a.attempts = 0
	a.mu.Unlock()

	slog.Info("transport connected", "url", a.opts.URL)
	go a.readLoop(conn)
	return nil
}

func (a *BrowserAgent) readLoop(conn Conn) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			a.handleDisconnect(err)
			return
		}
		a.route(data)
	}
}

func (a *BrowserAgent) handleDisconnect(err error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.state = StateDisconnected
	a.conn = nil
	a.mu.Unlock()

	slog.Warn("transport disconnected", "error", err)
	a.scheduleReconnect(err)
}

func (a *BrowserAgent) scheduleReconnect(cause error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if a.attempts >= a.opts.MaxAttempts {
		sessions := a.snapshotSessionsLocked()
		a.mu.Unlock()

		slog.Error("reconnect abandoned", "attempts", a.opts.MaxAttempts, "cause", cause)
		failure := fmt.Errorf("%w: %v", ErrReconnectFailed, cause)
		for _, vs := range sessions {
			vs.rejectPending(failure)
		}
		if a.opts.OnReconnectFailed != nil {
			a.opts.OnReconnectFailed(failure)
		}
		return
	}

	delay := nextDelay(a.attempts, a.opts.BaseDelay, a.opts.MaxDelay)
	a.attempts++
	attempt := a.attempts
	a.mu.Unlock()

	slog.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
	a.opts.AfterFunc(delay, func() {
		// Connect schedules the next attempt itself on failure.
		_ = a.Connect(context.Background())
	})
}

// route delivers one inbound envelope to its session proxy. Unknown session
// ids are logged and dropped; they never crash the connection.
func (a *BrowserAgent) route(data []byte) {
	var msg protocol.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("malformed server envelope", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeEvent:
		vs := a.lookup(msg.SessionID)
		if vs == nil {
			slog.Warn("event for unknown session", "session_id", msg.SessionID, "event", msg.EventName)
			return
		}
		vs.deliver(msg.EventName, msg.EventData)

	case protocol.TypeError:
		message := "unknown error"
		if msg.Error != nil {
			message = msg.Error.Message
		}
		if msg.SessionID != "" {
			if vs := a.lookup(msg.SessionID); vs != nil {
				vs.deliverError(message)
				return
			}
		}
		slog.Error("transport error", "session_id", msg.SessionID, "error", message)

	default:
		slog.Warn("unknown envelope type", "type", msg.Type)
	}
}

func (a *BrowserAgent) lookup(id string) *VirtualSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

// GetSession returns the proxy for id, lazily creating it. Idempotent.
func (a *BrowserAgent) GetSession(id string) *VirtualSession {
	a.mu.Lock()
	defer a.mu.Unlock()

	if vs, ok := a.sessions[id]; ok {
		return vs
	}
	vs := newVirtualSession(id, a)
	a.sessions[id] = vs
	return vs
}

// RemoveSession tears down a proxy's local state without touching the
// connection.
func (a *BrowserAgent) RemoveSession(id string) {
	a.mu.Lock()
	vs, ok := a.sessions[id]
	delete(a.sessions, id)
	a.mu.Unlock()

	if ok {
		vs.rejectPending(errors.New("session removed"))
	}
}

// Close shuts the agent down; no reconnection is attempted afterwards.
func (a *BrowserAgent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conn := a.conn
	a.conn = nil
	a.state = StateDisconnected
	sessions := a.snapshotSessionsLocked()
	a.mu.Unlock()

	for _, vs := range sessions {
		vs.rejectPending(errors.New("agent closed"))
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (a *BrowserAgent) snapshotSessionsLocked() []*VirtualSession {
	out := make([]*VirtualSession, 0, len(a.sessions))
	for _, vs := range a.sessions {
		out = append(out, vs)
	}
	return out
}

// writeCommand sends one command envelope over the shared connection.
func (a *BrowserAgent) writeCommand(cmd *protocol.ClientMessage) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, data)
}
