// Package bridge binds one server-side session to one transport connection:
// every session event is forwarded to the wire, every inbound wire command is
// routed to the corresponding session method.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mfadeev/tether/internal/protocol"
	"github.com/mfadeev/tether/internal/session"
)

const writeTimeout = 10 * time.Second

// Bridge forwards session events over a connection and dispatches inbound
// commands. One bridge owns exactly one connection; the session may outlive
// it.
type Bridge struct {
	sess        *session.Session
	conn        Conn
	sendTimeout time.Duration

	// writeMu serializes frames so events reach the wire in emission order.
	writeMu sync.Mutex
	subs    []session.Subscription
}

// New subscribes the bridge to the session's forwarded event set. Call
// Destroy to detach; the session itself is left untouched. sendTimeout
// bounds one provider turn; zero means no bound.
func New(sess *session.Session, conn Conn, sendTimeout time.Duration) *Bridge {
	b := &Bridge{sess: sess, conn: conn, sendTimeout: sendTimeout}

	for _, name := range session.ForwardedEvents() {
		sub, err := sess.Events().Subscribe(name, b.forward)
		if err != nil {
			// Terminated session: history was already replayed; nothing more
			// will be emitted.
			slog.Debug("subscribing to closed session stream", "session_id", sess.ID(), "event", name)
			break
		}
		b.subs = append(b.subs, sub)
	}
	return b
}

// Session returns the bound session.
func (b *Bridge) Session() *session.Session { return b.sess }

// forward serializes one session event onto the wire.
func (b *Bridge) forward(ev session.Event) {
	msg, err := protocol.NewEvent(ev.SessionID, ev.Name, ev.Data)
	if err != nil {
		slog.Warn("failed to encode session event", "session_id", ev.SessionID, "event", ev.Name, "error", err)
		return
	}
	b.write(msg)
}

func (b *Bridge) write(msg *protocol.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("failed to marshal server message", "error", err)
		return
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := b.conn.Write(ctx, data); err != nil {
		slog.Debug("bridge write failed", "session_id", b.sess.ID(), "error", err)
	}
}

// Run reads inbound command envelopes until the connection or context ends.
// Malformed and failing commands produce wire error envelopes; they never
// tear down the connection.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		data, err := b.conn.Read(ctx)
		if err != nil {
			return err
		}

		var cmd protocol.ClientMessage
		if err := json.Unmarshal(data, &cmd); err != nil {
			b.write(protocol.NewError("", "malformed command envelope"))
			continue
		}

		b.dispatch(&cmd)
	}
}

// dispatch routes one command to the session. session:send runs detached so
// a long-lived provider stream cannot block the read loop (an abort must be
// able to overtake it). The send deliberately does not inherit the
// connection context: a dropped connection must not kill the in-flight turn
// of a resumable session.
func (b *Bridge) dispatch(cmd *protocol.ClientMessage) {
	switch cmd.Type {
	case protocol.TypeSessionSend:
		content, err := cmd.UserContent()
		if err != nil {
			b.write(protocol.NewError(cmd.SessionID, err.Error()))
			return
		}
		go func() {
			sendCtx := context.Background()
			if b.sendTimeout > 0 {
				var cancel context.CancelFunc
				sendCtx, cancel = context.WithTimeout(sendCtx, b.sendTimeout)
				defer cancel()
			}
			if err := b.sess.Send(sendCtx, content); err != nil {
				b.write(protocol.NewError(cmd.SessionID, err.Error()))
			}
		}()

	case protocol.TypeSessionAbort:
		if err := b.sess.Abort(); err != nil {
			b.write(protocol.NewError(cmd.SessionID, err.Error()))
		}

	case protocol.TypeSessionComplete:
		if err := b.sess.Complete(); err != nil {
			b.write(protocol.NewError(cmd.SessionID, err.Error()))
		}

	case protocol.TypeSessionDelete:
		if err := b.sess.Delete(); err != nil {
			b.write(protocol.NewError(cmd.SessionID, err.Error()))
		}

	default:
		b.write(protocol.NewError(cmd.SessionID, "unknown command type: "+cmd.Type))
	}
}

// Destroy removes every event subscription. The session keeps running; it
// may be rebound to another connection later.
func (b *Bridge) Destroy() {
	for _, sub := range b.subs {
		b.sess.Events().Unsubscribe(sub)
	}
	b.subs = nil
}
