// Package client implements the browser-side half of the bridge: one shared
// transport connection demultiplexed into per-session proxies, with capped
// exponential reconnect.
package client

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is the transport surface the client needs. Tests substitute an
// in-memory fake; production wraps a WebSocket connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer establishes connections. Injected so reconnect logic is testable
// without a network.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials real WebSocket connections.
type WebSocketDialer struct{}

// Dial implements Dialer.
func (WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &clientWSConn{conn: ws}, nil
}

type clientWSConn struct {
	conn *websocket.Conn
}

func (c *clientWSConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *clientWSConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *clientWSConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client closed")
}
