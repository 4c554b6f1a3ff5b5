package bridge

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is the minimal transport surface the bridge needs. The production
// implementation wraps a WebSocket connection; tests substitute an in-memory
// fake.
type Conn interface {
	// Read blocks for the next inbound frame.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one outbound frame. The transport preserves frame order.
	Write(ctx context.Context, data []byte) error
}

// wsConn adapts *websocket.Conn to Conn.
type wsConn struct {
	conn *websocket.Conn
}

// NewWebSocketConn wraps a WebSocket connection for bridge use.
func NewWebSocketConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}
