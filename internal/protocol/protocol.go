// Package protocol defines the JSON envelopes exchanged between the two
// halves of the WebSocket bridge.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mfadeev/tether/internal/domain"
)

// Client-to-server command types.
const (
	TypeSessionSend     = "session:send"
	TypeSessionAbort    = "session:abort"
	TypeSessionComplete = "session:complete"
	TypeSessionDelete   = "session:delete"
)

// Server-to-client envelope types.
const (
	TypeEvent = "event"
	TypeError = "error"
)

// ClientMessage is an inbound command envelope.
type ClientMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// UserContent decodes the command payload, accepting either a plain string
// or a content block array.
func (m *ClientMessage) UserContent() (domain.UserContent, error) {
	if len(m.Content) == 0 {
		return domain.UserContent{}, fmt.Errorf("%s requires content", m.Type)
	}
	var content domain.UserContent
	if err := json.Unmarshal(m.Content, &content); err != nil {
		return domain.UserContent{}, fmt.Errorf("decode content: %w", err)
	}
	return content, nil
}

// WireError carries a human-readable failure description.
type WireError struct {
	Message string `json:"message"`
}

// ServerMessage is an outbound envelope: either a forwarded session event or
// an error.
type ServerMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	EventName string          `json:"eventName,omitempty"`
	EventData json.RawMessage `json:"eventData,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
}

// NewEvent builds an event envelope, serializing the payload.
func NewEvent(sessionID, eventName string, data any) (*ServerMessage, error) {
	var encoded json.RawMessage
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", eventName, err)
		}
		encoded = raw
	}
	return &ServerMessage{
		Type:      TypeEvent,
		SessionID: sessionID,
		EventName: eventName,
		EventData: encoded,
	}, nil
}

// NewError builds an error envelope. sessionID may be empty for connection
// level failures.
func NewError(sessionID, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Error:     &WireError{Message: message},
	}
}
