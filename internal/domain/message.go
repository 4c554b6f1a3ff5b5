// Package domain defines the provider-agnostic conversation types shared by
// the session runtime, the provider adapters, and both bridge halves.
package domain

import (
	"time"
)

// MessageType categorizes a conversational turn.
type MessageType string

const (
	// MessageTypeUser is input originating from the human.
	MessageTypeUser MessageType = "user"
	// MessageTypeAgent is model output, including tool invocations.
	MessageTypeAgent MessageType = "agent"
	// MessageTypeTool is a tool execution reported as a first-class message.
	MessageTypeTool MessageType = "tool"
	// MessageTypeSystem is provider or runtime housekeeping output.
	MessageTypeSystem MessageType = "system"
	// MessageTypeError is a failure surfaced inline for rendering.
	MessageTypeError MessageType = "error"
)

// ContentBlock is one element of a multi-modal user message.
type ContentBlock struct {
	Type      string `json:"type"` // "text" or "image"
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"` // base64 payload for images
}

// Message is a single normalized conversational turn. A message is immutable
// once appended to a session log, with one exception: a tool result may be
// attached to a previously emitted tool-use message by matching ToolID.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`

	// Content carries plain text. Blocks is populated instead when the user
	// sent multi-modal input; at most one of the two is set.
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`

	// Agent message fields.
	IsToolUse   bool    `json:"isToolUse,omitempty"`
	ToolName    string  `json:"toolName,omitempty"`
	ToolInput   string  `json:"toolInput,omitempty"` // serialized JSON
	ToolID      string  `json:"toolId,omitempty"`
	ToolResult  *string `json:"toolResult,omitempty"` // nil until resolved
	IsStreaming bool    `json:"isStreaming,omitempty"`
	Thinking    string  `json:"thinking,omitempty"`

	// Tool message fields, used when the provider reports execution as its
	// own message rather than annotating an agent message.
	ToolOutput     string `json:"toolOutput,omitempty"`
	ToolDurationMs int64  `json:"toolDurationMs,omitempty"`
}

// Clone returns a copy of the message safe to hand to other goroutines.
func (m *Message) Clone() *Message {
	cp := *m
	if m.ToolResult != nil {
		result := *m.ToolResult
		cp.ToolResult = &result
	}
	if m.Blocks != nil {
		cp.Blocks = make([]ContentBlock, len(m.Blocks))
		copy(cp.Blocks, m.Blocks)
	}
	return &cp
}
