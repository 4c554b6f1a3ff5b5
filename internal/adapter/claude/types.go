package claude

import (
	"encoding/json"
)

// rawMessage is one JSONL line from the provider CLI stream.
type rawMessage struct {
	Type      string      `json:"type"` // "system", "assistant", "user", "result"
	Subtype   string      `json:"subtype,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Message   *rawContent `json:"message,omitempty"`

	// Result-level fields.
	Result  string    `json:"result,omitempty"`
	IsError bool      `json:"is_error,omitempty"`
	Usage   *rawUsage `json:"usage,omitempty"`

	// System-level fields.
	Model string `json:"model,omitempty"`
	CWD   string `json:"cwd,omitempty"`
}

// rawContent holds the message body of assistant and user lines.
type rawContent struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Usage   *rawUsage       `json:"usage,omitempty"`
}

// rawBlock is a single element of an assistant or user content array.
type rawBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use fields.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// rawUsage carries the provider's token accounting.
type rawUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}
