package claude

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mfadeev/tether/internal/adapter"
	"github.com/mfadeev/tether/internal/domain"
)

// transformer converts raw provider lines into domain stream items. It holds
// the small amount of per-stream state the mapping needs: whether the
// provider session id was already captured, and the pending options update
// that rides on the next emitted item.
type transformer struct {
	captured bool
	pending  *domain.SessionOptions
}

func (t *transformer) handle(raw *rawMessage) ([]*adapter.StreamItem, error) {
	if !t.captured && raw.SessionID != "" {
		t.captured = true
		t.pending = &domain.SessionOptions{Resume: raw.SessionID}
	}

	switch raw.Type {
	case "system":
		return t.handleSystem(raw), nil
	case "assistant":
		return t.handleAssistant(raw), nil
	case "user":
		return t.handleUser(raw), nil
	case "result":
		return t.handleResult(raw)
	default:
		return nil, nil
	}
}

// emit stamps the item with the pending options update, if any.
func (t *transformer) emit(item *adapter.StreamItem) *adapter.StreamItem {
	if t.pending != nil {
		item.Options = t.pending
		t.pending = nil
	}
	return item
}

func (t *transformer) handleSystem(raw *rawMessage) []*adapter.StreamItem {
	if raw.Subtype != "init" {
		return nil
	}
	text := "session started"
	if raw.Model != "" {
		text = fmt.Sprintf("session started (model %s)", raw.Model)
	}
	return []*adapter.StreamItem{t.emit(&adapter.StreamItem{
		Message: newMessage(domain.MessageTypeSystem, text),
	})}
}

// handleAssistant splits one raw assistant message per content block: text
// blocks become agent text messages, tool_use blocks become agent messages
// with a nil tool result pending later resolution. Thinking blocks attach to
// the following block's message.
func (t *transformer) handleAssistant(raw *rawMessage) []*adapter.StreamItem {
	if raw.Message == nil {
		return nil
	}

	var items []*adapter.StreamItem
	thinking := ""

	for _, block := range parseBlocks(raw.Message.Content) {
		switch block.Type {
		case "thinking":
			thinking += block.Thinking

		case "text":
			msg := newMessage(domain.MessageTypeAgent, block.Text)
			msg.Thinking = thinking
			thinking = ""
			items = append(items, t.emit(&adapter.StreamItem{Message: msg}))

		case "tool_use":
			msg := newMessage(domain.MessageTypeAgent, "")
			msg.IsToolUse = true
			msg.ToolName = block.Name
			msg.ToolID = block.ID
			msg.ToolInput = string(block.Input)
			msg.Thinking = thinking
			thinking = ""
			items = append(items, t.emit(&adapter.StreamItem{Message: msg}))
		}
	}

	if thinking != "" {
		msg := newMessage(domain.MessageTypeAgent, "")
		msg.Thinking = thinking
		items = append(items, t.emit(&adapter.StreamItem{Message: msg}))
	}

	// Per-message usage attaches to the most recently emitted item instead of
	// producing a new message.
	if raw.Message.Usage != nil {
		delta := usageDelta(raw.Message.Usage)
		if len(items) > 0 {
			items[len(items)-1].Usage = delta
		} else {
			items = append(items, t.emit(&adapter.StreamItem{Usage: delta}))
		}
	}

	return items
}

// handleUser suppresses raw user messages that solely carry tool results;
// those surface as updates to the matching tool-use message. Genuine text
// content still becomes a user message.
func (t *transformer) handleUser(raw *rawMessage) []*adapter.StreamItem {
	if raw.Message == nil {
		return nil
	}

	var items []*adapter.StreamItem
	var texts []string

	for _, block := range parseBlocks(raw.Message.Content) {
		switch block.Type {
		case "tool_result":
			items = append(items, t.emit(&adapter.StreamItem{
				ToolResult: &adapter.ToolResultUpdate{
					ToolID: block.ToolUseID,
					Result: flattenResult(block.Content),
				},
			}))
		case "text":
			if block.Text != "" {
				texts = append(texts, block.Text)
			}
		}
	}

	if len(texts) > 0 {
		items = append(items, t.emit(&adapter.StreamItem{
			Message: newMessage(domain.MessageTypeUser, strings.Join(texts, "\n")),
		}))
	}
	return items
}

func (t *transformer) handleResult(raw *rawMessage) ([]*adapter.StreamItem, error) {
	if raw.IsError {
		text := raw.Result
		if text == "" {
			text = raw.Subtype
		}
		return nil, fmt.Errorf("provider reported failure: %s", text)
	}
	if raw.Usage == nil {
		return nil, nil
	}
	return []*adapter.StreamItem{t.emit(&adapter.StreamItem{Usage: usageDelta(raw.Usage)})}, nil
}

// parseBlocks accepts both the block-array and plain-string content shapes.
func parseBlocks(content json.RawMessage) []rawBlock {
	if len(content) == 0 {
		return nil
	}

	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		return blocks
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil && text != "" {
		return []rawBlock{{Type: "text", Text: text}}
	}
	return nil
}

// flattenResult reduces a tool_result payload to text: providers send either
// a plain string or a list of text blocks.
func flattenResult(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var text string
	if err := json.Unmarshal(content, &text); err == nil {
		return text
	}

	var blocks []rawBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(content)
}

func usageDelta(u *rawUsage) *domain.TokenDelta {
	return &domain.TokenDelta{
		Input:         u.InputTokens,
		Output:        u.OutputTokens,
		CacheRead:     u.CacheReadInputTokens,
		CacheCreation: u.CacheCreationInputTokens,
	}
}

func newMessage(msgType domain.MessageType, content string) *domain.Message {
	return &domain.Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now(),
		Content:   content,
	}
}
