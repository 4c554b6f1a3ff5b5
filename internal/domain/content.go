package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UserContent is the payload of a send: plain text, or an ordered list of
// content blocks for multi-modal input. At most one of the two is set.
type UserContent struct {
	Text   string
	Blocks []ContentBlock
}

// TextContent builds plain-text user content.
func TextContent(text string) UserContent {
	return UserContent{Text: text}
}

// PlainText flattens the content to text, joining text blocks in order.
func (c UserContent) PlainText() string {
	if len(c.Blocks) == 0 {
		return c.Text
	}
	var parts []string
	for _, b := range c.Blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// MarshalJSON encodes plain text as a JSON string and block content as an
// array, matching the wire shape.
func (c UserContent) MarshalJSON() ([]byte, error) {
	if len(c.Blocks) > 0 {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a JSON string or a block array.
func (c *UserContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Text = text
		c.Blocks = nil
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		c.Text = ""
		c.Blocks = blocks
		return nil
	}
	return fmt.Errorf("content must be a string or a content block array")
}
