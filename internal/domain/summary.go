package domain

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultSummary is returned when no user message qualifies.
	DefaultSummary = "New Session"

	summaryScanLimit = 10
	summaryMaxLen    = 100
)

// systemContentPrefixes mark user messages injected by tooling rather than
// typed by a human; these never become a session summary.
var systemContentPrefixes = []string{
	"<command-name>",
	"<local-command-stdout>",
	"Caveat:",
	"Warmup",
}

// Summarize derives a short session title from the first non-system user
// message among the first messages of the log, truncated with an ellipsis.
func Summarize(messages []*Message) string {
	limit := len(messages)
	if limit > summaryScanLimit {
		limit = summaryScanLimit
	}

	for _, msg := range messages[:limit] {
		if msg.Type != MessageTypeUser {
			continue
		}
		text := strings.TrimSpace(contentText(msg))
		if text == "" || isSystemContent(text) {
			continue
		}
		return truncate(text, summaryMaxLen)
	}
	return DefaultSummary
}

func contentText(msg *Message) string {
	if msg.Content != "" {
		return msg.Content
	}
	for _, b := range msg.Blocks {
		if b.Type == "text" && b.Text != "" {
			return b.Text
		}
	}
	return ""
}

func isSystemContent(text string) bool {
	for _, prefix := range systemContentPrefixes {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
