package domain

import (
	"strings"
	"testing"
)

func userMsg(content string) *Message {
	return &Message{Type: MessageTypeUser, Content: content}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name     string
		messages []*Message
		want     string
	}{
		{
			name:     "empty log",
			messages: nil,
			want:     DefaultSummary,
		},
		{
			name: "first user message wins",
			messages: []*Message{
				userMsg("fix the login bug"),
				{Type: MessageTypeAgent, Content: "sure"},
				userMsg("another topic"),
			},
			want: "fix the login bug",
		},
		{
			name: "agent messages never summarize",
			messages: []*Message{
				{Type: MessageTypeAgent, Content: "hello, how can I help?"},
			},
			want: DefaultSummary,
		},
		{
			name: "command output is skipped",
			messages: []*Message{
				userMsg("<command-name>/clear</command-name>"),
				userMsg("<local-command-stdout>ok</local-command-stdout>"),
				userMsg("real question here"),
			},
			want: "real question here",
		},
		{
			name: "caveat and warmup are skipped",
			messages: []*Message{
				userMsg("Caveat: the messages below were generated"),
				userMsg("Warmup"),
				userMsg("actual prompt"),
			},
			want: "actual prompt",
		},
		{
			name: "whitespace-only message is skipped",
			messages: []*Message{
				userMsg("   \n\t  "),
				userMsg("trimmed"),
			},
			want: "trimmed",
		},
		{
			name: "text pulled from blocks",
			messages: []*Message{
				{Type: MessageTypeUser, Blocks: []ContentBlock{
					{Type: "image", MediaType: "image/png", Data: "aGk="},
					{Type: "text", Text: "describe this screenshot"},
				}},
			},
			want: "describe this screenshot",
		},
		{
			name: "scan stops after ten messages",
			messages: append(
				repeatMessages(MessageTypeAgent, "noise", 10),
				userMsg("too late to be a title"),
			),
			want: DefaultSummary,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.messages); got != tt.want {
				t.Errorf("Summarize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSummarizeTruncates(t *testing.T) {
	long := strings.Repeat("x", 150)
	got := Summarize([]*Message{userMsg(long)})

	want := strings.Repeat("x", 100) + "..."
	if got != want {
		t.Errorf("truncated summary length = %d, want %d", len(got), len(want))
	}
}

func TestSummarizeTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("щ", 150)
	got := Summarize([]*Message{userMsg(long)})

	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis suffix, got %q", got)
	}
	body := strings.TrimSuffix(got, "...")
	if count := len([]rune(body)); count != 100 {
		t.Errorf("truncated rune count = %d, want 100", count)
	}
	for _, r := range body {
		if r != 'щ' {
			t.Errorf("truncation split a rune, found %q", r)
			break
		}
	}
}

func repeatMessages(typ MessageType, content string, n int) []*Message {
	out := make([]*Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &Message{Type: typ, Content: content})
	}
	return out
}
