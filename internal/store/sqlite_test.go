package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mfadeev/tether/internal/domain"
)

func newTestStore(t *testing.T) Persister {
	t.Helper()
	pers, err := NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := pers.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return pers
}

func TestSessionRoundTrip(t *testing.T) {
	pers := newTestStore(t)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour).Truncate(time.Second)
	data := &domain.SessionData{
		ID:           "sess-1",
		Summary:      "fix the login bug",
		CreatedAt:    created,
		LastActivity: created.Add(30 * time.Minute),
		CWD:          "/work/project",
		Metadata:     `{"projectPath":"/work/project"}`,
	}
	if err := pers.SaveSession(ctx, data); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := pers.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetSession returned nil for existing session")
	}
	if got.Summary != data.Summary || got.CWD != data.CWD || got.Metadata != data.Metadata {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created at = %v, want %v", got.CreatedAt, created)
	}
}

func TestGetSessionMissing(t *testing.T) {
	pers := newTestStore(t)

	got, err := pers.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Errorf("GetSession = %+v, want nil for unknown id", got)
	}
}

func TestSaveSessionUpserts(t *testing.T) {
	pers := newTestStore(t)
	ctx := context.Background()

	data := &domain.SessionData{
		ID: "sess-up", Summary: "first", CreatedAt: time.Now(), LastActivity: time.Now(), CWD: "/a",
	}
	if err := pers.SaveSession(ctx, data); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	data.Summary = "second"
	data.LastActivity = data.LastActivity.Add(time.Minute)
	if err := pers.SaveSession(ctx, data); err != nil {
		t.Fatalf("SaveSession upsert failed: %v", err)
	}

	got, err := pers.GetSession(ctx, "sess-up")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Summary != "second" {
		t.Errorf("summary = %q, want upserted value", got.Summary)
	}
}

func TestGetAllSessionsOrdering(t *testing.T) {
	pers := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Second)
	for i, id := range []string{"old", "newer", "newest"} {
		if err := pers.SaveSession(ctx, &domain.SessionData{
			ID: id, Summary: id, CreatedAt: base, LastActivity: base.Add(time.Duration(i) * time.Minute), CWD: "/",
		}); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}

	all, err := pers.GetAllSessions(ctx)
	if err != nil {
		t.Fatalf("GetAllSessions failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("session count = %d, want 3", len(all))
	}
	if all[0].ID != "newest" || all[2].ID != "old" {
		t.Errorf("ordering = [%s %s %s], want newest first", all[0].ID, all[1].ID, all[2].ID)
	}
}

func seedSession(t *testing.T, pers Persister, id string) {
	t.Helper()
	if err := pers.SaveSession(context.Background(), &domain.SessionData{
		ID: id, Summary: "seed", CreatedAt: time.Now(), LastActivity: time.Now(), CWD: "/",
	}); err != nil {
		t.Fatalf("seed session failed: %v", err)
	}
}

func TestMessageRoundTripAndOrdering(t *testing.T) {
	pers := newTestStore(t)
	ctx := context.Background()
	seedSession(t, pers, "sess-m")

	base := time.Now().Truncate(time.Millisecond)
	result := "total 8"
	msgs := []*domain.Message{
		{ID: "m1", Type: domain.MessageTypeUser, Content: "list files", Timestamp: base},
		{
			ID: "m2", Type: domain.MessageTypeAgent, Timestamp: base.Add(time.Second),
			IsToolUse: true, ToolName: "Bash", ToolInput: `{"command":"ls -l"}`,
			ToolID: "tool-1", ToolResult: &result,
		},
		{ID: "m3", Type: domain.MessageTypeAgent, Content: "done", Timestamp: base.Add(2 * time.Second)},
	}
	if err := pers.SaveMessages(ctx, "sess-m", msgs); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}

	got, err := pers.GetMessages(ctx, "sess-m", 0, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("message count = %d, want 3", len(got))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, want)
		}
	}

	tool := got[1]
	if !tool.IsToolUse || tool.ToolName != "Bash" || tool.ToolID != "tool-1" {
		t.Errorf("tool fields lost: %+v", tool)
	}
	if tool.ToolResult == nil || *tool.ToolResult != "total 8" {
		t.Errorf("tool result = %v, want total 8", tool.ToolResult)
	}
	if !got[0].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want millisecond precision %v", got[0].Timestamp, base)
	}
}

func TestMessagePagination(t *testing.T) {
	pers := newTestStore(t)
	ctx := context.Background()
	seedSession(t, pers, "sess-p")

	base := time.Now()
	for i := 0; i < 5; i++ {
		if err := pers.SaveMessage(ctx, "sess-p", &domain.Message{
			ID: string(rune('a' + i)), Type: domain.MessageTypeAgent,
			Content: "msg", Timestamp: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	page, err := pers.GetMessages(ctx, "sess-p", 2, 1)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "b" || page[1].ID != "c" {
		t.Errorf("page = %+v, want [b c]", page)
	}

	tail, err := pers.GetMessages(ctx, "sess-p", 0, 3)
	if err != nil {
		t.Fatalf("GetMessages offset-only failed: %v", err)
	}
	if len(tail) != 2 || tail[0].ID != "d" {
		t.Errorf("tail = %+v, want [d e]", tail)
	}
}

func TestSaveMessageUpsertAttachesToolResult(t *testing.T) {
	pers := newTestStore(t)
	ctx := context.Background()
	seedSession(t, pers, "sess-u")

	msg := &domain.Message{
		ID: "m1", Type: domain.MessageTypeAgent, Timestamp: time.Now(),
		IsToolUse: true, ToolName: "Read", ToolID: "tool-9",
	}
	if err := pers.SaveMessage(ctx, "sess-u", msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	result := "file contents"
	msg.ToolResult = &result
	if err := pers.SaveMessage(ctx, "sess-u", msg); err != nil {
		t.Fatalf("SaveMessage update failed: %v", err)
	}

	got, err := pers.GetMessages(ctx, "sess-u", 0, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("upsert duplicated the row: count = %d", len(got))
	}
	if got[0].ToolResult == nil || *got[0].ToolResult != "file contents" {
		t.Errorf("tool result = %v", got[0].ToolResult)
	}
}

func TestDeleteSessionRemovesMessages(t *testing.T) {
	pers := newTestStore(t)
	ctx := context.Background()
	seedSession(t, pers, "sess-d")

	if err := pers.SaveMessage(ctx, "sess-d", &domain.Message{
		ID: "m1", Type: domain.MessageTypeUser, Content: "hi", Timestamp: time.Now(),
	}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	if err := pers.DeleteSession(ctx, "sess-d"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if got, err := pers.GetSession(ctx, "sess-d"); err != nil || got != nil {
		t.Errorf("session survived delete: %+v, %v", got, err)
	}
	count, err := pers.GetMessageCount(ctx, "sess-d")
	if err != nil {
		t.Fatalf("GetMessageCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("orphaned messages = %d, want 0", count)
	}
}

func TestBlockContentRoundTrip(t *testing.T) {
	pers := newTestStore(t)
	ctx := context.Background()
	seedSession(t, pers, "sess-b")

	msg := &domain.Message{
		ID: "m1", Type: domain.MessageTypeUser, Timestamp: time.Now(),
		Blocks: []domain.ContentBlock{
			{Type: "text", Text: "look at this"},
			{Type: "image", MediaType: "image/png", Data: "aGVsbG8="},
		},
	}
	if err := pers.SaveMessage(ctx, "sess-b", msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	got, err := pers.GetMessages(ctx, "sess-b", 0, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got[0].Blocks) != 2 {
		t.Fatalf("blocks = %+v, want 2 restored", got[0].Blocks)
	}
	if got[0].Blocks[1].Data != "aGVsbG8=" {
		t.Errorf("image payload lost: %+v", got[0].Blocks[1])
	}

	// A plain-text message that merely starts with a bracket stays text.
	bracket := &domain.Message{
		ID: "m2", Type: domain.MessageTypeUser, Timestamp: time.Now(),
		Content: "[1, 2, 3] is a list",
	}
	if err := pers.SaveMessage(ctx, "sess-b", bracket); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	got, err = pers.GetMessages(ctx, "sess-b", 0, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	last := got[len(got)-1]
	if last.Content != "[1, 2, 3] is a list" || len(last.Blocks) != 0 {
		t.Errorf("bracketed text misdecoded: %+v", last)
	}
}

func TestMessageCount(t *testing.T) {
	pers := newTestStore(t)
	ctx := context.Background()
	seedSession(t, pers, "sess-c")

	for i := 0; i < 3; i++ {
		if err := pers.SaveMessage(ctx, "sess-c", &domain.Message{
			ID: string(rune('x' + i)), Type: domain.MessageTypeAgent, Content: "m", Timestamp: time.Now(),
		}); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	count, err := pers.GetMessageCount(ctx, "sess-c")
	if err != nil {
		t.Fatalf("GetMessageCount failed: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}
