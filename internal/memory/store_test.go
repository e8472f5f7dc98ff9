package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"majordomo/internal/llm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHistoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msgs := []llm.Message{
		{Role: "user", Content: "what time is it"},
		{Role: "assistant", Content: "", ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "current_time", Arguments: map[string]any{}},
		}},
		{Role: "tool", Content: "2026-08-29T10:00:00Z", ToolCallID: "call_1"},
		{Role: "assistant", Content: "It is ten in the morning."},
	}
	for _, m := range msgs {
		if err := store.SaveMessage(ctx, "sess-1", m); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	got, err := store.History(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("History returned %d messages, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if got[i].Role != msgs[i].Role || got[i].Content != msgs[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, got[i], msgs[i])
		}
	}
	if len(got[1].ToolCalls) != 1 || got[1].ToolCalls[0].Name != "current_time" {
		t.Errorf("tool calls not preserved: %+v", got[1].ToolCalls)
	}
	if got[2].ToolCallID != "call_1" {
		t.Errorf("tool call id = %q, want call_1", got[2].ToolCallID)
	}
}

func TestHistoryLimitKeepsNewest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three", "four"} {
		if err := store.SaveMessage(ctx, "s", llm.Message{Role: "user", Content: content}); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	got, err := store.History(ctx, "s", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("History returned %d messages, want 2", len(got))
	}
	if got[0].Content != "three" || got[1].Content != "four" {
		t.Errorf("windowed history = %q, %q; want three, four", got[0].Content, got[1].Content)
	}
}

func TestHistoryIsolatesSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.SaveMessage(ctx, "a", llm.Message{Role: "user", Content: "for a"})
	store.SaveMessage(ctx, "b", llm.Message{Role: "user", Content: "for b"})

	got, err := store.History(ctx, "a", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 1 || got[0].Content != "for a" {
		t.Errorf("session a history = %+v", got)
	}
}

func TestSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.SaveMessage(ctx, "old", llm.Message{Role: "user", Content: "x"})
	store.SaveMessage(ctx, "new", llm.Message{Role: "user", Content: "y"})
	store.SaveMessage(ctx, "new", llm.Message{Role: "assistant", Content: "z"})

	sessions, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Sessions returned %d, want 2", len(sessions))
	}
	if sessions[0].ID != "new" || sessions[0].MessageCount != 2 {
		t.Errorf("first session = %+v, want new with 2 messages", sessions[0])
	}
}

func TestNotes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.SaveNote(ctx, "the garage code is 4455")
	if err != nil {
		t.Fatalf("SaveNote: %v", err)
	}
	if id == "" {
		t.Fatal("SaveNote returned empty id")
	}

	notes, err := store.ListNotes(ctx)
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(notes) != 1 || notes[0].Content != "the garage code is 4455" {
		t.Fatalf("ListNotes = %+v", notes)
	}

	if err := store.DeleteNote(ctx, id); err != nil {
		t.Fatalf("DeleteNote: %v", err)
	}
	if err := store.DeleteNote(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteNote = %v, want ErrNotFound", err)
	}
}
