package historydb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/martinemde/conductor/llmbridge"
	"github.com/martinemde/conductor/orchestrator"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)

	entries := []orchestrator.ConversationEntry{
		orchestrator.NewUserEntry("what time is it?"),
		orchestrator.NewAssistantEntry("Checking.", []llmbridge.ToolCall{
			{ID: "c1", Name: "current_time", Arguments: []byte(`{}`)},
		}),
		orchestrator.NewToolEntry([]llmbridge.ToolResult{
			llmbridge.TextResult("c1", "Mon, 12 May 2025 10:00:00 UTC"),
		}),
		orchestrator.NewAssistantEntry("It is 10:00 UTC.", nil),
	}
	for _, e := range entries {
		if err := store.Append("sess-1", e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.Entries("sess-1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("entries = %d, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].Role != e.Role {
			t.Errorf("entry %d role = %q, want %q", i, got[i].Role, e.Role)
		}
		if got[i].Content != e.Content {
			t.Errorf("entry %d content = %q, want %q", i, got[i].Content, e.Content)
		}
	}

	if got[1].ToolCalls[0].Name != "current_time" {
		t.Errorf("tool call = %+v", got[1].ToolCalls)
	}
	if got[2].Results[0].Text() != "Mon, 12 May 2025 10:00:00 UTC" {
		t.Errorf("result = %+v", got[2].Results)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp lost in round trip")
	}
}

func TestStoreErrorResultsSurvive(t *testing.T) {
	store := newTestStore(t)

	entry := orchestrator.NewToolEntry([]llmbridge.ToolResult{
		llmbridge.ErrorResult("c9", "connection refused"),
	})
	if err := store.Append("sess-err", entry); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := store.Entries("sess-err")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if !got[0].Results[0].IsError {
		t.Error("error flag lost in round trip")
	}
}

func TestStoreSessionsMostRecentFirst(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"first", "second", "third"} {
		if err := store.Append(id, orchestrator.NewUserEntry("hi")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// A late write bumps "first" back to the top.
	if err := store.Append("first", orchestrator.NewUserEntry("again")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ids, err := store.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	want := []string{"first", "third", "second"}
	if len(ids) != 3 {
		t.Fatalf("sessions = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("sessions = %v, want %v", ids, want)
			break
		}
	}
}

func TestStoreSessionsIsolated(t *testing.T) {
	store := newTestStore(t)

	if err := store.Append("a", orchestrator.NewUserEntry("for a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append("b", orchestrator.NewUserEntry("for b")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := store.Entries("a")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != 1 || got[0].Content != "for a" {
		t.Errorf("entries for a = %+v", got)
	}

	empty, err := store.Entries("missing")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("unknown session returned %d entries", len(empty))
	}
}

func TestStoreTimestampsKeepUTC(t *testing.T) {
	store := newTestStore(t)

	entry := orchestrator.NewUserEntry("when")
	entry.Timestamp = time.Date(2025, 5, 12, 10, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	if err := store.Append("tz", entry); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := store.Entries("tz")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if !got[0].Timestamp.Equal(entry.Timestamp) {
		t.Errorf("timestamp = %v, want instant %v", got[0].Timestamp, entry.Timestamp)
	}
}
