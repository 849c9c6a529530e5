package state

import (
	"context"
	"testing"
)

func TestSeenPersistsAcrossReopen(t *testing.T) {
	workspace := t.TempDir()
	ctx := context.Background()

	store, err := Open(ctx, workspace)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.MarkSeen(ctx, "gmail", "msg-1"); err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if err := store.MarkSeen(ctx, "gmail", "msg-1"); err != nil {
		t.Fatalf("mark seen twice: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = Open(ctx, workspace)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	seen, err := store.Seen(ctx, "gmail", "msg-1")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if !seen {
		t.Fatalf("event forgotten across reopen")
	}
	seen, err = store.Seen(ctx, "gmail", "msg-2")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatalf("unknown event reported seen")
	}
	// Seen-sets are per watcher.
	seen, err = store.Seen(ctx, "slack", "msg-1")
	if err != nil {
		t.Fatalf("seen: %v", err)
	}
	if seen {
		t.Fatalf("event leaked across watchers")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	cursor, err := store.Cursor(ctx, "feed")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != "" {
		t.Fatalf("expected empty cursor, got %q", cursor)
	}
	if err := store.SetCursor(ctx, "feed", "page-3"); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	if err := store.SetCursor(ctx, "feed", "page-4"); err != nil {
		t.Fatalf("update cursor: %v", err)
	}
	cursor, err = store.Cursor(ctx, "feed")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != "page-4" {
		t.Fatalf("cursor = %q, want page-4", cursor)
	}
}
