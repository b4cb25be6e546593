package store

import (
	"context"
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertGroupAndFolderUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g1 := Group{JID: "jid-1", Folder: "folder-a", DisplayName: "Group One"}
	if err := s.UpsertGroup(ctx, g1); err != nil {
		t.Fatalf("upsert g1: %v", err)
	}

	g2 := Group{JID: "jid-2", Folder: "folder-a", DisplayName: "Group Two"}
	if err := s.UpsertGroup(ctx, g2); !errors.Is(err, ErrFolderTaken) {
		t.Fatalf("expected ErrFolderTaken, got %v", err)
	}

	got, err := s.GetGroup(ctx, "jid-1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if got.DisplayName != "Group One" {
		t.Errorf("got %q", got.DisplayName)
	}

	// Re-upserting the same jid with a new folder is fine.
	g1.Folder = "folder-b"
	if err := s.UpsertGroup(ctx, g1); err != nil {
		t.Fatalf("re-upsert with new folder: %v", err)
	}
}

func TestMessageLogOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertGroup(ctx, Group{JID: "jid-1", Folder: "folder-a"}); err != nil {
		t.Fatal(err)
	}
	for i, content := range []string{"first", "second", "third"} {
		if _, err := s.AppendMessage(ctx, Message{GroupJID: "jid-1", MessageID: string(rune('a' + i)), Content: content}); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := s.RecentMessages(ctx, "jid-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "second" || msgs[1].Content != "third" {
		t.Fatalf("unexpected order: %+v", msgs)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.UpsertGroup(ctx, Group{JID: "jid-1", Folder: "folder-a"}); err != nil {
		t.Fatal(err)
	}

	empty, err := s.GetCursor(ctx, "jid-1")
	if err != nil {
		t.Fatal(err)
	}
	if empty.CommitOffset != 0 || empty.PendingMessages {
		t.Fatalf("expected zero cursor, got %+v", empty)
	}

	if err := s.MarkPending(ctx, "jid-1"); err != nil {
		t.Fatal(err)
	}
	c, err := s.GetCursor(ctx, "jid-1")
	if err != nil {
		t.Fatal(err)
	}
	if !c.PendingMessages {
		t.Fatal("expected pending_messages to be set")
	}

	if err := s.CommitProcessed(ctx, "jid-1", 42); err != nil {
		t.Fatal(err)
	}
	c, err = s.GetCursor(ctx, "jid-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.CommitOffset != 42 || c.PendingMessages || c.RetryCount != 0 {
		t.Fatalf("unexpected cursor after commit: %+v", c)
	}
}
