package telegram

import "testing"

func TestOwnsJID(t *testing.T) {
	c := &Channel{}
	if !c.OwnsJID("tg:12345") {
		t.Fatal("expected tg: prefix to be owned")
	}
	if c.OwnsJID("slack:C123") {
		t.Fatal("expected non-tg jid to be rejected")
	}
}

func TestChatIDFromJID(t *testing.T) {
	id, err := chatIDFromJID("tg:-100200300")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != -100200300 {
		t.Fatalf("got %d, want -100200300", id)
	}

	if _, err := chatIDFromJID("tg:not-a-number"); err == nil {
		t.Fatal("expected error for malformed jid")
	}
}
