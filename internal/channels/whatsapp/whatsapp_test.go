package whatsapp

import "testing"

func TestOwnsJID(t *testing.T) {
	c := &Channel{}
	if !c.OwnsJID("whatsapp:123456789@s.whatsapp.net") {
		t.Fatal("expected whatsapp: prefix to be owned")
	}
	if c.OwnsJID("tg:123") {
		t.Fatal("expected non-whatsapp jid to be rejected")
	}
}

func TestExtractText(t *testing.T) {
	if got := extractText(nil); got != "" {
		t.Fatalf("expected empty string for nil message, got %q", got)
	}
}
