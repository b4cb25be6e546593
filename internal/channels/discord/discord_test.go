package discord

import "testing"

func TestOwnsJID(t *testing.T) {
	c := &Channel{}
	if !c.OwnsJID("discord:123456789") {
		t.Fatal("expected discord: prefix to be owned")
	}
	if c.OwnsJID("slack:C123") {
		t.Fatal("expected non-discord jid to be rejected")
	}
}
