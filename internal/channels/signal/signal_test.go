package signal

import "testing"

func TestOwnsJID(t *testing.T) {
	c := &Channel{}
	if !c.OwnsJID("signal:+15551234567") {
		t.Fatal("expected signal: prefix to be owned")
	}
	if !c.OwnsJID("signal:group:abc123") {
		t.Fatal("expected signal:group: prefix to be owned")
	}
	if c.OwnsJID("tg:123") {
		t.Fatal("expected non-signal jid to be rejected")
	}
}

func TestGroupTargetDoubleEncodes(t *testing.T) {
	target, ok := groupTarget("signal:group:abc123")
	if !ok {
		t.Fatal("expected group target to be recognized")
	}
	if target == "" {
		t.Fatal("expected non-empty encoded target")
	}

	if _, ok := groupTarget("signal:+15551234567"); ok {
		t.Fatal("expected non-group jid to be rejected")
	}
}
