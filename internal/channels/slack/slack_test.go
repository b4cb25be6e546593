package slack

import (
	"testing"
	"time"
)

func TestOwnsJID(t *testing.T) {
	c := &Channel{}
	if !c.OwnsJID("slack:C0123456") {
		t.Fatal("expected slack: prefix to be owned")
	}
	if c.OwnsJID("tg:123") {
		t.Fatal("expected non-slack jid to be rejected")
	}
}

func TestSlackTSToTime(t *testing.T) {
	ts := slackTSToTime("1234567890.123456")
	if ts.Unix() != 1234567890 {
		t.Fatalf("got unix %d, want 1234567890", ts.Unix())
	}
	if slackTSToTime("garbage") != (time.Time{}) {
		t.Fatal("expected zero time for malformed timestamp")
	}
}
