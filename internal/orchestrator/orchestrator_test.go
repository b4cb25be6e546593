package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/backend"
	"github.com/nanoclaw/nanoclaw/internal/bus"
	"github.com/nanoclaw/nanoclaw/internal/channels"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/registry"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/streamparser"
)

// fakeChannel is a minimal channels.Channel for exercising routing without
// a real transport.
type fakeChannel struct {
	prefix    string
	sent      []string
	reactions []string
}

func (f *fakeChannel) Name() string                 { return f.prefix }
func (f *fakeChannel) OwnsJID(jid string) bool       { return len(jid) >= len(f.prefix) && jid[:len(f.prefix)] == f.prefix }
func (f *fakeChannel) Connect(ctx context.Context) error    { return nil }
func (f *fakeChannel) Disconnect(ctx context.Context) error { return nil }
func (f *fakeChannel) IsConnected() bool                    { return true }
func (f *fakeChannel) SendMessage(ctx context.Context, jid, text string) (channels.SendResult, error) {
	f.sent = append(f.sent, text)
	return channels.SendResult{Timestamp: time.Now()}, nil
}
func (f *fakeChannel) SetTyping(ctx context.Context, jid string, typing bool) error { return nil }
func (f *fakeChannel) React(ctx context.Context, jid, targetMessageID, emoji string) error {
	f.reactions = append(f.reactions, targetMessageID+":"+emoji)
	return nil
}

// fakeSession is a minimal backend.Session that immediately emits one
// result and closes.
type fakeSession struct {
	out chan streamparser.Output
}

func newFakeSession(result string) *fakeSession {
	s := &fakeSession{out: make(chan streamparser.Output, 1)}
	r := result
	s.out <- streamparser.Output{Status: "success", Result: &r}
	close(s.out)
	return s
}

func (s *fakeSession) Output() <-chan streamparser.Output         { return s.out }
func (s *fakeSession) WriteStdin(b []byte) error                  { return nil }
func (s *fakeSession) CloseStdin() error                          { return nil }
func (s *fakeSession) WriteIPCData(relPath string, data []byte) error { return nil }
func (s *fakeSession) ReadFile(relPath string) ([]byte, error)     { return nil, nil }
func (s *fakeSession) WriteFile(relPath string, data []byte) error { return nil }
func (s *fakeSession) Wait(ctx context.Context) error              { return nil }
func (s *fakeSession) Kill() error                                 { return nil }

// fakeBackend runs every session by replying with a fixed echo of the
// prompt it was given.
type fakeBackend struct {
	name   string
	seen   []backend.RunRequest
}

func (b *fakeBackend) Name() string { return b.name }
func (b *fakeBackend) Initialize(ctx context.Context) error { return nil }
func (b *fakeBackend) Shutdown(ctx context.Context) error   { return nil }
func (b *fakeBackend) RunAgent(ctx context.Context, req backend.RunRequest) (backend.Session, error) {
	b.seen = append(b.seen, req)
	return newFakeSession("echo: " + req.Prompt), nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store, *fakeChannel, *fakeBackend) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(st, t.TempDir())
	b := bus.New()
	o := New(Config{
		Store:          st,
		Registry:       reg,
		Bus:            b,
		Logger:         slog.Default(),
		IPCRoot:        t.TempDir(),
		DefaultBackend: "fake",
		MaxConcurrent:  2,
		MaxRetries:     3,
		BaseDelay:      10 * time.Millisecond,
	})

	be := &fakeBackend{name: "fake"}
	o.RegisterBackend(be)

	ch := &fakeChannel{prefix: "test:"}
	o.AddChannel(ch)

	if err := o.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		o.Shutdown(shutdownCtx)
	})
	return o, st, ch, be
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestOnMessageRoutesReplyBackThroughOwningChannel(t *testing.T) {
	o, _, ch, be := newTestOrchestrator(t)
	ctx := context.Background()

	jid := "test:room1"
	o.onChatMetadata(jid, time.Now(), "Room One", "test", true)

	o.onMessage(ctx, jid, channels.NewMessage{ID: "m1", SenderJID: "test:user1", Content: "hello"})

	waitFor(t, 3*time.Second, func() bool { return len(ch.sent) > 0 })
	if ch.sent[0] != "echo: hello" {
		t.Fatalf("unexpected reply: %q", ch.sent[0])
	}
	if len(be.seen) != 1 || be.seen[0].Prompt != "hello" {
		t.Fatalf("unexpected backend invocation: %+v", be.seen)
	}
}

func TestOnMessageGatedByRequiredTrigger(t *testing.T) {
	o, st, ch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	jid := "test:room2"
	if err := st.UpsertGroup(ctx, store.Group{
		JID: jid, Folder: "room2", TriggerPattern: "@bot", RequiresTrigger: true,
	}); err != nil {
		t.Fatal(err)
	}
	o.ensureWatching(ctx, jid)

	o.onMessage(ctx, jid, channels.NewMessage{ID: "m1", SenderJID: "test:user1", Content: "no mention here"})
	time.Sleep(50 * time.Millisecond)
	if len(ch.sent) != 0 {
		t.Fatalf("expected no reply for non-matching message, got %v", ch.sent)
	}

	o.onMessage(ctx, jid, channels.NewMessage{ID: "m2", SenderJID: "test:user1", Content: "hey @bot help"})
	waitFor(t, 3*time.Second, func() bool { return len(ch.sent) > 0 })
}

func TestHandleSendMessageTask(t *testing.T) {
	o, st, ch, _ := newTestOrchestrator(t)
	ctx := context.Background()

	jid := "test:room3"
	if err := st.UpsertGroup(ctx, store.Group{JID: jid, Folder: "room3"}); err != nil {
		t.Fatal(err)
	}

	env := ipcEnvelopeForTest(t, "send_message", `{"text":"direct reply"}`)
	if err := o.handleTask(ctx, "room3", env); err != nil {
		t.Fatal(err)
	}
	if len(ch.sent) != 1 || ch.sent[0] != "direct reply" {
		t.Fatalf("unexpected sent messages: %v", ch.sent)
	}
}

func ipcEnvelopeForTest(t *testing.T, taskType, payloadJSON string) ipc.TaskEnvelope {
	t.Helper()
	return ipc.TaskEnvelope{
		Type:        taskType,
		SourceGroup: "room3",
		CreatedAt:   time.Now(),
		Payload:     json.RawMessage(payloadJSON),
	}
}
