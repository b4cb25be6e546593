package ipc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/bus"
)

func TestNamespaceCreatesSubdirs(t *testing.T) {
	root := t.TempDir()
	ns, err := NewNamespace(root, "my-group")
	if err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{DirMessages, DirTasks, DirInput, DirInputTask, DirResponses} {
		if fi, err := os.Stat(ns.Dir(dir)); err != nil || !fi.IsDir() {
			t.Fatalf("expected %s to exist", dir)
		}
	}
}

func TestAtomicWriteAndConsumeOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drop.json")
	type payload struct{ Value string }
	if err := AtomicWriteJSON(path, payload{Value: "hi"}); err != nil {
		t.Fatal(err)
	}

	var got payload
	if err := ReadJSON(path, &got); err != nil {
		t.Fatal(err)
	}
	if got.Value != "hi" {
		t.Fatalf("got %q", got.Value)
	}

	b, err := ConsumeOnce(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) == 0 {
		t.Fatal("expected non-empty content")
	}
	if _, err := ConsumeOnce(path); !os.IsNotExist(err) {
		t.Fatalf("expected ErrNotExist on second consume, got %v", err)
	}
}

func TestTaskWatcherAuthorizesAndDispatches(t *testing.T) {
	root := t.TempDir()
	if _, err := NewNamespace(root, "group-a"); err != nil {
		t.Fatal(err)
	}

	handled := make(chan TaskEnvelope, 1)
	b := bus.New()
	w := NewTaskWatcher(root, func(folder string) bool { return folder == "main" }, func(ctx context.Context, folder string, env TaskEnvelope) error {
		handled <- env
		return nil
	}, b, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go w.WatchGroup(ctx, "group-a")

	tasksDir := filepath.Join(root, "group-a", DirTasks)
	env := TaskEnvelope{Type: TaskTypeSendMessage, SourceGroup: "group-a"}
	if err := AtomicWriteJSON(filepath.Join(tasksDir, "t1.json"), env); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-handled:
		if got.Type != TaskTypeSendMessage {
			t.Fatalf("unexpected type %q", got.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task dispatch")
	}
}

func TestTaskWatcherRejectsForeignTarget(t *testing.T) {
	root := t.TempDir()
	if _, err := NewNamespace(root, "group-a"); err != nil {
		t.Fatal(err)
	}

	handled := make(chan TaskEnvelope, 1)
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	w := NewTaskWatcher(root, func(folder string) bool { return false }, func(ctx context.Context, folder string, env TaskEnvelope) error {
		handled <- env
		return nil
	}, b, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go w.WatchGroup(ctx, "group-a")

	tasksDir := filepath.Join(root, "group-a", DirTasks)
	env := TaskEnvelope{Type: TaskTypeSendMessage, SourceGroup: "group-a", TargetGroup: "group-b"}
	if err := AtomicWriteJSON(filepath.Join(tasksDir, "t1.json"), env); err != nil {
		t.Fatal(err)
	}

	select {
	case <-handled:
		t.Fatal("expected foreign-target task to be rejected, not dispatched")
	case <-time.After(500 * time.Millisecond):
	}
}
