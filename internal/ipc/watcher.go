package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nanoclaw/nanoclaw/internal/bus"
	"github.com/nanoclaw/nanoclaw/internal/guard"
)

// TaskHandler processes one authorized task envelope dropped for a group.
type TaskHandler func(ctx context.Context, groupFolder string, env TaskEnvelope) error

// TaskWatcher watches every registered group's tasks/ directory and
// dispatches dropped files exactly once, authorizing each against the
// declaring group's own folder before handing it to handler. It prefers
// fsnotify and falls back to polling at pollInterval for filesystems where
// inotify isn't available (e.g. some network mounts, or a remote sandbox's
// synced workspace).
type TaskWatcher struct {
	ipcRoot      string
	isMainFolder func(folder string) bool
	handler      TaskHandler
	bus          *bus.Bus
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewTaskWatcher creates a TaskWatcher rooted at ipcRoot. isMainFolder
// reports whether a folder is the administrative group allowed to target
// any other group's task directory.
func NewTaskWatcher(ipcRoot string, isMainFolder func(string) bool, handler TaskHandler, b *bus.Bus, logger *slog.Logger) *TaskWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskWatcher{
		ipcRoot:      ipcRoot,
		isMainFolder: isMainFolder,
		handler:      handler,
		bus:          b,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// WatchGroup begins watching one group's tasks/ directory until ctx is
// cancelled or a CloseSentinel file appears in it.
func (w *TaskWatcher) WatchGroup(ctx context.Context, folder string) error {
	tasksDir := filepath.Join(w.ipcRoot, folder, DirTasks)
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	usesFsnotify := err == nil
	if usesFsnotify {
		_ = fsw.Add(tasksDir)
		defer fsw.Close()
	} else {
		w.logger.Warn("ipc: fsnotify unavailable, falling back to polling", "group", folder, "error", err)
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.drain(ctx, folder, tasksDir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.drain(ctx, folder, tasksDir) {
				return nil
			}
		case ev := <-fsnotifyEvents(fsw, usesFsnotify):
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if w.drain(ctx, folder, tasksDir) {
				return nil
			}
		}
	}
}

// fsnotifyEvents returns fsw.Events, or a nil channel (which blocks
// forever in a select) when fsnotify isn't in use — letting the ticker
// carry the loop instead.
func fsnotifyEvents(fsw *fsnotify.Watcher, ok bool) chan fsnotify.Event {
	if !ok {
		return nil
	}
	return fsw.Events
}

// drain consumes every file currently in dir. Returns true if a
// CloseSentinel was seen, signaling the caller to stop watching this group.
func (w *TaskWatcher) drain(ctx context.Context, folder, dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if name == CloseSentinel {
			_ = os.Remove(filepath.Join(dir, name))
			return true
		}
		w.handleDrop(ctx, folder, filepath.Join(dir, name))
	}
	return false
}

func (w *TaskWatcher) handleDrop(ctx context.Context, folder, path string) {
	b, err := ConsumeOnce(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("ipc: consume task drop failed", "path", path, "error", err)
		}
		return
	}

	if err := ValidateTaskEnvelope(b); err != nil {
		w.logger.Warn("ipc: task envelope failed schema validation", "path", path, "error", err)
		return
	}
	var env TaskEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		w.logger.Warn("ipc: malformed task envelope", "path", path, "error", err)
		return
	}

	targetFolder := env.TargetGroup
	if targetFolder == "" {
		targetFolder = folder
	}
	authEnv := guard.TaskEnvelope{
		Type:        env.Type,
		SourceGroup: env.SourceGroup,
		IsMain:      w.isMainFolder(folder),
	}
	ok, reason := guard.AuthorizeTask(authEnv, targetFolder, folder)
	if !ok {
		w.logger.Warn("ipc: task rejected", "group", folder, "target", targetFolder, "reason", reason)
		if w.bus != nil {
			w.bus.Publish(bus.TopicIPCTaskRejected, bus.IPCTaskEvent{GroupJID: folder, TaskType: env.Type, Reason: reason})
		}
		return
	}
	if w.bus != nil {
		w.bus.Publish(bus.TopicIPCTaskAccepted, bus.IPCTaskEvent{GroupJID: folder, TaskType: env.Type})
	}

	if err := w.handler(ctx, folder, env); err != nil {
		w.logger.Error("ipc: task handler failed", "group", folder, "type", env.Type, "error", err)
	}
}
