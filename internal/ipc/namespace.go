// Package ipc implements the bidirectional file-based channel between the
// orchestrator and a running agent: per-group namespaced directories, an
// atomic tmp-then-rename writer, and a task-directory watcher that consumes
// each dropped file exactly once.
package ipc

import (
	"os"
	"path/filepath"
)

// Subdirectory names under a group's IPC namespace root.
const (
	DirMessages  = "messages"
	DirTasks     = "tasks"
	DirInput     = "input"
	DirInputTask = "input-task"
	DirResponses = "responses"
)

// CloseSentinel is the file name a watcher treats as "no more tasks are
// coming, stop watching this group".
const CloseSentinel = "_close"

// Namespace is one group's IPC directory tree, rooted at <ipcRoot>/<folder>.
type Namespace struct {
	Root string
}

// NewNamespace returns the Namespace for a group's folder under ipcRoot,
// creating its subdirectories if they don't already exist.
func NewNamespace(ipcRoot, folder string) (Namespace, error) {
	root := filepath.Join(ipcRoot, folder)
	ns := Namespace{Root: root}
	for _, dir := range []string{DirMessages, DirTasks, DirInput, DirInputTask, DirResponses} {
		if err := os.MkdirAll(ns.Dir(dir), 0o755); err != nil {
			return Namespace{}, err
		}
	}
	return ns, nil
}

// Dir returns the absolute path of one of this namespace's subdirectories.
func (ns Namespace) Dir(name string) string {
	return filepath.Join(ns.Root, name)
}

// Path joins a subdirectory and file name.
func (ns Namespace) Path(dir, name string) string {
	return filepath.Join(ns.Dir(dir), name)
}

// Snapshot file names written into a group's messages/ directory so the
// agent can read recent state without round-tripping through the
// orchestrator for every query.
const (
	SnapshotRecentMessages = "recent_messages.json"
	SnapshotGroups         = "groups.json"
	SnapshotTasks          = "tasks.json"
)

// WriteSnapshot atomically writes one of the Snapshot* files into a group's
// messages/ directory.
func (ns Namespace) WriteSnapshot(name string, v any) error {
	return AtomicWriteJSON(ns.Path(DirMessages, name), v)
}
