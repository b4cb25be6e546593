// Package backend defines the execution-substrate contract every agent
// session runs against, plus a compile-time registry of the concrete
// variants (local container, persistent remote sandbox, ephemeral cloud
// VM) selected by configuration.
package backend

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nanoclaw/nanoclaw/internal/streamparser"
)

// RunRequest describes one agent session to materialize.
type RunRequest struct {
	GroupJID    string
	GroupFolder string
	SessionID   string
	Prompt      string
	WorkspaceHostPath string // host path to bind/sync as the agent's workspace
	Env         map[string]string
	IsScheduledTask bool // true routes mounts to input-task/ instead of input/
}

// Session is a running (or just-finished) agent invocation. Callers read
// Output() until it's closed, then call Wait() for the final error.
type Session interface {
	// Output streams decoded stdout frames via the streamparser, already
	// wired to the backend's stdout/stderr pipes.
	Output() <-chan streamparser.Output
	// WriteStdin forwards bytes to the agent's stdin, for backends that
	// support interactive input.
	WriteStdin(b []byte) error
	// CloseStdin signals no further input is coming.
	CloseStdin() error
	// WriteIPCData drops a file into the session's IPC input directory.
	WriteIPCData(relPath string, data []byte) error
	// ReadFile reads a file from the session's workspace.
	ReadFile(relPath string) ([]byte, error)
	// WriteFile writes a file into the session's workspace.
	WriteFile(relPath string, data []byte) error
	// Wait blocks until the session's process exits, returning its error
	// (nil on a clean exit).
	Wait(ctx context.Context) error
	// Kill forcibly terminates the session.
	Kill() error
}

// Backend materializes and tears down agent sessions on one execution
// substrate.
type Backend interface {
	Name() string
	Initialize(ctx context.Context) error
	RunAgent(ctx context.Context, req RunRequest) (Session, error)
	Shutdown(ctx context.Context) error
}

// Factory constructs a Backend from a substrate-specific config blob.
type Factory func(ctx context.Context, raw map[string]any) (Backend, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register adds a backend factory under name (e.g. "container", "sandbox",
// "ephemeral"). Intended to be called from each variant's package init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New constructs the named backend.
func New(ctx context.Context, name string, raw map[string]any) (Backend, error) {
	registryMu.Lock()
	f, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("backend: no variant registered for %q", name)
	}
	return f(ctx, raw)
}

// Pump is a small shared helper: backends with separate stdout/stderr pipes
// feed them into a streamparser.Parser on their own goroutines using this
// loop, until r returns an error (EOF on normal stream close).
func Pump(r io.Reader, feed func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}
