package ephemeral

import (
	"context"
	"os"
	"path/filepath"

	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/streamparser"
)

type session struct {
	backend   *Backend
	sessionID string
	vmID      string
	ns        ipc.Namespace
	workspace string
	parser    *streamparser.Parser
	output    chan streamparser.Output
	closed    chan struct{}
	cancel    context.CancelFunc
	waitErr   error
}

func (s *session) Output() <-chan streamparser.Output { return s.output }

// WriteStdin has no direct channel on this substrate: input is delivered
// by writing to the session's inbox prefix, which the VM agent polls.
func (s *session) WriteStdin(b []byte) error {
	key := sessionPrefix(s.sessionID) + keyInbox + "/" + inboxPrompt
	return s.backend.cfg.Store.Put(context.Background(), key, b)
}

// CloseStdin is a no-op: the inbox has no persistent connection to close.
func (s *session) CloseStdin() error { return nil }

func (s *session) WriteIPCData(relPath string, data []byte) error {
	if err := ipc.AtomicWrite(filepath.Join(s.ns.Dir(ipc.DirInput), relPath), data); err != nil {
		return err
	}
	return s.backend.uploadIPCInput(context.Background(), s.sessionID, relPath, data)
}

func (s *session) ReadFile(relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.workspace, relPath))
}

func (s *session) WriteFile(relPath string, data []byte) error {
	if err := os.WriteFile(filepath.Join(s.workspace, relPath), data, 0o644); err != nil {
		return err
	}
	key := sessionPrefix(s.sessionID) + keyWorkspace + "/" + relPath
	return s.backend.cfg.Store.Put(context.Background(), key, data)
}

func (s *session) Wait(ctx context.Context) error {
	select {
	case <-s.closed:
		return s.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill stops the poll loop and tears down the VM. The object-store prefix
// is left for post-mortem inspection; a retention sweep is out of scope
// here.
func (s *session) Kill() error {
	s.cancel()
	return s.backend.cfg.VMs.DeleteVM(context.Background(), s.vmID)
}
