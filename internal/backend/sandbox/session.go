package sandbox

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/coder/websocket"

	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/streamparser"
)

type session struct {
	backend   *Backend
	sandboxID string
	conn      *websocket.Conn
	ns        ipc.Namespace
	workspace string
	parser    *streamparser.Parser
	output    chan streamparser.Output
	closed    chan struct{}
	waitErr   error
}

// readLoop pulls frames off the exec websocket and feeds them to the
// parser. The sandbox API multiplexes stdout/stderr by message type: text
// frames are stdout, binary frames are stderr, matching the convention
// used by browser-based terminal relays.
func (s *session) readLoop(ctx context.Context) {
	defer func() {
		s.parser.Cleanup()
		close(s.output)
		close(s.closed)
	}()
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			s.waitErr = err
			return
		}
		switch msgType {
		case websocket.MessageText:
			s.parser.FeedStdout(data)
		case websocket.MessageBinary:
			s.parser.FeedStderr(data)
		}
	}
}

func (s *session) Output() <-chan streamparser.Output { return s.output }

func (s *session) WriteStdin(b []byte) error {
	return s.conn.Write(context.Background(), websocket.MessageText, b)
}

func (s *session) CloseStdin() error {
	return s.conn.Write(context.Background(), websocket.MessageText, []byte("\x04")) // EOT
}

func (s *session) WriteIPCData(relPath string, data []byte) error {
	return ipc.AtomicWrite(filepath.Join(s.ns.Dir(ipc.DirInput), relPath), data)
}

func (s *session) ReadFile(relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.workspace, relPath))
}

func (s *session) WriteFile(relPath string, data []byte) error {
	if err := os.WriteFile(filepath.Join(s.workspace, relPath), data, 0o644); err != nil {
		return err
	}
	return s.backend.uploadFile(context.Background(), s.sandboxID, relPath, data)
}

func (s *session) Wait(ctx context.Context) error {
	select {
	case <-s.closed:
		if s.waitErr != nil && s.waitErr != io.EOF {
			return s.waitErr
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) Kill() error {
	return s.conn.Close(websocket.StatusNormalClosure, "killed")
}

func newBytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
