package ipc

import (
	"context"
	"fmt"
	"os"
	"time"
)

// AwaitResponse polls a group's responses/ directory for a file named id
// until it appears, ctx is cancelled, or timeout elapses. It returns the
// file's contents, consuming it so a second caller never replays the same
// response.
func (ns Namespace) AwaitResponse(ctx context.Context, id string, timeout time.Duration, pollInterval time.Duration) ([]byte, error) {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	path := ns.Path(DirResponses, id)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if b, err := ConsumeOnce(path); err == nil {
			return b, nil
		} else if !os.IsNotExist(err) {
			return nil, err
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, fmt.Errorf("ipc: no response for %q after %s", id, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
