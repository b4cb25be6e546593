package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteJSON marshals v and writes it to path via a temp-file-then-
// rename, so a concurrent reader (the agent process, or another watcher)
// never observes a partially-written file.
func AtomicWriteJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal %s: %w", path, err)
	}
	return AtomicWrite(path, b)
}

// AtomicWrite writes b to path via a temp-file-then-rename in the same
// directory (so the rename is guaranteed atomic on the same filesystem).
func AtomicWrite(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("ipc: create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("ipc: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("ipc: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ipc: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("ipc: rename %s -> %s: %w", tmpName, path, err)
	}
	return nil
}

// ReadJSON reads and unmarshals a JSON file written by AtomicWriteJSON.
func ReadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// ConsumeOnce reads path then removes it, so a second watcher dispatch for
// the same file name never reprocesses the same drop. Returns
// os.ErrNotExist if another consumer already claimed it.
func ConsumeOnce(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ipc: remove consumed file %s: %w", path, err)
	}
	return b, nil
}
