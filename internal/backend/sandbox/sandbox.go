// Package sandbox implements the persistent-remote-sandbox execution
// substrate: a long-lived remote workspace (content-hash file sync cached
// locally) exec'd into over a websocket, rather than a throwaway container
// per session. Suited to backends shaped like Daytona/Sprites, where
// spinning up a fresh environment per message is too slow but the
// workspace itself persists across sessions.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nanoclaw/nanoclaw/internal/backend"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/streamparser"
)

func init() {
	backend.Register("sandbox", newFromConfig)
}

// Config controls the sandbox substrate.
type Config struct {
	BaseURL        string // e.g. https://api.sandbox-provider.example
	APIToken       string
	IPCRoot        string
	CacheDir       string // local content-hash cache of synced files
	StartupTimeout time.Duration
	IdleTimeout    time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger
}

func newFromConfig(ctx context.Context, raw map[string]any) (backend.Backend, error) {
	cfg := Config{}
	if v, ok := raw["base_url"].(string); ok {
		cfg.BaseURL = v
	}
	if v, ok := raw["api_token"].(string); ok {
		cfg.APIToken = v
	}
	if v, ok := raw["ipc_root"].(string); ok {
		cfg.IPCRoot = v
	}
	if v, ok := raw["cache_dir"].(string); ok {
		cfg.CacheDir = v
	}
	return New(cfg), nil
}

// Backend implements backend.Backend over a persistent remote sandbox API.
type Backend struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	cacheMu sync.Mutex
	cache   map[string]string // relPath -> sha256 hex of last-synced content
}

// New constructs a sandbox Backend.
func New(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(os.TempDir(), "nanoclaw-sandbox-cache")
	}
	return &Backend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		cache:      make(map[string]string),
	}
}

func (b *Backend) Name() string { return "sandbox" }

func (b *Backend) Initialize(ctx context.Context) error {
	return os.MkdirAll(b.cfg.CacheDir, 0o755)
}

func (b *Backend) Shutdown(ctx context.Context) error { return nil }

// syncWorkspace uploads only files whose content hash differs from the
// cached hash for that path, so a long-lived sandbox's workspace sync cost
// is proportional to what actually changed since the last session.
func (b *Backend) syncWorkspace(ctx context.Context, sandboxID, hostPath string) error {
	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return fmt.Errorf("sandbox: read workspace: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		rel := ent.Name()
		data, err := os.ReadFile(filepath.Join(hostPath, rel))
		if err != nil {
			continue
		}
		sum := sha256.Sum256(data)
		digest := hex.EncodeToString(sum[:])

		b.cacheMu.Lock()
		key := sandboxID + ":" + rel
		unchanged := b.cache[key] == digest
		if !unchanged {
			b.cache[key] = digest
		}
		b.cacheMu.Unlock()
		if unchanged {
			continue
		}
		if err := b.uploadFile(ctx, sandboxID, rel, data); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) uploadFile(ctx context.Context, sandboxID, relPath string, data []byte) error {
	url := fmt.Sprintf("%s/sandboxes/%s/files/%s", b.cfg.BaseURL, sandboxID, relPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, newBytesReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIToken)
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox: upload %s: %w", relPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sandbox: upload %s: status %d", relPath, resp.StatusCode)
	}
	return nil
}

// createSandbox ensures a sandbox exists for groupJID, returning its ID.
// A real deployment would look this up/create it via the provider's
// management API; exposed as a seam so it can be swapped per provider.
func (b *Backend) createSandbox(ctx context.Context, groupJID string) (string, error) {
	url := fmt.Sprintf("%s/sandboxes", b.cfg.BaseURL)
	body, _ := json.Marshal(map[string]string{"label": groupJID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, newBytesReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sandbox: create: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("sandbox: decode create response: %w", err)
	}
	return out.ID, nil
}

// RunAgent syncs the workspace, then opens an exec websocket and feeds its
// frames into a streamparser.
func (b *Backend) RunAgent(ctx context.Context, req backend.RunRequest) (backend.Session, error) {
	sandboxID, err := b.createSandbox(ctx, req.GroupJID)
	if err != nil {
		return nil, err
	}
	if err := b.syncWorkspace(ctx, sandboxID, req.WorkspaceHostPath); err != nil {
		return nil, err
	}

	ns, err := ipc.NewNamespace(b.cfg.IPCRoot, req.GroupFolder)
	if err != nil {
		return nil, fmt.Errorf("sandbox: ipc namespace: %w", err)
	}

	wsURL := fmt.Sprintf("%s/sandboxes/%s/exec?token=%s", wsify(b.cfg.BaseURL), sandboxID, b.cfg.APIToken)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox: exec dial: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(req.Prompt)); err != nil {
		conn.Close(websocket.StatusInternalError, "write prompt failed")
		return nil, fmt.Errorf("sandbox: send prompt: %w", err)
	}

	sess := &session{
		backend:   b,
		sandboxID: sandboxID,
		conn:      conn,
		ns:        ns,
		workspace: req.WorkspaceHostPath,
		output:    make(chan streamparser.Output, 16),
		closed:    make(chan struct{}),
	}
	sess.parser = streamparser.New(streamparser.Config{
		MaxBytes:       b.cfg.MaxOutputBytes,
		StartupTimeout: b.cfg.StartupTimeout,
		IdleTimeout:    b.cfg.IdleTimeout,
		Logger:         b.logger,
	}, func(out streamparser.Output) <-chan struct{} {
		done := make(chan struct{})
		go func() {
			select {
			case sess.output <- out:
			case <-sess.closed:
			}
			close(done)
		}()
		return done
	})
	sess.parser.Start(func() {
		_ = conn.Close(websocket.StatusPolicyViolation, "session timed out")
	})

	go sess.readLoop(ctx)

	return sess, nil
}

func wsify(httpURL string) string {
	switch {
	case len(httpURL) >= 5 && httpURL[:5] == "https":
		return "wss" + httpURL[5:]
	case len(httpURL) >= 4 && httpURL[:4] == "http":
		return "ws" + httpURL[4:]
	default:
		return httpURL
	}
}
