// Package ephemeral implements the ephemeral-cloud-VM execution substrate:
// a fresh instance is provisioned per session via cloudapi.VMProvider, and
// since the instance has no direct inbound network path, all I/O (prompt,
// workspace sync, stdout/stderr, IPC files) is mediated through an
// cloudapi.ObjectStore bucket under a per-session key prefix, drained by a
// 1-second poll loop. The instance is torn down when the session ends.
package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/backend"
	"github.com/nanoclaw/nanoclaw/internal/cloudapi"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/streamparser"
)

func init() {
	backend.Register("ephemeral", newFromConfig)
}

// object key layout under the shared bucket, namespaced per session:
//
//	sessions/<sessionID>/workspace/<relPath>   synced in before VM boot
//	sessions/<sessionID>/inbox/prompt.txt      written once, VM polls for it
//	sessions/<sessionID>/outbox/stdout.log     appended-to by the VM agent
//	sessions/<sessionID>/outbox/stderr.log     appended-to by the VM agent
//	sessions/<sessionID>/outbox/exit.json      written once the agent exits
//	sessions/<sessionID>/ipc/<relPath>         bidirectional IPC passthrough
const (
	keyWorkspace = "workspace"
	keyInbox     = "inbox"
	keyOutbox    = "outbox"
	keyIPC       = "ipc"

	inboxPrompt  = "prompt.txt"
	outboxStdout = "stdout.log"
	outboxStderr = "stderr.log"
	outboxExit   = "exit.json"
)

// Config controls the ephemeral substrate.
type Config struct {
	VMImage        string
	VMRegion       string
	IPCRoot        string
	PollInterval   time.Duration
	StartupTimeout time.Duration
	IdleTimeout    time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger

	VMs   cloudapi.VMProvider
	Store cloudapi.ObjectStore
}

func newFromConfig(ctx context.Context, raw map[string]any) (backend.Backend, error) {
	str := func(key string) string {
		v, _ := raw[key].(string)
		return v
	}

	store, err := cloudapi.NewS3Store(ctx, cloudapi.S3Config{
		Region:          str("s3_region"),
		Endpoint:        str("s3_endpoint"),
		Bucket:          str("s3_bucket"),
		AccessKeyID:     str("s3_access_key_id"),
		SecretAccessKey: str("s3_secret_access_key"),
	})
	if err != nil {
		return nil, fmt.Errorf("ephemeral: build object store: %w", err)
	}

	vms := cloudapi.NewHTTPVMProvider(str("vm_base_url"), str("vm_api_token"))

	return New(Config{
		VMImage: str("vm_image"),
		VMRegion: str("vm_region"),
		IPCRoot:  str("ipc_root"),
		VMs:      vms,
		Store:    store,
	}), nil
}

// Backend implements backend.Backend over short-lived cloud instances
// mediated by object storage.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs an ephemeral Backend. Unlike the other variants it cannot
// be built from a raw config map alone, since it requires a live
// cloudapi.VMProvider and cloudapi.ObjectStore (typically an S3Store); the
// caller wires those up first and passes them in cfg.
func New(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	return &Backend{cfg: cfg, logger: logger}
}

func (b *Backend) Name() string { return "ephemeral" }

func (b *Backend) Initialize(ctx context.Context) error { return nil }

func (b *Backend) Shutdown(ctx context.Context) error { return nil }

func sessionPrefix(sessionID string) string {
	return "sessions/" + sessionID + "/"
}

// syncWorkspace uploads the host workspace tree into the session's bucket
// prefix so the VM can pull it down on boot.
func (b *Backend) syncWorkspace(ctx context.Context, sessionID, hostPath string) error {
	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return fmt.Errorf("ephemeral: read workspace: %w", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(hostPath, ent.Name()))
		if err != nil {
			continue
		}
		key := sessionPrefix(sessionID) + keyWorkspace + "/" + ent.Name()
		if err := b.cfg.Store.Put(ctx, key, data); err != nil {
			return fmt.Errorf("ephemeral: upload workspace file %s: %w", ent.Name(), err)
		}
	}
	return nil
}

// RunAgent provisions a VM, uploads the workspace and prompt, and returns a
// Session whose Output() is fed by a poll loop over the outbox prefix.
func (b *Backend) RunAgent(ctx context.Context, req backend.RunRequest) (backend.Session, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = req.GroupFolder
	}

	if err := b.syncWorkspace(ctx, sessionID, req.WorkspaceHostPath); err != nil {
		return nil, err
	}
	if err := b.cfg.Store.Put(ctx, sessionPrefix(sessionID)+keyInbox+"/"+inboxPrompt, []byte(req.Prompt)); err != nil {
		return nil, fmt.Errorf("ephemeral: upload prompt: %w", err)
	}

	ns, err := ipc.NewNamespace(b.cfg.IPCRoot, req.GroupFolder)
	if err != nil {
		return nil, fmt.Errorf("ephemeral: ipc namespace: %w", err)
	}

	env := map[string]string{
		"NANOCLAW_SESSION_ID": sessionID,
	}
	for k, v := range req.Env {
		env[k] = v
	}

	vm, err := b.cfg.VMs.CreateVM(ctx, cloudapi.VMSpec{
		Image:  b.cfg.VMImage,
		Region: b.cfg.VMRegion,
		Env:    env,
		Label:  sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("ephemeral: create vm: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		backend:   b,
		sessionID: sessionID,
		vmID:      vm.ID,
		ns:        ns,
		workspace: req.WorkspaceHostPath,
		output:    make(chan streamparser.Output, 16),
		closed:    make(chan struct{}),
		cancel:    cancel,
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
		sess.Kill()
	})

	go b.pollLoop(sctx, sess)

	return sess, nil
}

// pollLoop drains the outbox at cfg.PollInterval: new bytes appended to
// stdout.log/stderr.log are fed to the parser, and exit.json ends the
// session. This is the substrate's substitute for a live stream — the VM
// has no inbound path to push to us directly.
func (b *Backend) pollLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	defer func() {
		sess.parser.Cleanup()
		close(sess.output)
		close(sess.closed)
	}()

	var stdoutOff, stderrOff int
	prefix := sessionPrefix(sess.sessionID) + keyOutbox + "/"

	for {
		select {
		case <-ctx.Done():
			sess.waitErr = ctx.Err()
			return
		case <-ticker.C:
		}

		if out, err := b.cfg.Store.Get(ctx, prefix+outboxStdout); err == nil && len(out) > stdoutOff {
			sess.parser.FeedStdout(out[stdoutOff:])
			stdoutOff = len(out)
		}
		if errOut, err := b.cfg.Store.Get(ctx, prefix+outboxStderr); err == nil && len(errOut) > stderrOff {
			sess.parser.FeedStderr(errOut[stderrOff:])
			stderrOff = len(errOut)
		}

		if exitRaw, err := b.cfg.Store.Get(ctx, prefix+outboxExit); err == nil {
			var exit struct {
				Code int    `json:"code"`
				Err  string `json:"error,omitempty"`
			}
			if json.Unmarshal(exitRaw, &exit) == nil {
				if exit.Err != "" {
					sess.waitErr = fmt.Errorf("ephemeral: agent exited: %s", exit.Err)
				} else if exit.Code != 0 {
					sess.waitErr = fmt.Errorf("ephemeral: agent exited with code %d", exit.Code)
				}
				return
			}
		}
	}
}

// uploadIPCInput pushes a file into the session's object-store IPC prefix,
// mirroring it to the local IPC namespace so HTTP-less, bucket-only
// consumers still work via the usual filesystem watchers where applicable.
func (b *Backend) uploadIPCInput(ctx context.Context, sessionID, relPath string, data []byte) error {
	key := sessionPrefix(sessionID) + keyIPC + "/" + strings.TrimPrefix(relPath, "/")
	return b.cfg.Store.Put(ctx, key, data)
}

