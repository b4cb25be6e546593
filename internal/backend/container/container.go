// Package container implements the local-container execution substrate:
// one throwaway Docker (or apple-container-compatible) container per agent
// session, bind-mounting the group's workspace and IPC namespace.
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/nanoclaw/nanoclaw/internal/backend"
	"github.com/nanoclaw/nanoclaw/internal/guard"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/streamparser"
)

func init() {
	backend.Register("container", newFromConfig)
}

// Config controls the container substrate.
type Config struct {
	Image              string
	MemoryMB           int64
	NetworkMode        string
	IPCRoot            string
	AllowedMountRoots  []string
	UID, GID           int
	StartupTimeout     time.Duration
	IdleTimeout        time.Duration
	MaxOutputBytes     int
	Logger             *slog.Logger
}

func newFromConfig(ctx context.Context, raw map[string]any) (backend.Backend, error) {
	cfg := Config{Image: "nanoclaw-agent:latest", MemoryMB: 1024, NetworkMode: "none"}
	if v, ok := raw["image"].(string); ok && v != "" {
		cfg.Image = v
	}
	if v, ok := raw["ipc_root"].(string); ok {
		cfg.IPCRoot = v
	}
	if v, ok := raw["allowed_mount_roots"].([]string); ok {
		cfg.AllowedMountRoots = v
	}
	return New(cfg)
}

// Backend implements backend.Backend over the Docker SDK.
type Backend struct {
	cfg     Config
	cli     *dockerclient.Client
	allowed guard.AllowedRoots
	logger  *slog.Logger
}

// New constructs a container Backend.
func New(cfg Config) (*Backend, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container: docker client: %w", err)
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:     cfg,
		cli:     cli,
		allowed: guard.NewAllowedRoots(cfg.AllowedMountRoots...),
		logger:  logger,
	}, nil
}

func (b *Backend) Name() string { return "container" }

func (b *Backend) Initialize(ctx context.Context) error {
	_, err := b.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("container: docker daemon unreachable: %w", err)
	}
	return nil
}

func (b *Backend) Shutdown(ctx context.Context) error {
	return b.cli.Close()
}

// RunAgent creates, starts, and begins streaming logs from a fresh
// container for one agent session. The container is named
// nanoclaw-<folder-slug>-<unix-ms> so concurrent sessions for different
// groups never collide and a crashed orchestrator can identify orphans by
// prefix on restart.
func (b *Backend) RunAgent(ctx context.Context, req backend.RunRequest) (backend.Session, error) {
	ns, err := ipc.NewNamespace(b.cfg.IPCRoot, req.GroupFolder)
	if err != nil {
		return nil, fmt.Errorf("container: ipc namespace: %w", err)
	}
	inputDir := ipc.DirInput
	if req.IsScheduledTask {
		inputDir = ipc.DirInputTask
	}

	mounts := []guard.MountSpec{
		{HostPath: req.WorkspaceHostPath, ContainerPath: "/workspace"},
		{HostPath: ns.Dir(inputDir), ContainerPath: "/ipc/input"},
		{HostPath: ns.Dir(ipc.DirTasks), ContainerPath: "/ipc/tasks"},
		{HostPath: ns.Dir(ipc.DirMessages), ContainerPath: "/ipc/messages"},
		{HostPath: ns.Dir(ipc.DirResponses), ContainerPath: "/ipc/responses"},
	}
	okMounts, rejected := guard.ValidateMounts(b.allowed, mounts)
	for _, r := range rejected {
		b.logger.Warn("container: rejected mount escaping allowed roots", "host_path", r, "group", req.GroupJID)
	}

	binds := make([]string, 0, len(okMounts))
	for _, m := range okMounts {
		rw := ""
		if m.ReadOnly {
			rw = ":ro"
		}
		binds = append(binds, fmt.Sprintf("%s:%s%s", m.HostPath, m.ContainerPath, rw))
	}

	env := make([]string, 0, len(req.Env)+1)
	env = append(env, "NANOCLAW_SESSION_ID="+req.SessionID)
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}

	name := fmt.Sprintf("nanoclaw-%s-%d", slug(req.GroupFolder), time.Now().UnixMilli())

	var user string
	if b.cfg.UID != 0 || b.cfg.GID != 0 {
		user = strconv.Itoa(b.cfg.UID) + ":" + strconv.Itoa(b.cfg.GID)
	}

	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image:      b.cfg.Image,
		Cmd:        []string{"/agent/run.sh", req.Prompt},
		WorkingDir: "/workspace",
		Env:        env,
		User:       user,
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: b.cfg.MemoryMB * 1024 * 1024},
		NetworkMode: container.NetworkMode(b.cfg.NetworkMode),
		Binds:       binds,
		AutoRemove:  true,
	}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container: create: %w", err)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("container: start: %w", err)
	}

	sess := &session{
		backend:     b,
		containerID: resp.ID,
		ns:          ns,
		workspace:   req.WorkspaceHostPath,
		output:      make(chan streamparser.Output, 16),
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
	sess.closed = make(chan struct{})
	sess.parser.Start(func() {
		_ = b.cli.ContainerKill(context.Background(), sess.containerID, "SIGKILL")
	})

	go sess.streamLogs(ctx)

	return sess, nil
}

func slug(folder string) string {
	out := make([]byte, 0, len(folder))
	for _, r := range folder {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, byte(r))
		case r >= 'A' && r <= 'Z':
			out = append(out, byte(r+('a'-'A')))
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

type session struct {
	backend     *Backend
	containerID string
	ns          ipc.Namespace
	workspace   string
	parser      *streamparser.Parser
	output      chan streamparser.Output
	closed      chan struct{}
	waitErr     error
}

func (s *session) streamLogs(ctx context.Context) {
	out, err := s.backend.cli.ContainerLogs(ctx, s.containerID, container.LogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: true,
	})
	if err != nil {
		s.backend.logger.Error("container: attach logs failed", "container", s.containerID, "error", err)
		close(s.closed)
		return
	}
	defer out.Close()

	stdoutW, stdoutR := io.Pipe()
	stderrW, stderrR := io.Pipe()
	go func() {
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, out)
		stdoutW.Close()
		stderrW.Close()
	}()
	go backend.Pump(stdoutR, s.parser.FeedStdout)
	go backend.Pump(stderrR, s.parser.FeedStderr)

	statusCh, errCh := s.backend.cli.ContainerWait(ctx, s.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		s.waitErr = err
	case status := <-statusCh:
		if status.StatusCode != 0 {
			s.waitErr = fmt.Errorf("container: exited with status %d", status.StatusCode)
		}
	case <-ctx.Done():
		_ = s.backend.cli.ContainerKill(context.Background(), s.containerID, "SIGKILL")
		s.waitErr = ctx.Err()
	}
	s.parser.Cleanup()
	close(s.output)
	close(s.closed)
}

func (s *session) Output() <-chan streamparser.Output { return s.output }

func (s *session) WriteStdin(b []byte) error {
	return fmt.Errorf("container: interactive stdin not supported, use IPC input files")
}

func (s *session) CloseStdin() error { return nil }

func (s *session) WriteIPCData(relPath string, data []byte) error {
	return ipc.AtomicWrite(filepath.Join(s.ns.Dir(ipc.DirInput), relPath), data)
}

func (s *session) ReadFile(relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.workspace, relPath))
}

func (s *session) WriteFile(relPath string, data []byte) error {
	return os.WriteFile(filepath.Join(s.workspace, relPath), data, 0o644)
}

func (s *session) Wait(ctx context.Context) error {
	select {
	case <-s.closed:
		return s.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) Kill() error {
	return s.backend.cli.ContainerKill(context.Background(), s.containerID, "SIGKILL")
}
