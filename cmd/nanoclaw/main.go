// Command nanoclaw runs the NanoClaw daemon: it connects every configured
// chat channel, materializes a sandboxed agent session per group on demand,
// and drives the IPC task lane those sessions use to reach back into the
// system.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/backend"
	_ "github.com/nanoclaw/nanoclaw/internal/backend/container"
	_ "github.com/nanoclaw/nanoclaw/internal/backend/ephemeral"
	_ "github.com/nanoclaw/nanoclaw/internal/backend/sandbox"
	"github.com/nanoclaw/nanoclaw/internal/bus"
	"github.com/nanoclaw/nanoclaw/internal/channels/discord"
	signalchannel "github.com/nanoclaw/nanoclaw/internal/channels/signal"
	"github.com/nanoclaw/nanoclaw/internal/channels/slack"
	"github.com/nanoclaw/nanoclaw/internal/channels/telegram"
	"github.com/nanoclaw/nanoclaw/internal/channels/whatsapp"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/orchestrator"
	"github.com/nanoclaw/nanoclaw/internal/registry"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := os.Getenv("NANOCLAW_HOME")
	if homeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			homeDir = filepath.Join(home, ".nanoclaw")
		} else {
			homeDir = ".nanoclaw"
		}
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_DIR", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	providers, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:  "nanoclaw",
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_TELEMETRY_INIT", err)
	}
	defer providers.Shutdown(context.Background())

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatalStartup(logger, "E_DATA_DIR", err)
	}
	st, err := store.Open(ctx, cfg.DataDir)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	workspaceRoot := filepath.Join(cfg.DataDir, "workspaces")
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_ROOT", err)
	}
	reg := registry.New(st, workspaceRoot)

	groupDefs, err := config.LoadGroups(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_GROUPS_LOAD", err)
	}
	for _, gd := range groupDefs {
		if err := reg.Update(ctx, store.Group{
			JID:             gd.JID,
			DisplayName:     gd.DisplayName,
			Folder:          gd.Folder,
			ServerFolder:    gd.ServerFolder,
			TriggerPattern:  gd.TriggerPattern,
			RequiresTrigger: gd.RequiresTrigger,
			Backend:         gd.Backend,
		}); err != nil {
			fatalStartup(logger, "E_GROUPS_BOOTSTRAP", fmt.Errorf("group %s: %w", gd.JID, err))
		}
	}
	logger.Info("startup phase", "phase", "groups_bootstrapped", "count", len(groupDefs))

	eventBus := bus.NewWithLogger(logger)
	ipcRoot := filepath.Join(cfg.DataDir, "ipc")
	if err := os.MkdirAll(ipcRoot, 0o755); err != nil {
		fatalStartup(logger, "E_IPC_ROOT", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:            st,
		Registry:         reg,
		Bus:              eventBus,
		Logger:           logger,
		IPCRoot:          ipcRoot,
		DefaultBackend:   cfg.Backend.Default,
		MaxConcurrent:    cfg.MaxConcurrentContainers,
		MaxRetries:       cfg.MaxRetries,
		BaseDelay:        cfg.RetryBaseDelay(),
		RecoveryGate:     cfg.RecoveryExhaustedGate(),
		ScheduleInterval: time.Minute,
	})

	registerBackends(ctx, orch, cfg, ipcRoot, logger)
	registerChannels(orch, cfg, logger)

	if err := orch.Start(ctx); err != nil {
		fatalStartup(logger, "E_ORCHESTRATOR_START", err)
	}
	logger.Info("startup phase", "phase", "orchestrator_started")

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown did not finish cleanly", "error", err)
	}
	logger.Info("shutdown complete")
}

// registerBackends constructs the configured default execution substrate,
// plus any other substrate whose required environment variables are
// present, so a group can opt into a non-default backend via its own
// config override without the daemon needing a restart.
func registerBackends(ctx context.Context, orch *orchestrator.Orchestrator, cfg config.Config, ipcRoot string, logger *slog.Logger) {
	containerRaw := map[string]any{
		"image":    cfg.Backend.ContainerImage,
		"ipc_root": ipcRoot,
	}
	if b, err := backend.New(ctx, "container", containerRaw); err != nil {
		logger.Warn("backend unavailable", "backend", "container", "error", err)
	} else {
		orch.RegisterBackend(b)
	}

	if baseURL := os.Getenv("SANDBOX_BASE_URL"); baseURL != "" {
		sandboxRaw := map[string]any{
			"base_url":  baseURL,
			"api_token": os.Getenv("SANDBOX_API_TOKEN"),
			"ipc_root":  ipcRoot,
			"cache_dir": filepath.Join(cfg.DataDir, "sandbox-cache"),
		}
		if b, err := backend.New(ctx, "sandbox", sandboxRaw); err != nil {
			logger.Warn("backend unavailable", "backend", "sandbox", "error", err)
		} else {
			orch.RegisterBackend(b)
		}
	}

	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		ephemeralRaw := map[string]any{
			"s3_region":           os.Getenv("S3_REGION"),
			"s3_endpoint":         os.Getenv("S3_ENDPOINT"),
			"s3_bucket":           bucket,
			"s3_access_key_id":     os.Getenv("S3_ACCESS_KEY_ID"),
			"s3_secret_access_key": os.Getenv("S3_SECRET_ACCESS_KEY"),
			"vm_base_url":         os.Getenv("VM_BASE_URL"),
			"vm_api_token":        os.Getenv("VM_API_TOKEN"),
			"vm_image":            os.Getenv("VM_IMAGE"),
			"vm_region":           os.Getenv("VM_REGION"),
			"ipc_root":            ipcRoot,
		}
		if b, err := backend.New(ctx, "ephemeral", ephemeralRaw); err != nil {
			logger.Warn("backend unavailable", "backend", "ephemeral", "error", err)
		} else {
			orch.RegisterBackend(b)
		}
	}
}

// registerChannels constructs and wires every channel enabled in cfg.
func registerChannels(orch *orchestrator.Orchestrator, cfg config.Config, logger *slog.Logger) {
	opts := orch.Options()

	if c := cfg.Channels.Telegram; c.Enabled {
		allowed := make([]int64, 0, len(c.AllowedIDs))
		for _, s := range c.AllowedIDs {
			var id int64
			if _, err := fmt.Sscanf(s, "%d", &id); err == nil {
				allowed = append(allowed, id)
			}
		}
		orch.AddChannel(telegram.New(telegram.Config{
			Token:      c.Token,
			AllowedIDs: allowed,
			Logger:     logger,
		}, opts))
	}

	if c := cfg.Channels.Slack; c.Enabled {
		orch.AddChannel(slack.New(slack.Config{
			BotToken: c.Token,
			AppToken: c.AppToken,
			Logger:   logger,
		}, opts))
	}

	if c := cfg.Channels.Discord; c.Enabled {
		orch.AddChannel(discord.New(discord.Config{
			BotToken: c.Token,
			Logger:   logger,
		}, opts))
	}

	if c := cfg.Channels.WhatsApp; c.Enabled {
		orch.AddChannel(whatsapp.New(whatsapp.Config{
			SessionDBPath: filepath.Join(cfg.DataDir, "whatsapp.db"),
			Logger:        logger,
		}, opts))
	}

	if c := cfg.Channels.Signal; c.Enabled {
		orch.AddChannel(signalchannel.New(signalchannel.Config{
			BaseURL:      c.BaseURL,
			Number:       c.PhoneNumber,
			PollInterval: 2 * time.Second,
			Logger:       logger,
		}, opts))
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
