// Package config loads NanoClaw's static configuration: a YAML file for
// channel credentials, backend selection, and registered-group bootstrap,
// overlaid with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ChannelConfig holds per-channel credentials and limits.
type ChannelConfig struct {
	Telegram ChannelCreds `yaml:"telegram"`
	Slack    ChannelCreds `yaml:"slack"`
	Discord  ChannelCreds `yaml:"discord"`
	WhatsApp ChannelCreds `yaml:"whatsapp"`
	Signal   ChannelCreds `yaml:"signal"`
}

// ChannelCreds is intentionally loose: different channels need different
// subsets (bot token vs. app+bot token pair vs. REST proxy base URL).
type ChannelCreds struct {
	Enabled     bool     `yaml:"enabled"`
	Token       string   `yaml:"token"`
	AppToken    string   `yaml:"app_token"`
	BaseURL     string   `yaml:"base_url"`
	PhoneNumber string   `yaml:"phone_number"`
	AllowedIDs  []string `yaml:"allowed_ids"`
}

// BackendConfig selects and configures the default execution substrate.
type BackendConfig struct {
	Default            string `yaml:"default"` // "container", "sandbox", "ephemeral"
	ContainerRuntime   string `yaml:"container_runtime"` // "docker" | "apple-container"
	ContainerImage     string `yaml:"container_image"`
	ContainerMemoryMB  int64  `yaml:"container_memory_mb"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	StartupTimeoutSecs int    `yaml:"startup_timeout_seconds"`
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
	MaxOutputBytes     int    `yaml:"max_output_bytes"`
}

// Config is the fully-resolved process configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	MaxConcurrentContainers int `yaml:"max_concurrent_containers"`
	MaxRetries              int `yaml:"max_retries"`
	RetryBaseDelayMS        int `yaml:"retry_base_delay_ms"`
	RecoveryExhaustedGateMS int `yaml:"recovery_exhausted_gate_ms"`

	Backend  BackendConfig `yaml:"backend"`
	Channels ChannelConfig `yaml:"channels"`

	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration's documented defaults.
func Default() Config {
	return Config{
		MaxConcurrentContainers: 2,
		MaxRetries:              5,
		RetryBaseDelayMS:        5000,
		RecoveryExhaustedGateMS: 0,
		Backend: BackendConfig{
			Default:            "container",
			ContainerRuntime:   "docker",
			ContainerImage:     "nanoclaw-agent:latest",
			ContainerMemoryMB:  1024,
			TimeoutSeconds:     600,
			StartupTimeoutSecs: 30,
			IdleTimeoutSeconds: 120,
			MaxOutputBytes:     2 << 20,
		},
		LogLevel: "info",
	}
}

// Load reads config.yaml under homeDir (if present), then applies environment
// overrides. Missing files are not an error — Default() plus env vars is a
// complete, valid configuration.
func Load(homeDir string) (Config, error) {
	cfg := Default()
	cfg.HomeDir = homeDir
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(homeDir, "data")
	}

	path := filepath.Join(homeDir, "config.yaml")
	if b, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAX_CONCURRENT_CONTAINERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentContainers = n
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("RETRY_BASE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryBaseDelayMS = n
		}
	}
	if v := os.Getenv("RECOVERY_EXHAUSTED_GATE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RecoveryExhaustedGateMS = n
		}
	}
	if v := os.Getenv("CONTAINER_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backend.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("CONTAINER_STARTUP_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backend.StartupTimeoutSecs = n
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backend.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CONTAINER_MAX_OUTPUT_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backend.MaxOutputBytes = n
		}
	}
	if v := os.Getenv("CONTAINER_MEMORY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Backend.ContainerMemoryMB = n
		}
	}
	if v := os.Getenv("CONTAINER_IMAGE"); v != "" {
		cfg.Backend.ContainerImage = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		cfg.Channels.Slack.Token = v
		cfg.Channels.Slack.Enabled = true
	}
	if v := os.Getenv("SLACK_APP_TOKEN"); v != "" {
		cfg.Channels.Slack.AppToken = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		cfg.Channels.Discord.Token = v
		cfg.Channels.Discord.Enabled = true
	}
	if v := os.Getenv("SIGNAL_REST_URL"); v != "" {
		cfg.Channels.Signal.BaseURL = v
		cfg.Channels.Signal.Enabled = true
	}
	if v := os.Getenv("SIGNAL_PHONE_NUMBER"); v != "" {
		cfg.Channels.Signal.PhoneNumber = v
	}
	if v := os.Getenv("NANOCLAW_HOME"); v != "" && cfg.HomeDir == "" {
		cfg.HomeDir = v
	}
	if v := os.Getenv("NANOCLAW_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
}

// RetryBaseDelay returns the configured base retry delay as a Duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// RecoveryExhaustedGate returns the configured gate floor as a Duration.
func (c Config) RecoveryExhaustedGate() time.Duration {
	return time.Duration(c.RecoveryExhaustedGateMS) * time.Millisecond
}

// ContainerTimeout is the per-session wall-clock timeout:
// max(configured timeout, idle timeout + 30s).
func (c Config) ContainerTimeout() time.Duration {
	configured := time.Duration(c.Backend.TimeoutSeconds) * time.Second
	idlePlus := time.Duration(c.Backend.IdleTimeoutSeconds)*time.Second + 30*time.Second
	if idlePlus > configured {
		return idlePlus
	}
	return configured
}
