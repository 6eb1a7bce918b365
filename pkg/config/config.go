// Package config loads and validates kernel configuration from aether.yaml
// plus environment variables. Values unset in YAML fall back to built-in
// defaults; {{.VAR}} references in the file expand from the environment.
package config

import (
	"fmt"
	"time"
)

// Config is the fully resolved kernel configuration.
type Config struct {
	Server    ServerConfig
	Kernel    KernelConfig
	Store     StoreConfig
	VFS       VFSConfig
	Webhooks  WebhookConfig
	Audit     AuditConfig
	Scheduler SchedulerConfig
	Runtimes  map[string][]string
	Slack     SlackConfig
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// KernelConfig bounds the process manager.
type KernelConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "postgres" or "memory"
}

// VFSConfig locates the virtual filesystem root on disk.
type VFSConfig struct {
	Root      string `yaml:"root"`
	SkillsDir string `yaml:"skills_dir"` // VFS path scanned for skill manifests
}

// WebhookConfig tunes outbound delivery.
type WebhookConfig struct {
	RetryBase time.Duration `yaml:"retry_base"`
	RetryMax  time.Duration `yaml:"retry_max"`
}

// AuditConfig controls audit log retention.
type AuditConfig struct {
	Retention time.Duration `yaml:"retention"`
}

// SchedulerConfig tunes the cron tick.
type SchedulerConfig struct {
	Tick time.Duration `yaml:"tick"`
}

// SlackConfig holds operator notification settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"` // env var holding the bot token
	Channel  string `yaml:"channel"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Kernel: KernelConfig{
			MaxConcurrent: 10,
		},
		Store: StoreConfig{
			Backend: "postgres",
		},
		VFS: VFSConfig{
			Root:      "./data/vfs",
			SkillsDir: "/etc/skills",
		},
		Webhooks: WebhookConfig{
			RetryBase: time.Second,
			RetryMax:  16 * time.Second,
		},
		Audit: AuditConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Tick: 30 * time.Second,
		},
		Runtimes: map[string][]string{
			"claude-code": {"claude", "--print"},
			"openclaw":    {"openclaw", "run"},
		},
		Slack: SlackConfig{
			TokenEnv: "SLACK_BOT_TOKEN",
		},
	}
}

// Addr returns the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate rejects configurations the kernel can not run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Kernel.MaxConcurrent <= 0 {
		return fmt.Errorf("kernel max_concurrent must be positive")
	}
	switch c.Store.Backend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.VFS.Root == "" {
		return fmt.Errorf("vfs root is required")
	}
	if c.Slack.Enabled && c.Slack.Channel == "" {
		return fmt.Errorf("slack channel is required when slack is enabled")
	}
	return nil
}
