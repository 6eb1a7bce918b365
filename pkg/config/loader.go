package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors aether.yaml. Every section is optional; durations are
// written as Go duration strings ("30s", "16s", "720h").
type yamlConfig struct {
	Server    *ServerConfig        `yaml:"server"`
	Kernel    *KernelConfig        `yaml:"kernel"`
	Store     *StoreConfig         `yaml:"store"`
	VFS       *VFSConfig           `yaml:"vfs"`
	Webhooks  *webhookYAMLConfig   `yaml:"webhooks"`
	Audit     *auditYAMLConfig     `yaml:"audit"`
	Scheduler *schedulerYAMLConfig `yaml:"scheduler"`
	Runtimes  map[string][]string  `yaml:"runtimes"`
	Slack     *SlackConfig         `yaml:"slack"`
}

type webhookYAMLConfig struct {
	RetryBase string `yaml:"retry_base"`
	RetryMax  string `yaml:"retry_max"`
}

type auditYAMLConfig struct {
	Retention string `yaml:"retention"`
}

type schedulerYAMLConfig struct {
	Tick string `yaml:"tick"`
}

// Load reads aether.yaml from configDir, expands {{.VAR}} environment
// references, merges over the defaults, and validates. A missing file is
// not an error; the defaults apply.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, "aether.yaml")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Info("no aether.yaml found, using defaults", slog.String("path", path))
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var file yamlConfig
	if err := yaml.Unmarshal(ExpandEnv(raw), &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := apply(cfg, &file); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	slog.Info("configuration loaded", slog.String("path", path))
	return cfg, nil
}

// apply merges the parsed YAML sections over the defaults. Non-zero YAML
// values win.
func apply(cfg *Config, file *yamlConfig) error {
	if file.Server != nil {
		if err := mergo.Merge(&cfg.Server, file.Server, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge server config: %w", err)
		}
	}
	if file.Kernel != nil {
		if err := mergo.Merge(&cfg.Kernel, file.Kernel, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge kernel config: %w", err)
		}
	}
	if file.Store != nil {
		if err := mergo.Merge(&cfg.Store, file.Store, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge store config: %w", err)
		}
	}
	if file.VFS != nil {
		if err := mergo.Merge(&cfg.VFS, file.VFS, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge vfs config: %w", err)
		}
	}
	if file.Slack != nil {
		if err := mergo.Merge(&cfg.Slack, file.Slack, mergo.WithOverride); err != nil {
			return fmt.Errorf("failed to merge slack config: %w", err)
		}
	}
	for kind, argv := range file.Runtimes {
		cfg.Runtimes[kind] = argv
	}

	if file.Webhooks != nil {
		if err := parseDuration(file.Webhooks.RetryBase, &cfg.Webhooks.RetryBase); err != nil {
			return fmt.Errorf("invalid webhooks.retry_base: %w", err)
		}
		if err := parseDuration(file.Webhooks.RetryMax, &cfg.Webhooks.RetryMax); err != nil {
			return fmt.Errorf("invalid webhooks.retry_max: %w", err)
		}
	}
	if file.Audit != nil {
		if err := parseDuration(file.Audit.Retention, &cfg.Audit.Retention); err != nil {
			return fmt.Errorf("invalid audit.retention: %w", err)
		}
	}
	if file.Scheduler != nil {
		if err := parseDuration(file.Scheduler.Tick, &cfg.Scheduler.Tick); err != nil {
			return fmt.Errorf("invalid scheduler.tick: %w", err)
		}
	}
	return nil
}

// parseDuration overwrites dst when raw is non-empty.
func parseDuration(raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
