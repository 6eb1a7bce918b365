package skills

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aether-os/aether/pkg/models"
)

// ParseManifest decodes a YAML skill manifest into a skill definition.
func ParseManifest(data []byte) (*models.Skill, error) {
	var skill models.Skill
	if err := yaml.Unmarshal(data, &skill); err != nil {
		return nil, fmt.Errorf("invalid skill manifest: %w", err)
	}
	if err := Validate(&skill); err != nil {
		return nil, err
	}
	return &skill, nil
}

// LoadManifests registers every .yaml/.yml manifest found under a VFS
// directory. Broken manifests are logged and skipped.
func (e *Executor) LoadManifests(ctx context.Context, dir string) (int, error) {
	entries, err := e.fs.List(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list skill manifests: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir {
			continue
		}
		if !strings.HasSuffix(entry.Name, ".yaml") && !strings.HasSuffix(entry.Name, ".yml") {
			continue
		}
		raw, err := e.fs.ReadFileRaw(entry.Path)
		if err != nil {
			e.logger.Warn("failed to read skill manifest",
				slog.String("path", entry.Path), slog.Any("error", err))
			continue
		}
		skill, err := ParseManifest(raw)
		if err != nil {
			e.logger.Warn("skipping invalid skill manifest",
				slog.String("path", entry.Path), slog.Any("error", err))
			continue
		}
		if err := e.Register(ctx, skill); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}
