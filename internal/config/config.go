package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config carries every path and default the engine needs. It is built once by
// the caller and passed into constructors explicitly; nothing in the core
// discovers paths on its own.
type Config struct {
	Workspace string `yaml:"workspace"`
	// DBPath overrides the workspace-derived database location.
	DBPath string `yaml:"db_path"`
	// Agent is the default acting agent recorded on session events.
	Agent string `yaml:"agent"`
	// ContextSizeLimitKB is the advisory size budget stamped into
	// context_health. It is telemetry only, never enforced.
	ContextSizeLimitKB int `yaml:"context_size_limit_kb"`
	// TelemetryDir receives JSONL database-health events.
	TelemetryDir string `yaml:"telemetry_dir"`
}

const (
	DefaultAgent       = "local-agent"
	DefaultSizeLimitKB = 100
)

// Default returns the config for a workspace with all defaults filled in.
func Default(workspace string) *Config {
	if workspace == "" {
		workspace = "."
	}
	return &Config{
		Workspace:          workspace,
		Agent:              DefaultAgent,
		ContextSizeLimitKB: DefaultSizeLimitKB,
		TelemetryDir:       filepath.Join(workspace, "telemetry", "events"),
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("config.workspace is required")
	}
	if c.Agent == "" {
		return fmt.Errorf("config.agent is required")
	}
	if c.ContextSizeLimitKB <= 0 {
		return fmt.Errorf("config.context_size_limit_kb must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionctl.yml")
}

// LoadOptional reads missionctl.yml from the workspace if present, otherwise
// returns defaults. Flag/env overrides are layered on by the CLI.
func LoadOptional(workspace string) (*Config, error) {
	cfg := Default(workspace)
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}
	if cfg.Agent == "" {
		cfg.Agent = DefaultAgent
	}
	if cfg.ContextSizeLimitKB == 0 {
		cfg.ContextSizeLimitKB = DefaultSizeLimitKB
	}
	if cfg.TelemetryDir == "" {
		cfg.TelemetryDir = filepath.Join(cfg.Workspace, "telemetry", "events")
	}
	return cfg, cfg.Validate()
}
