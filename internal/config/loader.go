package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.taskflow/config.json
// Project: .taskflow/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".taskflow", "config.json")
	projectPath := filepath.Join(".taskflow", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file over the base config. Fields
// absent from the file keep the base value, so a file may set only the
// keys it cares about. Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// validate rejects configurations that would misbehave at runtime rather
// than letting them surface as scheduling bugs.
func validate(cfg *Config) error {
	if cfg.Scheduler.MaxQueueSize <= 0 {
		return fmt.Errorf("scheduler.max_queue_size must be positive, got %d", cfg.Scheduler.MaxQueueSize)
	}
	switch cfg.Scheduler.Strategy {
	case "fifo", "priority_first", "shortest_first", "dependency_aware", "balanced":
	default:
		return fmt.Errorf("unknown scheduler.strategy %q", cfg.Scheduler.Strategy)
	}
	if cfg.Executor.MaxWorkers <= 0 {
		return fmt.Errorf("executor.max_workers must be positive, got %d", cfg.Executor.MaxWorkers)
	}
	switch cfg.Executor.Mode {
	case "parallel", "sequential", "batched", "adaptive":
	default:
		return fmt.Errorf("unknown executor.mode %q", cfg.Executor.Mode)
	}
	if cfg.Executor.Mode == "batched" && cfg.Executor.BatchSize <= 0 {
		return fmt.Errorf("executor.batch_size must be positive in batched mode, got %d", cfg.Executor.BatchSize)
	}
	if t := cfg.Executor.Adaptive.ShrinkThreshold; t < 0 || t > 1 {
		return fmt.Errorf("executor.adaptive.shrink_threshold must be in [0,1], got %v", t)
	}
	return nil
}
