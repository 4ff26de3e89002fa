package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges, and validates configuration from the given
// YAML file. Environment variables in the file are expanded with
// {{.VAR}} template syntax before parsing; user values are merged over
// the built-in defaults.
func Initialize(path string) (*Config, error) {
	log := slog.With("config_path", path)
	log.Info("Initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"log_level", cfg.LogLevel,
		"providers", len(cfg.Proxy.Providers))
	return cfg, nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var user Config
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	// Merge user values over defaults; non-zero user fields win.
	cfg := DefaultConfig()
	if err := mergo.Merge(cfg, &user, mergo.WithOverride); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("merging defaults: %w", err))
	}

	cfg.configPath = path
	return cfg, nil
}
