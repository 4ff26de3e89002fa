package config

import (
	"fmt"
	"log/slog"

	"github.com/adhocore/gronx"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validAuthzModes = map[string]bool{
	"strict":     true,
	"permissive": true,
}

// validate checks cross-field constraints that the zero-value merge
// cannot express. Sections a binary does not use may legitimately stay
// at defaults, so only malformed values are rejected here; presence
// requirements (e.g. database.url for the control plane) are enforced
// by the consuming constructors.
func validate(cfg *Config) error {
	if !validLogLevels[cfg.LogLevel] {
		return NewValidationError("log_level", "", fmt.Errorf("%w: %q", ErrInvalidValue, cfg.LogLevel))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Server.Port))
	}
	if cfg.Proxy.Port <= 0 || cfg.Proxy.Port > 65535 {
		return NewValidationError("proxy", "port", fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Proxy.Port))
	}
	if cfg.RAG.Port <= 0 || cfg.RAG.Port > 65535 {
		return NewValidationError("rag", "port", fmt.Errorf("%w: %d", ErrInvalidValue, cfg.RAG.Port))
	}

	if cfg.Database.Sweeper.MaxAge <= 0 {
		return NewValidationError("database", "sweeper.max_age", ErrInvalidValue)
	}

	if m := cfg.Proxy.Authz.Mode; !validAuthzModes[m] {
		return NewValidationError("proxy", "authz.mode", fmt.Errorf("%w: %q (want strict or permissive)", ErrInvalidValue, m))
	}
	for name, p := range cfg.Proxy.Providers {
		if p.BaseURL == "" {
			return NewValidationError("proxy", "providers."+name+".base_url", ErrMissingRequiredField)
		}
		if p.ModelPrefix == "" {
			return NewValidationError("proxy", "providers."+name+".model_prefix", ErrMissingRequiredField)
		}
	}

	if cfg.RAG.MaxTrees <= 0 {
		return NewValidationError("rag", "max_trees", ErrInvalidValue)
	}
	if cfg.RAG.MaxBytesGB <= 0 {
		return NewValidationError("rag", "max_bytes_gb", ErrInvalidValue)
	}

	if r := cfg.Agent.Reconnect; r.Initial <= 0 || r.Multiplier < 1 || r.Max < r.Initial {
		return NewValidationError("agent", "reconnect", ErrInvalidValue)
	}

	if cfg.Session.MaxTurns <= 0 {
		return NewValidationError("session", "max_turns", ErrInvalidValue)
	}

	return nil
}

// ValidateCron reports whether expr is a well-formed cron expression.
// Used by provisioning before any Kubernetes CronJob is written.
func ValidateCron(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("%w: cron expression %q", ErrInvalidValue, expr)
	}
	return nil
}

// SlogLevel maps the configured log level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
