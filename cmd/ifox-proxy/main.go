// IncidentFox LLM proxy — terminates Anthropic Messages API requests
// from agent sandboxes, injects per-team credentials, and translates to
// OpenAI-compatible upstreams where the model calls for it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/configclient"
	"github.com/incidentfox/incidentfox/pkg/credentials"
	"github.com/incidentfox/incidentfox/pkg/llmproxy"
	"github.com/incidentfox/incidentfox/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("IFOX_CONFIG", "./config/incidentfox.yaml"),
		"Path to the incidentfox.yaml configuration file")
	flag.Parse()

	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	slog.Info("Starting IncidentFox LLM proxy",
		"version", version.GitCommit,
		"host", cfg.Proxy.Host,
		"port", cfg.Proxy.Port,
		"providers", len(cfg.Proxy.Providers))

	configs, err := configclient.NewClient(cfg.ConfigService)
	if err != nil {
		slog.Error("Failed to initialize config service client", "error", err)
		os.Exit(1)
	}

	credStore := credentials.NewStore(configs, cfg.Proxy.Authz.CredentialCacheTTL)
	authz, err := llmproxy.NewAuthorizer(cfg.Proxy.Authz, credStore)
	if err != nil {
		slog.Error("Failed to initialize authorizer", "error", err)
		os.Exit(1)
	}

	server := llmproxy.NewServer(cfg.Proxy, authz, configs)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Streaming responses get a generous drain budget before the
	// listener closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}
