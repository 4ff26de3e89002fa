// IncidentFox RAG service — serves lexical retrieval over cached
// incident knowledge trees, backed by an S3-compatible artifact store.
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
	"github.com/incidentfox/incidentfox/pkg/ragcache"
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

	slog.Info("Starting IncidentFox RAG service",
		"version", version.GitCommit,
		"host", cfg.RAG.Host,
		"port", cfg.RAG.Port,
		"data_dir", cfg.RAG.DataDir)

	ctx := context.Background()

	// The artifact store is optional: without it the cache serves trees
	// already present in the data directory.
	var fetcher ragcache.Fetcher
	if cfg.RAG.S3 != nil && cfg.RAG.S3.Bucket != "" {
		s3Fetcher, err := ragcache.NewS3Fetcher(ctx, cfg.RAG.S3, slog.Default())
		if err != nil {
			slog.Error("Failed to initialize artifact store", "error", err)
			os.Exit(1)
		}
		fetcher = s3Fetcher
	} else {
		slog.Warn("No artifact store configured, serving local trees only")
	}

	cache := ragcache.NewCache(cfg.RAG, fetcher, slog.Default())
	server := ragcache.NewServer(cfg.RAG, cache)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.RAG.Host, cfg.RAG.Port)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}
