// IncidentFox control plane — serves the admin and run APIs, hosts the
// SSE command gateway, and runs agent sessions in-process.
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

	"github.com/incidentfox/incidentfox/pkg/agent"
	"github.com/incidentfox/incidentfox/pkg/api"
	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/configclient"
	"github.com/incidentfox/incidentfox/pkg/database"
	"github.com/incidentfox/incidentfox/pkg/gateway"
	"github.com/incidentfox/incidentfox/pkg/kube"
	"github.com/incidentfox/incidentfox/pkg/orchestrator"
	"github.com/incidentfox/incidentfox/pkg/progress"
	"github.com/incidentfox/incidentfox/pkg/routing"
	"github.com/incidentfox/incidentfox/pkg/services"
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

	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	slog.Info("Starting IncidentFox control plane",
		"version", version.GitCommit,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port)

	ctx := context.Background()

	// 1. Database (migrations apply inside NewClient).
	db, err := database.NewClient(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("Connected to PostgreSQL database")

	// 2. Config service and telemetry clients.
	configs, err := configclient.NewClient(cfg.ConfigService)
	if err != nil {
		slog.Error("Failed to initialize config service client", "error", err)
		os.Exit(1)
	}
	var license orchestrator.LicenseAPI
	if lc := configclient.NewLicenseClient(cfg.Telemetry); lc != nil {
		license = lc
		slog.Info("License gate enabled", "collector", cfg.Telemetry.BaseURL)
	}

	// 3. Kubernetes reconciler.
	kubeClient, err := kube.NewClientset(cfg.Kubernetes)
	if err != nil {
		slog.Error("Failed to build Kubernetes client", "error", err)
		os.Exit(1)
	}
	reconciler := kube.NewReconciler(kubeClient, cfg.Kubernetes)

	// 4. Domain services.
	pool := db.Pool()
	provisions := services.NewProvisionService(pool)
	runs := services.NewRunService(pool)
	feedback := services.NewFeedbackService(pool, runs)
	slog.Info("Services initialized")

	// 5. Command gateway and session runtime.
	gw, err := gateway.NewServer(*cfg.Gateway)
	if err != nil {
		slog.Error("Failed to initialize command gateway", "error", err)
		os.Exit(1)
	}
	manager := agent.NewManager(*cfg.Session, runs, gw, progress.SinkFactory(cfg.Slack))

	// 6. Orchestrator and routing index.
	orch := orchestrator.NewOrchestrator(
		configs, license, orchestrator.LockerFor(db), provisions, runs, reconciler, manager)
	router := routing.NewIndex(configs, cfg.ConfigService.AdminCacheTTL)

	// 7. Stale-run sweeper.
	sweeper := services.NewSweeper(cfg.Database.Sweeper, runs)
	if cfg.Database.Sweeper.Enabled {
		sweeper.Start(ctx)
	}

	// 8. HTTP server.
	server := api.NewServer(cfg.Server, db, orch, router, runs, feedback)
	server.SetSessionController(manager)
	server.SetGateway(gw)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("IncidentFox control plane started")

	// 9. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop intake first, then drain sessions.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	sessionCtx, sessionCancel := context.WithTimeout(ctx, 30*time.Second)
	defer sessionCancel()
	if err := manager.Shutdown(sessionCtx); err != nil {
		slog.Warn("Session drain incomplete, stale runs will be swept", "error", err)
	}

	if cfg.Database.Sweeper.Enabled {
		sweeper.Stop()
	}

	slog.Info("Shutdown complete")
}
