// IncidentFox in-cluster agent — connects to the control plane's command
// gateway over SSE and executes read-only Kubernetes commands.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/gateway"
	"github.com/incidentfox/incidentfox/pkg/kube"
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

	token := os.Getenv(cfg.Agent.TokenEnv)
	if token == "" {
		slog.Error("Gateway token is not set", "env", cfg.Agent.TokenEnv)
		os.Exit(1)
	}
	if cfg.Agent.ControlPlaneURL == "" {
		slog.Error("Control plane URL is not configured")
		os.Exit(1)
	}

	kubeClient, err := kube.NewClientset(cfg.Kubernetes)
	if err != nil {
		slog.Error("Failed to build Kubernetes client", "error", err)
		os.Exit(1)
	}
	kubeVersion := "unknown"
	if info, err := kubeClient.Discovery().ServerVersion(); err == nil {
		kubeVersion = info.GitVersion
	} else {
		slog.Warn("Could not read Kubernetes server version", "error", err)
	}

	slog.Info("Starting IncidentFox agent",
		"version", version.GitCommit,
		"control_plane", cfg.Agent.ControlPlaneURL,
		"kube_version", kubeVersion)

	executor := gateway.NewKubeExecutor(kubeClient)
	client := gateway.NewClient(*cfg.Agent, token, executor, version.GitCommit, kubeVersion)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Gateway client exited", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
