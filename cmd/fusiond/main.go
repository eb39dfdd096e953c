// Command fusiond runs the security-signal fusion service: it syncs
// integrations, ingests and normalizes their records, correlates them into
// unified threats and dispatches the configured actions.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/fusion/pkg/config"
	"github.com/Mindburn-Labs/fusion/pkg/observability"
	"github.com/Mindburn-Labs/fusion/pkg/service"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, otelConfig())
	if err != nil {
		logger.Error("observability init failed", "error", err)
		os.Exit(1)
	}

	svc, err := service.New(ctx, cfg, obs)
	if err != nil {
		logger.Error("service init failed", "error", err)
		os.Exit(1)
	}

	svc.Start(ctx)
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+15*time.Second)
	defer cancel()
	svc.Stop(shutdownCtx)
	_ = obs.Shutdown(shutdownCtx)
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// otelConfig enables export only when an endpoint is configured; a bare
// deployment runs with telemetry off.
func otelConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	endpoint := os.Getenv("OTLP_ENDPOINT")
	if endpoint == "" {
		cfg.Enabled = false
		return cfg
	}
	cfg.OTLPEndpoint = endpoint
	cfg.Environment = envOr("FUSION_ENV", cfg.Environment)
	cfg.Insecure = os.Getenv("OTLP_INSECURE") == "true"
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
