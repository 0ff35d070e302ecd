package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lubosmj/pulp-docker/internal/api"
	"github.com/lubosmj/pulp-docker/internal/metrics"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/config"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/registry"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/sync"
	"github.com/lubosmj/pulp-docker/pkg/pulpdocker/tasks"
)

const version = "0.1.0"

// ProcessConfig covers process-level settings read directly from the
// environment. Service configuration comes from config.WithEnv.
type ProcessConfig struct {
	LogLevel        string        `env:"LOG_LEVEL" env-default:"info"`
	LogFormat       string        `env:"LOG_FORMAT" env-default:"text"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
	EnableMetrics   bool          `env:"ENABLE_METRICS" env-default:"true"`
}

func main() {
	var proc ProcessConfig
	if err := cleanenv.ReadEnv(&proc); err != nil {
		slog.Error("Failed to read environment", "err", err)
		os.Exit(1)
	}

	logger := newLogger(proc)
	slog.SetDefault(logger)

	cfg, err := config.Load(config.WithEnv(""))
	if err != nil {
		logger.Error("Failed to load configuration", "err", err)
		os.Exit(1)
	}

	svc, store, err := cfg.BuildService(logger)
	if err != nil {
		logger.Error("Failed to build service", "err", err)
		os.Exit(1)
	}

	blobs, err := svc.DefaultBackend()
	if err != nil {
		logger.Error("Failed to resolve default storage backend", "err", err)
		os.Exit(1)
	}

	runnerOptions := []tasks.Option{
		tasks.WithWorkers(cfg.Workers),
		tasks.WithLogger(logger),
	}
	registryOptions := []registry.Option{
		registry.WithLogger(logger),
	}
	if proc.EnableMetrics {
		runnerOptions = append(runnerOptions, tasks.WithObserver(metrics.ObserveTask))
		registryOptions = append(registryOptions, registry.WithObserver(metrics.ObserveRegistry))
	}

	runner := tasks.NewRunner(store, runnerOptions...)
	syncer := sync.NewSyncer(store, blobs, sync.WithLogger(logger))

	reg, err := registry.New(svc, store, registryOptions...)
	if err != nil {
		logger.Error("Failed to build registry handler", "err", err)
		os.Exit(1)
	}

	routerConfig := api.RouterConfig{
		Service:    svc,
		Store:      store,
		Runner:     runner,
		Syncer:     syncer,
		Registry:   reg,
		AuthSecret: cfg.AuthSecret,
		Version:    version,
	}
	if proc.EnableMetrics {
		routerConfig.MetricsHandler = promhttp.Handler()
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: api.NewRouter(routerConfig),
	}

	go func() {
		logger.Info("Server starting",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"database", cfg.DatabaseType,
			"storage", cfg.DefaultStorageBackend,
			"workers", cfg.Workers)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), proc.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "err", err)
	}
	if err := runner.Shutdown(ctx); err != nil {
		logger.Error("Task runner forced to shutdown", "err", err)
	}

	logger.Info("Server exiting")
}

func newLogger(proc ProcessConfig) *slog.Logger {
	var level slog.Level
	switch proc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if proc.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
