package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/orchestra-labs/issue-orchestrator/internal/config"
	"github.com/orchestra-labs/issue-orchestrator/internal/eventbus"
	"github.com/orchestra-labs/issue-orchestrator/internal/issueengine"
	"github.com/orchestra-labs/issue-orchestrator/internal/pending"
	"github.com/orchestra-labs/issue-orchestrator/internal/procmgr"
	"github.com/orchestra-labs/issue-orchestrator/internal/safeenv"
	"github.com/orchestra-labs/issue-orchestrator/internal/storage"
	"github.com/orchestra-labs/issue-orchestrator/internal/telemetry"
)

// runServe implements the serve command: load config, wire every package
// into an issueengine.Engine, and block until a shutdown signal arrives.
func runServe(cmd *cobra.Command, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !debug {
		_ = level.UnmarshalText([]byte(cfg.Logging.Level))
	}
	if cfg.Logging.Format == "text" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	slog.SetDefault(logger)

	logger.Info("starting orchestrator daemon",
		"version", version, "commit", commit, "config", configPath)

	metrics := telemetry.NewMetrics()

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN, storage.Config{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	}, metrics, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("storage close failed", "error", err)
		}
	}()

	traceCfg := telemetry.TraceConfig{ServiceName: cfg.Telemetry.ServiceName}
	if cfg.Telemetry.TracingEnabled {
		traceCfg.Endpoint = cfg.Telemetry.OTLPEndpoint
		traceCfg.SampleRatio = cfg.Telemetry.SampleRatio
	}
	tracer, shutdownTracer := telemetry.NewTracer(traceCfg)

	reg := buildRegistry(cfg)
	pm := procmgr.New(logger, metrics)
	pm.SetGroupLimit("default", cfg.Process.GroupLimit)
	pm.SetGroupMaxAge("default", cfg.Process.GroupMaxAge)

	var filterWatcher *config.FilterWatcher
	filters, err := config.LoadFilterRules(cfg.Filters.Path)
	if err != nil {
		return fmt.Errorf("failed to load filter rules: %w", err)
	}
	if cfg.Filters.Watch {
		filterWatcher, err = config.NewFilterWatcher(cfg.Filters.Path, metrics, logger)
		if err != nil {
			return fmt.Errorf("failed to start filter watcher: %w", err)
		}
		filters = filterWatcher.Rules()
	}

	bus := eventbus.New()
	pq := pending.New(store)
	envBuilder := safeenv.NewBuilder()

	eng := issueengine.New(reg, pm, store, pq, bus, envBuilder, filters, metrics, tracer, logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if filterWatcher != nil {
		if err := filterWatcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to watch filter rules: %w", err)
		}
	}

	pm.StartGC(cfg.Process.GCInterval)

	cronRunner := cron.New()
	eng.StartStartupSweep(ctx, cronRunner, logger)
	cronRunner.Start()

	metricsServer := telemetry.ServeMetrics(cfg.Server.MetricsAddr)
	logger.Info("orchestrator daemon started", "metrics_addr", cfg.Server.MetricsAddr)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if filterWatcher != nil {
		_ = filterWatcher.Close()
	}
	cronCtx := cronRunner.Stop()
	<-cronCtx.Done()
	pm.StopGC()

	if err := eng.CancelAll(shutdownCtx); err != nil {
		logger.Warn("cancel-all during shutdown failed", "error", err)
	}
	if err := telemetry.Shutdown(shutdownCtx, metricsServer); err != nil {
		logger.Warn("metrics server shutdown failed", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}

	logger.Info("orchestrator daemon stopped")
	return nil
}
