package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestra-labs/issue-orchestrator/internal/config"
	"github.com/orchestra-labs/issue-orchestrator/internal/engine"
	"github.com/orchestra-labs/issue-orchestrator/internal/engine/claude"
	"github.com/orchestra-labs/issue-orchestrator/internal/engine/codex"
)

// buildRegistry constructs the engine registry from the loaded config, the
// one place the daemon and the engines CLI both need it.
func buildRegistry(cfg *config.Config) *engine.Registry {
	return engine.NewRegistry(
		claude.NewExecutor(cfg.Engines.Claude.Binary),
		codex.NewExecutor(cfg.Engines.Codex.Binary),
	)
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config OK: %s\n", configPath)
	fmt.Fprintf(out, "  database: %s (%s)\n", cfg.Database.DSN, cfg.Database.Driver)
	fmt.Fprintf(out, "  metrics:  %s\n", cfg.Server.MetricsAddr)
	fmt.Fprintf(out, "  process:  group_limit=%d group_max_age=%s\n", cfg.Process.GroupLimit, cfg.Process.GroupMaxAge)
	return nil
}

func runEnginesList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reg := buildRegistry(cfg)
	ctx, cancel := context.WithTimeout(cmd.Context(), engine.AvailabilityBudget+5*time.Second)
	defer cancel()

	reports := reg.GetAvailable(ctx)
	out := cmd.OutOrStdout()
	for _, r := range reports {
		status := "not installed"
		if r.Installed {
			status = "installed"
		}
		fmt.Fprintf(out, "%s: %s", r.EngineType, status)
		if r.Version != "" {
			fmt.Fprintf(out, " (%s)", r.Version)
		}
		fmt.Fprintln(out)
		if r.BinaryPath != "" {
			fmt.Fprintf(out, "  binary: %s\n", r.BinaryPath)
		}
		fmt.Fprintf(out, "  auth:   %s\n", r.AuthStatus)
		if r.Error != "" {
			fmt.Fprintf(out, "  error:  %s\n", r.Error)
		}
	}
	return nil
}
