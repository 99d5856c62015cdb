// Package main provides the CLI entry point for the issue orchestrator
// daemon.
//
// # Basic Usage
//
// Start the daemon:
//
//	orchestratord serve --config orchestrator.yaml
//
// Validate a config file without starting anything:
//
//	orchestratord config validate --config orchestrator.yaml
//
// Probe which coding-agent CLIs are installed and authenticated:
//
//	orchestratord engines list
//
// # Environment Variables
//
//   - ORCHESTRATOR_DATABASE_URL, ORCHESTRATOR_DATABASE_DRIVER
//   - ORCHESTRATOR_METRICS_ADDR, ORCHESTRATOR_LOG_LEVEL
//   - ORCHESTRATOR_CLAUDE_BINARY, ORCHESTRATOR_CODEX_BINARY
//   - ORCHESTRATOR_OTLP_ENDPOINT, ORCHESTRATOR_FILTERS_PATH
package main

import (
	"log/slog"
	"os"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
