package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "orchestrator.yaml"

// buildRootCmd assembles the command tree. Separated from main() so tests
// can exercise it without calling os.Exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orchestratord",
		Short: "Issue orchestrator daemon",
		Long: `orchestratord spawns and supervises external coding-agent CLI
subprocesses (claude, codex) on behalf of issues, normalizing their
stdio protocol traffic into a durable, replayable log.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildEnginesCmd(),
	)
	return rootCmd
}

// buildServeCmd creates the "serve" command, the primary way to run the
// daemon.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Long: `Run the orchestrator daemon.

The daemon will:
1. Load and validate configuration
2. Open the persistence backend and run schema migrations
3. Register the claude and codex executors
4. Run the startup reconciliation sweep for dangling sessions
5. Start the process-manager GC loop
6. Start hot-reload of the write-filter-rule file, if configured
7. Serve Prometheus metrics on the configured address

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// buildEnginesCmd creates the "engines" command group.
func buildEnginesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engines",
		Short: "Inspect registered coding-agent engines",
	}
	cmd.AddCommand(buildEnginesListCmd())
	return cmd
}

func buildEnginesListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Probe availability of every registered engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnginesList(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}
