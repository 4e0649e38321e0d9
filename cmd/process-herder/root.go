package main

import (
	"os"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "process-herder",
	Short: "Local agent that owns developer-workflow child processes",
	Long: `process-herder is a long-running local agent an AI assistant or
developer tool drives over line-delimited JSON-RPC on stdin/stdout. It
spawns and tracks build tasks, dev servers, and test runners; evaluates
readiness probes (port, HTTP, log pattern); monitors health and drives
auto-recovery; coordinates multi-process test runs; and persists process
metadata so surviving children are reattached after an agent restart.

Examples:
  process-herder serve                 # run the agent on stdio
  process-herder status                # dashboard over a running agent
  process-herder logs --category spawn # tail recent events
  process-herder check-config          # validate configuration
  process-herder scaffold              # write a starter config`,
	Version: version,
	// With no subcommand, run the agent, matching how the external
	// dispatcher execs this binary.
	Run: func(cmd *cobra.Command, args []string) {
		runServe(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to configuration file (default: $PROCESS_HERDER_CONFIG or process-herder.yaml)")
}

// configPath resolves flag > env > conventional file name.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if env := os.Getenv("PROCESS_HERDER_CONFIG"); env != "" {
		return env
	}
	return "process-herder.yaml"
}
