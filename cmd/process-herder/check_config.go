package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/procherder/agent/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration file and exit",
	Run: func(cmd *cobra.Command, args []string) {
		path := configPath()
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("configuration ok: %s\n", path)
		fmt.Printf("  log level:   %s\n", cfg.Agent.LogLevel)
		fmt.Printf("  state dir:   %s\n", cfg.Agent.StateDir)
		fmt.Printf("  processes:   %d\n", len(cfg.Processes))
		fmt.Printf("  strategies:  %d\n", len(cfg.Strategies))
		if cfg.Agent.MetricsEnabled {
			fmt.Printf("  metrics:     127.0.0.1:%d\n", cfg.Agent.MetricsPort)
		}
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}
