package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/tui"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Interactive dashboard over a running agent",
	Long: `Open a read-only dashboard showing managed processes, test runs, and
recent events, polled from a running agent's status API (the agent must
have metricsEnabled).`,
	Run: func(cmd *cobra.Command, args []string) {
		addr := statusAddr
		if addr == "" {
			cfg, err := config.Load(configPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
				os.Exit(1)
			}
			addr = fmt.Sprintf("127.0.0.1:%d", cfg.Agent.MetricsPort)
		}
		if err := tui.Run(addr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "status API address (default from config metricsPort)")
	rootCmd.AddCommand(statusCmd)
}
