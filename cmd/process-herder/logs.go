package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/tui"
)

var (
	logsAddr     string
	logsCategory string
	logsSeverity string
	logsLimit    int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print recent events from a running agent",
	Run: func(cmd *cobra.Command, args []string) {
		addr := logsAddr
		if addr == "" {
			cfg, err := config.Load(configPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
				os.Exit(1)
			}
			addr = fmt.Sprintf("127.0.0.1:%d", cfg.Agent.MetricsPort)
		}

		client := tui.NewAPIClient(addr)
		events, err := client.Events(logsCategory, logsLimit)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, e := range events {
			if logsSeverity != "" && string(e.Severity) != logsSeverity {
				continue
			}
			fmt.Printf("%s [%s/%s] %s %s\n",
				e.At.Format("15:04:05.000"), e.Category, e.Severity, e.Type, e.Message)
		}
	},
}

func init() {
	logsCmd.Flags().StringVar(&logsAddr, "addr", "", "status API address (default from config metricsPort)")
	logsCmd.Flags().StringVar(&logsCategory, "category", "", "filter by category (spawn|readiness|health|recovery|testrun|rpc)")
	logsCmd.Flags().StringVar(&logsSeverity, "severity", "", "filter by exact severity")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 200, "maximum events to print")
	rootCmd.AddCommand(logsCmd)
}
