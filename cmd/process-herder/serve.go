package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/procherder/agent/internal/agent"
	"github.com/procherder/agent/internal/config"
	"github.com/procherder/agent/internal/herderlog"
	"github.com/procherder/agent/internal/rpcserver"
	"github.com/procherder/agent/internal/signals"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent, speaking JSON-RPC on stdin/stdout",
	Long: `Run the agent. Requests arrive as line-delimited JSON-RPC 2.0 on
stdin; responses leave on stdout. Logs go to stderr so the transport stays
clean. SIGINT/SIGTERM persist a snapshot, politely stop children marked
stopOnShutdown, and detach from the rest (they are reattached next start).`,
	Run: runServe,
}

var reapInterval time.Duration

func init() {
	serveCmd.Flags().DurationVar(&reapInterval, "reap-interval", time.Second, "zombie reap interval when running as PID 1")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// stdout carries RPC responses; all logging goes to stderr.
	logger := herderlog.NewLogger(os.Stderr, cfg.Agent.LogFormat, cfg.Agent.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signals.NotifyShutdown(context.Background(), logger)
	defer cancel()

	if os.Getpid() == 1 {
		go signals.ReapZombies(ctx, reapInterval)
	}

	a, err := agent.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("agent init failed", "error", err)
		os.Exit(1)
	}
	if err := a.Run(ctx); err != nil {
		logger.Error("agent start failed", "error", err)
		os.Exit(1)
	}

	srv := rpcserver.New(a, os.Stdin, os.Stdout, logger)
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		if err != nil && ctx.Err() == nil {
			logger.Error("rpc transport failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown completed with errors", "error", err)
		os.Exit(1)
	}
}
