package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Start the periodic jobs without the HTTP server",
	Long:  `Run the expiry enforcement, payment reconciliation and activation sweep jobs standalone. Useful when webhooks are served by separate replicas.`,
	Run: func(cmd *cobra.Command, args []string) {
		startScheduler()
	},
}

func startScheduler() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	deps.Runner.Start(context.Background())
	deps.Logger.Info("scheduler running, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	deps.Logger.Info("received signal, shutting down scheduler", "signal", sig)
	deps.Runner.Stop()
	deps.EventBus.Close()
	if err := deps.DB.Close(); err != nil {
		deps.Logger.Error("database close error", "error", err)
	}
}
