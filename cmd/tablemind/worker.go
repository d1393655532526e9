package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/ternarybob/tablemind/internal/app"
	"github.com/ternarybob/tablemind/internal/common"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued jobs until interrupted",
	Long: `Starts the worker pool and the stale job reaper. Jobs interrupted by
shutdown are picked up again after their queue visibility timeout.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	common.PrintBanner(config, logger)

	return withApp(func(a *app.App) error {
		if err := a.StartWorker(); err != nil {
			return err
		}
		logger.Info().Msg("Worker ready - Press Ctrl+C to stop")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info().Msg("Interrupt signal received, shutting down")
		return nil
	})
}
