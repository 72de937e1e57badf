package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// worker runs the queue workers without the HTTP surface. Useful when
// webhook ingestion and review execution are scaled separately.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run review workers without the webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		env.Queue.Start(ctx)
		zap.L().Info("workers started", zap.Int("workers", cfg.Queue.Workers))

		<-ctx.Done()
		zap.L().Info("shutting down workers")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
