package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pullcrit/pullcrit/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "pullcrit",
	Short: "AI-assisted pull request review service",
	Long:  "Receives GitHub pull request webhooks, resolves per-repo review policy, asks Claude for a review, and publishes findings back as review comments.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
