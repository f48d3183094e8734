package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/gamebench/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "gamebench",
	Short: "Continuous game ingestion and dual-pool predictor benchmark",
	Long:  "Fetches finished games, scores one position per game with an engine baseline and a move-pattern challenger, and promotes the challenger when it is significantly better.",
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
