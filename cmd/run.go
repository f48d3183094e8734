package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runPool   string
	runOutput string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one benchmark batch for a pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if _, err := parseFormat(runOutput); err != nil {
			return err
		}

		env, err := initEnv(ctx, "run", []string{runPool})
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Scheduler.RunBenchmarkBatch(ctx, runPool)
		if err != nil {
			zap.L().Error("batch failed", zap.String("pool", runPool), zap.Error(err))
			return eris.Wrapf(err, "run %s", runPool)
		}

		return renderSummary(os.Stdout, summary, runOutput)
	},
}

func init() {
	runCmd.Flags().StringVar(&runPool, "pool", "", "pool to run (required)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "table", "output format: table, yaml or json")
	_ = runCmd.MarkFlagRequired("pool")
	rootCmd.AddCommand(runCmd)
}
