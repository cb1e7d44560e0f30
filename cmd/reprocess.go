package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reprocessLimit int

var reprocessCmd = &cobra.Command{
	Use:   "reprocess",
	Short: "Index stored articles that never made it into the vector collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Ingestor.ProcessUnprocessed(ctx, reprocessLimit)
		if err != nil {
			return err
		}

		zap.L().Info("reprocessing finished",
			zap.Int("processed", stats.Processed),
			zap.Int("indexed", stats.Indexed),
			zap.Int("failed", stats.Failed),
		)
		return nil
	},
}

func init() {
	reprocessCmd.Flags().IntVar(&reprocessLimit, "limit", 100, "max articles to reprocess")
	rootCmd.AddCommand(reprocessCmd)
}
