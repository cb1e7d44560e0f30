package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Scrape the news source and index new articles",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Runner.Run(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("ingestion finished",
			zap.Int("scraped", report.Scraped),
			zap.Int("inserted", report.Inserted),
			zap.Int("indexed", report.Stats.Indexed),
			zap.Int("failed", report.Stats.Failed),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
