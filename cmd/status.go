package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored and indexed article counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		counts, err := env.Store.CountNews(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Articles stored:    %d\n", counts.Total)
		fmt.Printf("Articles indexed:   %d\n", counts.Indexed)
		fmt.Printf("Awaiting indexing:  %d\n", counts.Total-counts.Indexed)

		points, err := env.Vectors.Count(ctx, nil)
		if err != nil {
			zap.L().Warn("vector count unavailable", zap.Error(err))
			fmt.Println("Vector points:      unavailable")
			return nil
		}
		fmt.Printf("Vector points:      %d\n", points)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
