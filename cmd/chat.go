package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var chatThread string

var chatCmd = &cobra.Command{
	Use:   "chat [question]",
	Short: "Ask the analysis agent a question",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		threadID := chatThread
		if threadID == "" {
			threadID = uuid.New().String()
		}

		question := strings.Join(args, " ")
		state, err := env.Workflow.Run(ctx, threadID, question)
		if err != nil {
			return err
		}

		if len(state.Messages) > 0 {
			fmt.Println(state.Messages[len(state.Messages)-1].Content)
		}
		fmt.Printf("\n[thread %s]\n", threadID)
		return nil
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "continue an existing conversation thread")
	rootCmd.AddCommand(chatCmd)
}
