package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/iopsystems/durable/internal/journal"
)

var logsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Print the diagnostic log a task has emitted so far",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDatabaseURL(); err != nil {
			return err
		}
		taskID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q: %w", args[0], err)
		}

		ctx := cmd.Context()
		conns, cleanup, err := connect(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := conns.store.GetTask(ctx, taskID); err != nil {
			if err == journal.ErrTaskNotFound {
				return fmt.Errorf("there is no task with id %d", taskID)
			}
			return err
		}

		entries, err := conns.store.ReadLogs(ctx, taskID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("[%s] %s\n", e.Level, e.Message)
		}
		return nil
	},
}
