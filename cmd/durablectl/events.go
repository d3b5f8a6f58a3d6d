package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/iopsystems/durable/internal/journal"
)

var eventsCmd = &cobra.Command{
	Use:   "events <task-id>",
	Short: "Print the journaled host-call events a task has recorded",
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
				return fmt.Errorf("unable to find task with id %d", taskID)
			}
			return err
		}

		events, err := conns.store.ReadEvents(ctx, taskID)
		if err != nil {
			return err
		}

		fmt.Printf("%-8s %-28s %-6s %s\n", "index", "label", "is_db", "data")
		for _, e := range events {
			fmt.Printf("%-8d %-28s %-6t %s\n", e.Index, e.Label, e.IsDB, string(e.Data))
		}
		return nil
	},
}
