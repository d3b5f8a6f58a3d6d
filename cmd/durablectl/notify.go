package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/iopsystems/durable/internal/journal"
)

var notifyCmd = &cobra.Command{
	Use:   "notify <task-id> <event> [data]",
	Short: "Deliver a notification to a task, as if another task had called notify()",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDatabaseURL(); err != nil {
			return err
		}
		taskID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q: %w", args[0], err)
		}
		event := args[1]

		data := "null"
		if len(args) == 3 {
			data = args[2]
		}
		if !json.Valid([]byte(data)) {
			return fmt.Errorf("provided event data was not valid json")
		}

		ctx := cmd.Context()
		conns, cleanup, err := connect(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := conns.store.EnqueueNotification(ctx, taskID, event, json.RawMessage(data)); err != nil {
			switch err {
			case journal.ErrTaskNotFound:
				return fmt.Errorf("there is no task with id %d", taskID)
			case journal.ErrTaskDead:
				return fmt.Errorf("task %d is not scheduled on any worker", taskID)
			default:
				return err
			}
		}

		fmt.Printf("delivered %q to task %d\n", event, taskID)
		return nil
	},
}
