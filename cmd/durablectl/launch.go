package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var launchData string

var launchCmd = &cobra.Command{
	Use:   "launch <name> <wasm-path>",
	Short: "Register a WebAssembly component and launch it as a new task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDatabaseURL(); err != nil {
			return err
		}
		name, wasmPath := args[0], args[1]
		if name == "" {
			return fmt.Errorf("the task name must not be an empty string")
		}

		wasm, err := os.ReadFile(wasmPath)
		if err != nil {
			return fmt.Errorf("read %q: %w", wasmPath, err)
		}

		data := launchData
		if data == "" {
			data = "null"
		}
		if !json.Valid([]byte(data)) {
			return fmt.Errorf("provided task data was not valid json")
		}

		ctx := cmd.Context()
		conns, cleanup, err := connect(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		program, err := conns.progs.Register(name, wasm)
		if err != nil {
			return fmt.Errorf("register program: %w", err)
		}

		task, err := conns.store.CreateTask(ctx, name, program.ID, json.RawMessage(data))
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}

		fmt.Printf("launched new task with id %d\n", task.ID)
		return nil
	},
}

func init() {
	launchCmd.Flags().StringVar(&launchData, "data", "", "JSON data to pass to the task")
}
