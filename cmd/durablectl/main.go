// Command durablectl is a thin reference client for driving the durable
// engine by hand: launch a compiled WebAssembly program as a task, tail its
// diagnostic output, inspect its journaled events, and deliver a
// notification to a waiting task. Subcommand shape follows
// original_source/crates/durable-cli (launch/logs/events/notify), rebuilt
// as cobra.Command values the way cuemby-warren/cmd/warren structures its
// root command and subcommand files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iopsystems/durable/internal/platform/envutil"
)

var databaseURL string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "durablectl",
	Short: "A reference client for the durable execution engine",
	Long: `durablectl launches tasks, tails their logs and events, and
delivers notifications against a durable engine's database directly,
without going through a worker process.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", envutil.String("DATABASE_URL", ""), "Postgres connection string (env DATABASE_URL)")

	rootCmd.AddCommand(launchCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(notifyCmd)
}

func requireDatabaseURL() error {
	if databaseURL == "" {
		return fmt.Errorf("--database-url (or DATABASE_URL) is required")
	}
	return nil
}
