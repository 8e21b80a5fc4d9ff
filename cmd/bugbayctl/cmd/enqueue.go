package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// enqueueCmd represents the enqueue command
var enqueueCmd = &cobra.Command{
	Use:   "enqueue [task-type]",
	Short: "Enqueue a task",
	Long: `Enqueue a task with a JSON payload.

Example:
  bugbayctl enqueue webhook_delivery --payload '{"destination_id":"dst_1","event":"report.created","data":{"report_id":"r_1"}}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payloadStr, _ := cmd.Flags().GetString("payload")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

		var payload map[string]any
		if payloadStr != "" {
			if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
				return fmt.Errorf("invalid payload JSON: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		pool, store, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		id, err := store.Enqueue(ctx, args[0], payload, maxAttempts)
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}

		if outputJSON {
			return printJSON(map[string]string{"id": id})
		}
		fmt.Printf("Enqueued %s task %s\n", args[0], id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	enqueueCmd.Flags().String("payload", "", "JSON payload for the task")
	enqueueCmd.Flags().Int("max-attempts", 0, "attempt budget (0 uses the server default)")
}
