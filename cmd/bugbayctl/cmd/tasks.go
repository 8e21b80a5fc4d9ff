package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bugbay/bugbay/internal/task"
)

// tasksCmd represents the tasks command
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage the task queue",
	Long:  `List tasks by status, show task detail, and retry failed tasks.`,
}

// tasksListCmd represents the tasks list command
var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks by status",
	Long: `List tasks in a given status, newest first.

Example:
  bugbayctl tasks list --status failed --limit 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusStr, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		status := task.Status(statusStr)
		switch status {
		case task.StatusPending, task.StatusProcessing, task.StatusCompleted, task.StatusFailed:
		default:
			return fmt.Errorf("invalid status %q", statusStr)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		pool, store, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		tasks, err := store.ListByStatus(ctx, status, limit)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		if outputJSON {
			return printJSON(tasks)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tATTEMPTS\tCREATED\tERROR")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				t.ID, t.TaskType, t.Status, t.Attempts, t.MaxAttempts,
				t.CreatedAt.Format("2006-01-02 15:04:05"), t.ErrorMessage)
		}
		return w.Flush()
	},
}

// tasksShowCmd represents the tasks show command
var tasksShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		pool, store, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		t, err := store.GetByID(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(t)
	},
}

// tasksRetryCmd represents the tasks retry command
var tasksRetryCmd = &cobra.Command{
	Use:   "retry [task-id]",
	Short: "Requeue a failed task",
	Long: `Reset a failed task to pending with a fresh attempt budget.

Example:
  bugbayctl tasks retry 6c8e8cf3-6f2a-4c5e-9a56-2b1f7a9f0c1d`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		pool, store, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := store.Requeue(ctx, args[0]); err != nil {
			return fmt.Errorf("requeue: %w", err)
		}
		fmt.Printf("Task %s requeued\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksRetryCmd)

	tasksListCmd.Flags().String("status", "failed", "task status to list (pending, processing, completed, failed)")
	tasksListCmd.Flags().Int("limit", 20, "max tasks to return")
}
