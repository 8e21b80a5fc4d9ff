package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/bugbay/bugbay/internal/billing"
)

// billingCmd represents the billing command
var billingCmd = &cobra.Command{
	Use:   "billing",
	Short: "Inspect billing event ingestion",
}

// billingShowCmd represents the billing show command
var billingShowCmd = &cobra.Command{
	Use:   "show [external-event-id]",
	Short: "Show the ingestion state of one billing event",
	Long: `Show the stored record for a provider event id, including whether it
was processed and any recorded failure.

Example:
  bugbayctl billing show evt_1OzX42Hq7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		pool, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		rec, err := billing.NewPGEventStore(pool).Get(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

func init() {
	rootCmd.AddCommand(billingCmd)
	billingCmd.AddCommand(billingShowCmd)
}
