package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetBy string

var resetCmd = &cobra.Command{
	Use:   "reset-review",
	Short: "Re-queue escalated prospects",
	Long:  "Returns every prospect escalated to manual review back to the claimable queue, zeroing retry counts and lease state. A no-op when the review queue is empty.",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		count, err := newManager(st).ResetReviewQueue(cmd.Context(), resetBy)
		if err != nil {
			return err
		}
		fmt.Printf("re-queued %d prospects from review\n", count)
		return nil
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetBy, "by", "operator", "who requested the reset (recorded in the audit log)")
	rootCmd.AddCommand(resetCmd)
}
