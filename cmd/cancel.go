package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagemine/internal/mining"
)

func newCancelCmd() *cobra.Command {
	var pageID string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the active mining operation",
		Long: `Marks the active mining operation as cancelled. Batches already sent are
kept. A driver in another process stops before its next batch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			tracker, err := appInstance.Trackers().For(pageID)
			if err != nil {
				return err
			}
			res, err := tracker.RequestCancel(cmd.Context())
			if errors.Is(err, mining.ErrNoActiveOperation) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no active mining operation")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cancel mining: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(),
				"cancelled operation %s page %s after %d/%d batches (success=%d fail=%d)\n",
				res.OperationID, res.PageID, res.CompletedBatches, res.TotalBatches,
				res.SuccessCount, res.FailCount,
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&pageID, "page", "", "page id (only needed with mining.key_per_page)")
	return cmd
}
