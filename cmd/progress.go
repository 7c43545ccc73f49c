package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagemine/internal/mining"
	"github.com/JakeFAU/pagemine/internal/timefmt"
)

func newProgressCmd() *cobra.Command {
	var (
		pageID   string
		locale   string
		follow   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show the active mining operation",
		Long: `Prints the active mining operation with its percentage, elapsed time and
estimates. With --follow the record is polled until the operation ends or the
command is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			loc, err := timefmt.ParseLocale(locale)
			if err != nil {
				return err
			}
			tracker, err := appInstance.Trackers().For(pageID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !follow {
				snap, ok, err := tracker.Snapshot(cmd.Context())
				if err != nil {
					return err
				}
				if !ok {
					_, _ = fmt.Fprintln(out, "no active mining operation")
					return nil
				}
				printSnapshot(out, snap, loc)
				return nil
			}

			if interval <= 0 {
				interval = appInstance.Config().Mining.PollInterval
			}
			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			seen := false
			err = tracker.Watch(ctx, interval, func(snap mining.Snapshot, ok bool) {
				switch {
				case ok:
					seen = true
					printSnapshot(out, snap, loc)
				case seen:
					_, _ = fmt.Fprintln(out, "mining operation ended")
					stop()
				default:
					_, _ = fmt.Fprintln(out, "waiting for a mining operation")
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&pageID, "page", "", "page id (only needed with mining.key_per_page)")
	cmd.Flags().StringVar(&locale, "locale", "th", "locale for durations (th or en)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling until the operation ends")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval with --follow (defaults to mining.poll_interval)")
	return cmd
}

func printSnapshot(w io.Writer, snap mining.Snapshot, loc timefmt.Locale) {
	rec, d := snap.Record, snap.Derived
	_, _ = fmt.Fprintf(w,
		"operation %s page %s: batch %d/%d (%d%%) success=%d fail=%d elapsed=%q remaining=%q next=%s\n",
		rec.OperationID, rec.PageID,
		rec.CurrentBatch, rec.TotalBatches, d.Percentage,
		rec.SuccessCount, rec.FailCount,
		timefmt.FormatDuration(d.Elapsed, loc),
		timefmt.FormatDuration(d.EstimatedRemaining, loc),
		timefmt.FormatCountdownPtr(d.NextBatchETA),
	)
}
