package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagemine/internal/mining"
)

func newSendCmd() *cobra.Command {
	var (
		plan            mining.Plan
		idsFile         string
		conversationIDs []string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message set to conversations in paced batches",
		Long: `Runs one mining operation in the foreground: conversations are split into
batches, each batch is posted to the REST API, and the progress record is
updated after every batch. Interrupting the command or running "pagemine
cancel" stops it at the next batch boundary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ids := append([]string(nil), conversationIDs...)
			if idsFile != "" {
				fromFile, err := readIDs(idsFile, cmd.InOrStdin())
				if err != nil {
					return err
				}
				ids = append(ids, fromFile...)
			}
			plan.ConversationIDs = ids

			sum, err := appInstance.Send(cmd.Context(), plan)
			if err != nil {
				return err
			}
			status := "finished"
			if sum.Cancelled {
				status = "cancelled"
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(),
				"operation %s %s: %d/%d batches, success=%d fail=%d in %s\n",
				sum.OperationID, status, sum.CompletedBatches, sum.TotalBatches,
				sum.SuccessCount, sum.FailCount, sum.Duration.Round(time.Millisecond),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&plan.PageID, "page", "", "page id to send on behalf of")
	cmd.Flags().StringVar(&plan.MessageSetID, "message-set", "", "message set id to send")
	cmd.Flags().StringSliceVar(&conversationIDs, "conversations", nil, "conversation ids (comma separated)")
	cmd.Flags().StringVar(&idsFile, "conversations-file", "", "file with one conversation id per line (- for stdin)")
	cmd.Flags().IntVar(&plan.BatchSize, "batch-size", 0, "conversations per batch (defaults to mining.batch_size)")
	cmd.Flags().Float64Var(&plan.DelayMinutes, "delay-minutes", 0, "pause between batches in minutes")
	_ = cmd.MarkFlagRequired("page")
	_ = cmd.MarkFlagRequired("message-set")
	return cmd
}

// readIDs reads one id per line, skipping blanks and # comments.
func readIDs(path string, stdin io.Reader) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open conversations file: %w", err)
		}
		defer f.Close()
		r = f
	}
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read conversations: %w", err)
	}
	return ids, nil
}
