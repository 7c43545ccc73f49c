package cmd

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/pagemine/internal/notify"
)

type watchLine struct {
	Topic   notify.Topic    `json:"topic"`
	PageID  string          `json:"page_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <pageId>",
		Short: "Follow a page's realtime customer stream",
		Long: `Subscribes to the realtime stream of the page and prints one JSON line per
customer or knowledge-group change until interrupted. Dropped connections are
retried with exponential backoff.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			var mu sync.Mutex
			emit := func(msg notify.Message) {
				line, err := json.Marshal(watchLine{Topic: msg.Topic, PageID: msg.PageID, Payload: msg.Payload})
				if err != nil {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				_, _ = fmt.Fprintln(out, string(line))
			}

			bus := appInstance.Bus()
			defer bus.Subscribe(notify.TopicCustomerUpdated, emit)()
			defer bus.Subscribe(notify.TopicKnowledgeGroupStatusChanged, emit)()

			appInstance.FollowPage(args[0])
			<-cmd.Context().Done()
			appInstance.Realtime().Disconnect()
			return nil
		},
	}
}
