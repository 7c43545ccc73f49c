package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and follow the configured page",
		Long: `Serves the progress, cancel, history and realtime endpoints until
SIGINT/SIGTERM. When realtime.page_id is set the realtime stream for that page
is opened at startup; PUT /v1/realtime/page switches it later.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Run(cmd.Context())
		},
	}
}
