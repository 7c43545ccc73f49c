// Package cmd defines and implements the CLI commands for the pagemine executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagemine/internal/app"
	"github.com/JakeFAU/pagemine/internal/config"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// appFactory builds the application from loaded configuration. Tests inject
// their own to control metrics registries and backends.
type appFactory func(ctx context.Context, cfg config.Config) (*app.App, error)

func defaultAppFactory(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.Build(ctx, cfg, app.Deps{})
}

// newRootCmd creates and configures the root command.
func newRootCmd(factory appFactory) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pagemine",
		Short: "Batch-send messages for a page and track mining progress.",
		Long: `pagemine sends message sets to a page's conversations in paced batches,
keeps a durable progress record that any process can read or cancel, and
follows the page's realtime customer stream.`,
		SilenceUsage: true,

		// Build the application once the config file flag is known and hand
		// it to the subcommand through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			appInstance, err := factory(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				return appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); PAGEMINE_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newWatchCmd(),
		newProgressCmd(),
		newCancelCmd(),
		newSendCmd(),
	)
	return cmd
}

// resolveApp retrieves the App built by the root command.
func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultAppFactory).ExecuteContext(ctx); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}
