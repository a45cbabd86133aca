// Package cmd defines and implements the CLI commands for the hel binary.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/hel/internal/app"
	"github.com/JakeFAU/hel/internal/logging"
)

var cfgFile string

// appKeyType is the key for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can replace
// it with a mock factory.
var newApp = func(ctx context.Context, cfgPath string) (*app.App, error) {
	return app.NewApp(ctx, cfgPath)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hel",
		Short: "Hel polls HTTP APIs on a schedule and emits their events as NDJSON.",
		Long: `hel is a generic HTTP API log collector: it polls configured sources on a
schedule, walks their pagination, deduplicates and checkpoints their events,
and writes them out as newline-delimited JSON.`,

		// Runs after flags are parsed but before the subcommand's RunE. This
		// is where the DI container gets built and stashed in the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./hel.yaml or /etc/hel/hel.yaml)")

	cmd.AddCommand(newPollCmd())

	return cmd
}

// Execute is the main entry point, called by cmd/hel/main.go.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fallback, logErr := logging.New(false)
		if logErr == nil {
			fallback.Fatal("command execution failed", zap.Error(err))
		}
		panic(err)
	}
}
