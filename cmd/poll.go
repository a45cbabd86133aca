package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/hel/internal/app"
)

// newPollCmd creates and configures the 'poll' subcommand: the long-running
// process that drives every configured source on its schedule until
// interrupted.
func newPollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Start polling every configured source",
		Long: `Runs the scheduler for every source declared in the config, polling each
on its configured cadence until interrupted. SIGINT/SIGTERM trigger a
graceful shutdown. With restart_sources_on_sighup set, SIGHUP rebuilds
every source's runtime from the config loaded at startup and each source
switches to its rebuilt runtime at its next fire; the config file is not
re-read. Without that setting SIGHUP has no effect.`,

		RunE: runPollCommand,
	}
	return cmd
}

func runPollCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	reload := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sighup:
				select {
				case reload <- struct{}{}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	appInstance.GetLogger().Info("starting poll")
	if err := appInstance.Run(ctx, reload); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run poll: %w", err)
	}

	appInstance.GetLogger().Info("poll command finished")
	return nil
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
