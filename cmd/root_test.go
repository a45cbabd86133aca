package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hel/internal/app"
)

// stubNewApp replaces the newApp factory for the rest of the test, so the
// command wiring receives the given App and error instead of building one
// from a config file.
func stubNewApp(t *testing.T, appInstance *app.App, err error) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, string) (*app.App, error) {
		return appInstance, err
	}
	t.Cleanup(func() { newApp = orig })
}

func TestRootCmd_PersistentPreRunE_PropagatesFactoryError(t *testing.T) {
	stubNewApp(t, nil, errors.New("boom"))

	cmd := newRootCmd()
	cmd.SetArgs([]string{"poll"})
	err := cmd.Execute()

	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to initialize application services")
}

func TestRootCmd_NoSubcommand_ShowsHelp(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())
}
