package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hel/internal/app"
)

func TestResolveApp_MissingFromContext(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "not initialized")
}

func TestPollCmd_RunsUntilInterrupted(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "events.ndjson")
	cfgPath := filepath.Join(t.TempDir(), "hel.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
global:
  output:
    sink: file
    file_path: `+outPath+`
sources:
  - id: demo
    url: https://example.invalid/events
    method: GET
    schedule:
      interval_secs: 3600
`), 0o600))

	appInstance, err := app.NewApp(context.Background(), cfgPath)
	require.NoError(t, err)
	defer appInstance.Close()

	stubNewApp(t, appInstance, nil)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"poll"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cmd.SetContext(ctx)

	require.NoError(t, cmd.Execute())
}
