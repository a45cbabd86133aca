package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hel/internal/app"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewApp_BuildsSourceRuntimesAndSchedulesThem(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "events.ndjson")
	cfgPath := writeConfig(t, `
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
`)

	a, err := app.NewApp(context.Background(), cfgPath)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, a.GetLogger())

	a.Close()
}

func TestNewApp_RejectsInvalidSourceConfig(t *testing.T) {
	cfgPath := writeConfig(t, `
sources:
  - id: bad
    method: GET
`)

	_, err := app.NewApp(context.Background(), cfgPath)
	require.Error(t, err)
	require.Contains(t, err.Error(), "url must be non-empty")
}

func TestApp_Run_StopsOnContextCancel(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "events.ndjson")
	cfgPath := writeConfig(t, `
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
`)

	a, err := app.NewApp(context.Background(), cfgPath)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = a.Run(ctx, nil)
	require.NoError(t, err)
}
