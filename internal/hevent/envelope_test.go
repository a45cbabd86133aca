package hevent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineDefaultLabelKeyAndOmitsEmptyMeta(t *testing.T) {
	t.Parallel()

	env := Envelope{
		TS:       "2024-01-01T00:00:00Z",
		Endpoint: "https://api.example.com/logs",
		Event:    json.RawMessage(`{"id":1,"msg":"hello"}`),
		Source:   "okta",
	}
	line, err := env.Line()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, "okta", decoded["source"])
	assert.NotContains(t, decoded, "meta")
	assert.Equal(t, "https://api.example.com/logs", decoded["endpoint"])
}

func TestLineCustomLabelKeyAndMeta(t *testing.T) {
	t.Parallel()

	env := Envelope{
		TS:       "2024-01-01T00:00:00Z",
		Endpoint: "https://api.example.com/logs",
		Event:    json.RawMessage(`{"id":"a"}`),
		Source:   "github",
		LabelKey: "provider",
	}.WithCursor("C1").WithRequestID("req-1")

	line, err := env.Line()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(line, &decoded))
	assert.Equal(t, "github", decoded["provider"])
	meta, ok := decoded["meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "C1", meta["cursor"])
	assert.Equal(t, "req-1", meta["request_id"])
	assert.NotContains(t, meta, "id")
}
