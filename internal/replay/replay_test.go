package replay

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hel/internal/herr"
	"github.com/JakeFAU/hel/internal/httpexec"
)

type stubExecutor struct {
	resp httpexec.Response
	err  error
}

func (s *stubExecutor) Do(context.Context, string, httpexec.Request) (httpexec.Response, error) {
	return s.resp, s.err
}

func TestFingerprint_DeterministicAndDistinguishesInputs(t *testing.T) {
	a := Fingerprint("GET", "https://example.test/a", nil)
	b := Fingerprint("GET", "https://example.test/a", nil)
	c := Fingerprint("GET", "https://example.test/b", nil)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestRecorder_WritesFixtureThenPlayerReplaysIt(t *testing.T) {
	dir := t.TempDir()
	inner := &stubExecutor{resp: httpexec.Response{
		Status:  200,
		Headers: http.Header{"Content-Type": []string{"application/json"}},
		Body:    []byte(`{"items":[{"id":"1"}]}`),
	}}
	rec := NewRecorder(inner, dir)

	req := httpexec.Request{Method: "GET", URL: "https://example.test/events"}
	resp, err := rec.Do(context.Background(), "src", req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	player := NewPlayer(dir)
	replayed, err := player.Do(context.Background(), "src", req)
	require.NoError(t, err)
	assert.Equal(t, 200, replayed.Status)
	assert.JSONEq(t, `{"items":[{"id":"1"}]}`, string(replayed.Body))
}

func TestPlayer_MissingFixtureFailsWithReplayMiss(t *testing.T) {
	player := NewPlayer(t.TempDir())
	_, err := player.Do(context.Background(), "src", httpexec.Request{Method: "GET", URL: "https://example.test/missing"})
	require.Error(t, err)
	kind, ok := herr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, herr.KindReplayMiss, kind)
}

func TestRecorder_DoesNotWriteFixtureOnUpstreamError(t *testing.T) {
	dir := t.TempDir()
	inner := &stubExecutor{err: assertErr}
	rec := NewRecorder(inner, dir)

	_, err := rec.Do(context.Background(), "src", httpexec.Request{Method: "GET", URL: "https://example.test/events"})
	require.Error(t, err)

	player := NewPlayer(dir)
	_, err = player.Do(context.Background(), "src", httpexec.Request{Method: "GET", URL: "https://example.test/events"})
	require.Error(t, err)
	kind, _ := herr.KindOf(err)
	assert.Equal(t, herr.KindReplayMiss, kind)
}

type simulatedErr struct{}

func (simulatedErr) Error() string { return "simulated upstream failure" }

var assertErr error = simulatedErr{}
