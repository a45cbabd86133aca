package hooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequestReturnsObject(t *testing.T) {
	t.Parallel()

	script := `
		function buildRequest(ctx) {
			return { url: "https://example.com", query: { limit: "10" }, headers: { "X-Foo": "bar" } };
		}
	`
	r := New("test", script, 5*time.Second, false, nil)
	out, found, err := r.BuildRequest(context.Background(), Context{SourceID: "test"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "https://example.com", out.URL)
	assert.Equal(t, "10", out.Query["limit"])
	assert.Equal(t, "bar", out.Headers["X-Foo"])
}

func TestBuildRequestUndefinedReturnsNotFound(t *testing.T) {
	t.Parallel()

	script := `function other() { return 1; }`
	r := New("test", script, 5*time.Second, false, nil)
	_, found, err := r.BuildRequest(context.Background(), Context{SourceID: "test"})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestParseResponseReturnsEvents(t *testing.T) {
	t.Parallel()

	script := `
		function parseResponse(ctx, response) {
			return [
				{ ts: "2024-01-01T00:00:00Z", source: ctx.sourceId, event: { id: 1 } }
			];
		}
	`
	r := New("test", script, 5*time.Second, false, nil)
	events, found, err := r.ParseResponse(context.Background(), Context{SourceID: "test"}, Response{Status: 200, Body: map[string]any{"items": []any{}}})
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, events, 1)
	assert.Equal(t, "2024-01-01T00:00:00Z", events[0].TS)
	assert.Equal(t, "test", events[0].Source)
}

func TestGetAuthReturnsHeadersFromEnv(t *testing.T) {
	t.Parallel()

	script := `
		function getAuth(ctx) {
			return { headers: { "Authorization": "Bearer " + (ctx.env.TOKEN || "") } };
		}
	`
	r := New("test", script, 5*time.Second, false, nil)
	out, found, err := r.GetAuth(context.Background(), Context{SourceID: "test", Env: map[string]string{"TOKEN": "secret"}})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Bearer secret", out.Headers["Authorization"])
}

func TestGetNextPageReturnsNull(t *testing.T) {
	t.Parallel()

	script := `function getNextPage(ctx, request, response) { return null; }`
	r := New("test", script, 5*time.Second, false, nil)
	next, found, err := r.GetNextPage(context.Background(), Context{SourceID: "test"}, Request{URL: "https://example.com"}, Response{Status: 200})
	require.NoError(t, err)
	require.True(t, found)
	assert.Nil(t, next)
}

func TestCommitStateReturnsObject(t *testing.T) {
	t.Parallel()

	script := `
		function commitState(ctx, events) {
			return { cursor: "next-abc", watermark: "2024-01-01T00:00:00Z" };
		}
	`
	r := New("test", script, 5*time.Second, false, nil)
	out, found, err := r.CommitState(context.Background(), Context{SourceID: "test"}, nil)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "next-abc", out["cursor"])
	assert.Equal(t, "2024-01-01T00:00:00Z", out["watermark"])
}

func TestResolveScriptPathAbsolute(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/abs/path/okta.js", ResolveScriptPath("", "/abs/path/okta.js"))
}

func TestResolveScriptPathRelativeUnderBase(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/base/okta.js", ResolveScriptPath("/base", "okta.js"))
}

func TestGetAuthCanFetchWhenNetworkAllowed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"issued-token"}`))
	}))
	defer srv.Close()

	script := `
		async function getAuth(ctx) {
			const res = await fetch(ctx.env.LOGIN_URL);
			const body = await res.json();
			return { headers: { "Authorization": "Bearer " + body.token } };
		}
	`
	r := New("test", script, 5*time.Second, true, nil)
	out, found, err := r.GetAuth(context.Background(), Context{SourceID: "test", Env: map[string]string{"LOGIN_URL": srv.URL}})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Bearer issued-token", out.Headers["Authorization"])
}

func TestFetchUndefinedWhenNetworkNotAllowed(t *testing.T) {
	t.Parallel()

	script := `
		function getAuth(ctx) {
			return { headers: { "X-Has-Fetch": (typeof fetch !== "undefined").toString() } };
		}
	`
	r := New("test", script, 5*time.Second, false, nil)
	out, found, err := r.GetAuth(context.Background(), Context{SourceID: "test"})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "false", out.Headers["X-Has-Fetch"])
}

func TestHasFunctionDetectsDefinedTopLevelFunctions(t *testing.T) {
	t.Parallel()

	r := New("test", `function getAuth(ctx) { return {}; }`, 5*time.Second, false, nil)
	assert.True(t, r.HasFunction("getAuth"))
	assert.False(t, r.HasFunction("commitState"))
}
