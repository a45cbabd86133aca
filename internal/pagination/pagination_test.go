package pagination

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/httpexec"
)

func TestParseLinkHeaderMultipleHeadersAndCaseInsensitiveRel(t *testing.T) {
	t.Parallel()

	headers := http.Header{}
	headers.Add("Link", `<https://h/p?c=1>; rel="prev"`)
	headers.Add("Link", `<https://h/p?c=2>; rel="Next"`)

	got := NextLinkFromHeaders(headers, "next")
	assert.Equal(t, "https://h/p?c=2", got)
}

func TestParseLinkHeaderNoNextReturnsEmpty(t *testing.T) {
	t.Parallel()

	headers := http.Header{}
	headers.Add("Link", `<https://h/p?c=1>; rel="prev"`)
	assert.Equal(t, "", NextLinkFromHeaders(headers, "next"))
}

func TestParseLinkHeaderMalformedEntryIgnored(t *testing.T) {
	t.Parallel()

	headers := http.Header{}
	headers.Add("Link", `not-a-link; rel="next"`)
	assert.Equal(t, "", NextLinkFromHeaders(headers, "next"))
}

func TestLinkHeaderEngineWalksTwoPagesThenStops(t *testing.T) {
	t.Parallel()

	eng, err := New(hconfig.PaginationConfig{Type: hconfig.PaginationLinkHeader, Rel: "next", MaxPages: 10})
	require.NoError(t, err)

	state := &State{}
	headers := http.Header{}
	headers.Set("Link", `<https://h/p?c=2>; rel="next"`)

	next, err := eng.Next(httpexec.Request{Method: "GET", URL: "https://h/p?c=1"},
		httpexec.Response{Headers: headers}, 1, state)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "https://h/p?c=2", next.URL)

	next2, err := eng.Next(*next, httpexec.Response{Headers: http.Header{}}, 1, state)
	require.NoError(t, err)
	assert.Nil(t, next2)
}

func TestCursorEngineMergesIntoTopLevelPOSTBody(t *testing.T) {
	t.Parallel()

	eng, err := New(hconfig.PaginationConfig{Type: hconfig.PaginationCursor, CursorPath: "next", CursorParam: "cursor"})
	require.NoError(t, err)

	state := &State{}
	req := httpexec.Request{Method: "POST", URL: "https://h/logs", Body: []byte(`{"limit":100}`)}
	resp := httpexec.Response{Body: []byte(`{"data":[],"next":"C1"}`)}

	next, err := eng.Next(req, resp, 100, state)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.JSONEq(t, `{"limit":100,"cursor":"C1"}`, string(next.Body))
}

func TestCursorEngineStopsOnEmptyNext(t *testing.T) {
	t.Parallel()

	eng, err := New(hconfig.PaginationConfig{Type: hconfig.PaginationCursor, CursorPath: "next", CursorParam: "cursor"})
	require.NoError(t, err)

	state := &State{LastCursor: "C1"}
	req := httpexec.Request{Method: "POST", Body: []byte(`{"limit":100,"cursor":"C1"}`)}
	resp := httpexec.Response{Body: []byte(`{"data":[],"next":""}`)}

	next, err := eng.Next(req, resp, 37, state)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestLinkHeaderEngineNextTracksNextURLInState(t *testing.T) {
	t.Parallel()

	eng, err := New(hconfig.PaginationConfig{Type: hconfig.PaginationLinkHeader, Rel: "next", MaxPages: 10})
	require.NoError(t, err)

	state := &State{}
	headers := http.Header{}
	headers.Set("Link", `<https://h/p?c=2>; rel="next"`)
	_, err = eng.Next(httpexec.Request{URL: "https://h/p?c=1"}, httpexec.Response{Headers: headers}, 1, state)
	require.NoError(t, err)
	assert.True(t, state.NextURLSet)
	assert.Equal(t, "https://h/p?c=2", state.NextURL)

	_, err = eng.Next(httpexec.Request{URL: "https://h/p?c=2"}, httpexec.Response{Headers: http.Header{}}, 1, state)
	require.NoError(t, err)
	assert.True(t, state.NextURLSet, "state.NextURLSet stays true once the engine owns the key, even when the last page clears it")
	assert.Equal(t, "", state.NextURL, "an empty next_url on clean completion must overwrite any URL checkpointed by an earlier page")
}

func TestLinkHeaderEngineSeedResumesFromStoredNextURL(t *testing.T) {
	t.Parallel()

	eng, err := New(hconfig.PaginationConfig{Type: hconfig.PaginationLinkHeader, Rel: "next"})
	require.NoError(t, err)
	seeder := eng.(Seeder)

	state := &State{}
	req := httpexec.Request{Method: "GET", URL: "https://h/p", Query: map[string]string{"since": "watermark-value"}}

	seeded, found := seeder.Seed(req, map[string]string{"next_url": "https://h/p?c=9"}, state)
	require.True(t, found)
	assert.Equal(t, "https://h/p?c=9", seeded.URL)
	assert.Nil(t, seeded.Query, "a resumed next_url already carries whatever query the API expects")
	assert.True(t, state.NextURLSet)
	assert.Equal(t, "https://h/p?c=9", state.NextURL)
}

func TestLinkHeaderEngineSeedNoStoredNextURLLeavesRequestUntouched(t *testing.T) {
	t.Parallel()

	eng, err := New(hconfig.PaginationConfig{Type: hconfig.PaginationLinkHeader, Rel: "next"})
	require.NoError(t, err)
	seeder := eng.(Seeder)

	req := httpexec.Request{Method: "GET", URL: "https://h/p"}
	seeded, found := seeder.Seed(req, map[string]string{}, &State{})
	assert.False(t, found)
	assert.Equal(t, req, seeded)
}

func TestCursorEngineSeedAppliesStoredCursorAsQueryParam(t *testing.T) {
	t.Parallel()

	eng, err := New(hconfig.PaginationConfig{Type: hconfig.PaginationCursor, CursorPath: "next", CursorParam: "cursor"})
	require.NoError(t, err)
	seeder := eng.(Seeder)

	state := &State{}
	req := httpexec.Request{Method: "GET", URL: "https://h/logs", Query: map[string]string{"since": "watermark-value"}}

	seeded, found := seeder.Seed(req, map[string]string{"cursor": "C7"}, state)
	require.True(t, found)
	assert.Equal(t, "C7", seeded.Query["cursor"])
	assert.Equal(t, "watermark-value", seeded.Query["since"], "resuming a cursor must not drop other first-request query params")
	assert.Equal(t, "C7", state.LastCursor)
}

func TestCursorEngineSeedNoStoredCursorLeavesRequestUntouched(t *testing.T) {
	t.Parallel()

	eng, err := New(hconfig.PaginationConfig{Type: hconfig.PaginationCursor, CursorPath: "next", CursorParam: "cursor"})
	require.NoError(t, err)
	seeder := eng.(Seeder)

	req := httpexec.Request{Method: "GET", URL: "https://h/logs"}
	seeded, found := seeder.Seed(req, map[string]string{}, &State{})
	assert.False(t, found)
	assert.Equal(t, req, seeded)
}

func TestPageOffsetEngineIsNotASeeder(t *testing.T) {
	t.Parallel()

	eng, err := New(hconfig.PaginationConfig{Type: hconfig.PaginationPageOffset, PageParam: "page", LimitParam: "limit", Limit: 50})
	require.NoError(t, err)
	_, ok := eng.(Seeder)
	assert.False(t, ok, "page_offset always restarts from page one; it must not implement Seeder")
}

func TestStateCheckpointDeltaOnlyIncludesEngineOwnedKeys(t *testing.T) {
	t.Parallel()

	assert.Empty(t, State{}.CheckpointDelta())
	assert.Equal(t, map[string]string{"cursor": "C1"}, State{LastCursor: "C1"}.CheckpointDelta())
	assert.Equal(t, map[string]string{"next_url": ""}, State{NextURL: "", NextURLSet: true}.CheckpointDelta())
	assert.Equal(t, map[string]string{"cursor": "C1", "next_url": "https://h/p?c=2"},
		State{LastCursor: "C1", NextURL: "https://h/p?c=2", NextURLSet: true}.CheckpointDelta())
}

func TestPageOffsetEngineStopsWhenFewerThanLimit(t *testing.T) {
	t.Parallel()

	eng, err := New(hconfig.PaginationConfig{Type: hconfig.PaginationPageOffset, PageParam: "page", LimitParam: "limit", Limit: 50, MaxPages: 10})
	require.NoError(t, err)

	state := &State{}
	req := httpexec.Request{Method: "GET", URL: "https://h/logs"}

	next, err := eng.Next(req, httpexec.Response{}, 50, state)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "2", next.Query["page"])

	next2, err := eng.Next(*next, httpexec.Response{}, 37, state)
	require.NoError(t, err)
	assert.Nil(t, next2)
}
