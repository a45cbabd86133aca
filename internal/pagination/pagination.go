// Package pagination implements the three pagination strategies as
// stateless functions from (request, response, in-tick state) to the next
// request or nil to stop, per spec.md section 4.E.
package pagination

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/httpexec"
)

// State carries in-tick pagination bookkeeping: page count, the last cursor
// seen (so the cursor engine can detect a repeat and stop), and the
// link-header engine's next URL. NextURLSet distinguishes "no engine owns
// next_url" from "the engine set it to empty", the latter meaning pagination
// finished cleanly and any previously checkpointed next_url should be
// cleared.
type State struct {
	PagesSeen  int
	LastCursor string
	NextURL    string
	NextURLSet bool
}

// CheckpointDelta returns the engine-owned state keys (cursor/next_url) a
// tick should durably persist, per spec.md section 4.I step 5.
func (s State) CheckpointDelta() map[string]string {
	delta := map[string]string{}
	if s.LastCursor != "" {
		delta["cursor"] = s.LastCursor
	}
	if s.NextURLSet {
		delta["next_url"] = s.NextURL
	}
	return delta
}

// Engine advances pagination by one step. eventsInPage is the count of
// events extracted from resp, used by page_offset's limit-based stop rule.
type Engine interface {
	Next(req httpexec.Request, resp httpexec.Response, eventsInPage int, state *State) (*httpexec.Request, error)
}

// Seeder is implemented by engines whose progress can resume across ticks
// from a value durably checkpointed by a prior tick (checkpointPerPage /
// checkpointFinal write cursor/next_url under the engine's own keys). Ported
// from original_source/src/poll.rs's poll_link_header (reads "next_url" at
// line 314) and poll_cursor_pagination (reads "cursor" at line 557).
// page_offset has no Seeder: poll_page_offset_pagination always restarts
// from page one and never persists a resume key.
type Seeder interface {
	// Seed adapts req to continue from stored's persisted pagination state,
	// returning the adapted request and whether resume state was found. It
	// also primes state so the tick's first Next call treats the resumed
	// page as already seen.
	Seed(req httpexec.Request, stored map[string]string, state *State) (httpexec.Request, bool)
}

// New builds the Engine named by cfg.Type.
func New(cfg hconfig.PaginationConfig) (Engine, error) {
	switch cfg.Type {
	case hconfig.PaginationLinkHeader:
		return &linkHeaderEngine{cfg: cfg}, nil
	case hconfig.PaginationCursor:
		return &cursorEngine{cfg: cfg}, nil
	case hconfig.PaginationPageOffset:
		return &pageOffsetEngine{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown pagination type %q", cfg.Type)
	}
}

type linkHeaderEngine struct {
	cfg hconfig.PaginationConfig
}

func (e *linkHeaderEngine) Next(req httpexec.Request, resp httpexec.Response, _ int, state *State) (*httpexec.Request, error) {
	state.PagesSeen++
	if e.cfg.MaxPages > 0 && state.PagesSeen >= e.cfg.MaxPages {
		return nil, nil
	}

	rel := e.cfg.Rel
	if rel == "" {
		rel = "next"
	}
	next := NextLinkFromHeaders(resp.Headers, rel)
	state.NextURL = next
	state.NextURLSet = true
	if next == "" {
		return nil, nil
	}

	out := req
	out.URL = next
	out.Query = nil
	return &out, nil
}

// Seed resumes from a next_url persisted by a prior tick, bypassing the
// first-request URL/query entirely since a Link header's next URL already
// carries whatever query the API expects.
func (e *linkHeaderEngine) Seed(req httpexec.Request, stored map[string]string, state *State) (httpexec.Request, bool) {
	next := stored["next_url"]
	if next == "" {
		return req, false
	}
	state.NextURL = next
	state.NextURLSet = true
	out := req
	out.URL = next
	out.Query = nil
	return out, true
}

// NextLinkFromHeaders is ported from original_source/src/pagination.rs's
// next_link_from_headers: scans every Link header value (there may be
// several) for the first entry whose rel matches, case-insensitively.
func NextLinkFromHeaders(headers httpHeaderGetter, rel string) string {
	for _, raw := range headers.Values("Link") {
		if link := parseLinkHeader(raw, rel); link != "" {
			return link
		}
	}
	return ""
}

// httpHeaderGetter is the subset of http.Header this package needs, kept
// narrow so tests can pass a plain map-backed fake.
type httpHeaderGetter interface {
	Values(key string) []string
}

// parseLinkHeader ports pagination.rs's parse_link_header: splits on ',',
// extracts the '<uri>' token then the rel="..." parameter, matching rel
// case-insensitively. Malformed entries (missing '<' or unclosed '<') are
// ignored rather than erroring.
func parseLinkHeader(header, rel string) string {
	for _, entry := range strings.Split(header, ",") {
		entry = strings.TrimSpace(entry)

		start := strings.IndexByte(entry, '<')
		if start < 0 {
			continue
		}
		end := strings.IndexByte(entry[start+1:], '>')
		if end < 0 {
			continue
		}
		uri := entry[start+1 : start+1+end]
		rest := entry[start+1+end+1:]

		for _, param := range strings.Split(rest, ";") {
			param = strings.TrimSpace(param)
			const prefix = "rel="
			idx := strings.Index(strings.ToLower(param), prefix)
			if idx != 0 {
				continue
			}
			val := strings.TrimSpace(param[len(prefix):])
			val = strings.Trim(val, `"`)
			if strings.EqualFold(val, rel) {
				return uri
			}
		}
	}
	return ""
}

type cursorEngine struct {
	cfg hconfig.PaginationConfig
}

func (e *cursorEngine) Next(req httpexec.Request, resp httpexec.Response, _ int, state *State) (*httpexec.Request, error) {
	state.PagesSeen++
	if e.cfg.MaxPages > 0 && state.PagesSeen >= e.cfg.MaxPages {
		return nil, nil
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("cursor pagination: parse response body: %w", err)
	}

	if hasMore, ok := body["has_more"].(bool); ok && !hasMore {
		return nil, nil
	}

	cursor, ok := lookupDotPath(body, e.cfg.CursorPath)
	cursorStr, _ := cursor.(string)
	if !ok || cursorStr == "" {
		return nil, nil
	}
	if cursorStr == state.LastCursor {
		return nil, nil
	}
	state.LastCursor = cursorStr

	return e.applyCursor(req, cursorStr)
}

// applyCursor merges cursorStr into req the way the API expects it: a query
// param on GET, a body field on POST. Shared by Next (advancing mid-tick)
// and Seed (resuming a stored cursor at the start of a tick).
func (e *cursorEngine) applyCursor(req httpexec.Request, cursorStr string) (*httpexec.Request, error) {
	out := req
	param := e.cfg.CursorParam
	if param == "" {
		param = "cursor"
	}

	if req.Method == "POST" {
		var reqBody map[string]any
		if len(req.Body) > 0 {
			if err := json.Unmarshal(req.Body, &reqBody); err != nil {
				reqBody = map[string]any{}
			}
		} else {
			reqBody = map[string]any{}
		}
		reqBody[param] = cursorStr
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("cursor pagination: re-encode body: %w", err)
		}
		out.Body = encoded
	} else {
		out.Query = cloneQuery(req.Query)
		out.Query[param] = cursorStr
	}
	return &out, nil
}

// Seed resumes from a cursor persisted by a prior tick.
func (e *cursorEngine) Seed(req httpexec.Request, stored map[string]string, state *State) (httpexec.Request, bool) {
	cursor := stored["cursor"]
	if cursor == "" {
		return req, false
	}
	state.LastCursor = cursor
	out, err := e.applyCursor(req, cursor)
	if err != nil {
		return req, false
	}
	return *out, true
}

type pageOffsetEngine struct {
	cfg hconfig.PaginationConfig
}

func (e *pageOffsetEngine) Next(req httpexec.Request, _ httpexec.Response, eventsInPage int, state *State) (*httpexec.Request, error) {
	state.PagesSeen++
	if eventsInPage < e.cfg.Limit {
		return nil, nil
	}
	if e.cfg.MaxPages > 0 && state.PagesSeen >= e.cfg.MaxPages {
		return nil, nil
	}

	out := req
	out.Query = cloneQuery(req.Query)
	out.Query[e.cfg.PageParam] = fmt.Sprintf("%d", state.PagesSeen+1)
	out.Query[e.cfg.LimitParam] = fmt.Sprintf("%d", e.cfg.Limit)
	return &out, nil
}

func cloneQuery(q map[string]string) map[string]string {
	out := make(map[string]string, len(q)+1)
	for k, v := range q {
		out[k] = v
	}
	return out
}

// lookupDotPath resolves a dot-separated path ("data.next") against a
// decoded JSON object tree. The second return is false when any segment
// is missing.
func lookupDotPath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
