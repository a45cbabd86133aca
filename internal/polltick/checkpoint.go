package polltick

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/herr"
	"github.com/JakeFAU/hel/internal/hooks"
	"github.com/JakeFAU/hel/internal/httpexec"
	"github.com/JakeFAU/hel/internal/metrics"
	"github.com/JakeFAU/hel/internal/pagination"
)

// computeNextRequest advances pagination via getNextPage if the hook
// defines it, else the declarative pagination.Engine. A nil source
// Pagination engine means a single-page source: stop after the first page.
func (t *Tick) computeNextRequest(ctx context.Context, hctx hooks.Context, req httpexec.Request, resp httpexec.Response, eventsInPage int, pageState *pagination.State) (*httpexec.Request, bool, error) {
	if t.Runtime.Hooks != nil && t.Runtime.Hooks.HasFunction("getNextPage") {
		var reqBody any
		if len(req.Body) > 0 {
			_ = json.Unmarshal(req.Body, &reqBody)
		}
		var respBody any
		if len(resp.Body) > 0 {
			_ = json.Unmarshal(resp.Body, &respBody)
		}

		hreq := hooks.Request{URL: req.URL, Body: reqBody}
		hresp := hooks.Response{Status: resp.Status, Headers: flattenHeaders(resp.Headers), Body: respBody}

		next, found, err := t.Runtime.Hooks.GetNextPage(ctx, hctx, hreq, hresp)
		if err != nil {
			metrics.IncHookErrors(t.Runtime.Cfg.ID, "getNextPage")
			return nil, false, err
		}
		if !found {
			// Hook doesn't define getNextPage after all; fall through to
			// the declarative engine below.
		} else if next == nil {
			return nil, true, nil
		} else {
			out := req
			out.URL = next.URL
			if next.Body != nil {
				_ = jsonCloneBytes(next.Body, &out.Body)
			}
			pageState.PagesSeen++
			return &out, false, nil
		}
	}

	if t.Runtime.Pagination == nil {
		return nil, true, nil
	}
	next, err := t.Runtime.Pagination.Next(req, resp, eventsInPage, pageState)
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		return nil, true, nil
	}
	return next, false, nil
}

// checkpointPerPage writes the engine-derived state keys (cursor/next_url)
// after each successful page, leaving hook-derived keys to the end-of-tick
// write. This resolves spec.md's Open Question 2 the way its own
// recommendation suggests.
func (t *Tick) checkpointPerPage(ctx context.Context, sourceID string, cfg hconfig.SourceConfig, pageState *pagination.State) {
	delta := pageState.CheckpointDelta()
	if len(delta) == 0 {
		return
	}
	if err := t.Store.Set(ctx, sourceID, delta); err != nil {
		metrics.IncStateWriteErrors(sourceID)
		if err := storeSetOrSkip(cfg, t.EmitWithoutCheckpoint, err); err != nil {
			t.Logger.Error("per-page checkpoint failed", zap.String("source_id", sourceID), zap.Error(err))
		}
	}
}

// checkpointFinal writes the end-of-tick state delta: the engine's cursor/next_url,
// the watermark max over the tick's events, and any commitState hook
// result, hook keys taking precedence per spec.md section 4.F.
func (t *Tick) checkpointFinal(ctx context.Context, hctx hooks.Context, sourceID string, cfg hconfig.SourceConfig, pageState *pagination.State, watermarkMax string, events []hooks.Event) error {
	delta := pageState.CheckpointDelta()
	if cfg.Watermark.WatermarkField != "" && watermarkMax != "" {
		delta[cfg.Watermark.WatermarkField] = watermarkMax
	}

	if t.Runtime.Hooks != nil && t.Runtime.Hooks.HasFunction("commitState") {
		hookDelta, found, err := t.Runtime.Hooks.CommitState(ctx, hctx, events)
		if err != nil {
			metrics.IncHookErrors(sourceID, "commitState")
			return err
		}
		if found {
			for k, v := range hookDelta {
				delta[k] = v
			}
		}
	}

	if len(delta) == 0 {
		return nil
	}
	err := t.Store.Set(ctx, sourceID, delta)
	if err != nil {
		metrics.IncStateWriteErrors(sourceID)
	}
	return storeSetOrSkip(cfg, t.EmitWithoutCheckpoint, err)
}

// cursorErrorReset implements spec.md section 4.E's on_cursor_error=reset: a
// cursor request that fails with a 4xx carrying an expired-cursor signal
// (status 410, or a body mentioning "expired"/"invalid cursor"/"cursor
// invalid") clears the stored cursor and ends the tick cleanly so the next
// tick restarts from page one, rather than surfacing a tick failure. Ported
// from original_source/src/poll.rs:689-703. pageState.LastCursor being empty
// means the failed request never carried a cursor (the very first,
// unresumed page), which poll.rs's `cursor.is_some()` guard also excludes.
func (t *Tick) cursorErrorReset(ctx context.Context, sourceID string, cfg hconfig.SourceConfig, pageState *pagination.State, resp httpexec.Response, err error) bool {
	if cfg.Pagination.Type != hconfig.PaginationCursor || cfg.Pagination.OnCursorError != hconfig.OnCursorErrorReset {
		return false
	}
	if pageState.LastCursor == "" {
		return false
	}
	var herrErr *herr.Error
	if !errors.As(err, &herrErr) || herrErr.Status < 400 || herrErr.Status >= 500 {
		return false
	}

	lower := strings.ToLower(string(resp.Body))
	expired := herrErr.Status == 410 ||
		strings.Contains(lower, "expired") ||
		strings.Contains(lower, "invalid cursor") ||
		strings.Contains(lower, "cursor invalid")
	if !expired {
		return false
	}

	if setErr := t.Store.Set(ctx, sourceID, map[string]string{"cursor": ""}); setErr != nil {
		metrics.IncStateWriteErrors(sourceID)
		t.Logger.Error("cursor reset checkpoint failed", zap.String("source_id", sourceID), zap.Error(setErr))
	}
	t.Logger.Warn("cursor expired, reset; next poll restarts from page one", zap.String("source_id", sourceID), zap.Int("status", herrErr.Status))
	return true
}

func jsonCloneBytes(v any, out *[]byte) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	*out = encoded
	return nil
}
