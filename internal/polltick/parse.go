package polltick

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/herr"
	"github.com/JakeFAU/hel/internal/hevent"
	"github.com/JakeFAU/hel/internal/hooks"
	"github.com/JakeFAU/hel/internal/httpexec"
	"github.com/JakeFAU/hel/internal/metrics"
)

// parseBody decodes a response body as JSON, first sanitizing invalid UTF-8
// per onInvalidJSON ("replace"/"escape"/"fail"), mirroring poll.rs's
// bytes_to_string.
func parseBody(body []byte, onInvalidJSON string) (any, error) {
	text, err := bytesToString(body, onInvalidJSON)
	if err != nil {
		return nil, err
	}
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, herr.New(herr.KindParseError, "", fmt.Errorf("parse response body as json: %w", err))
	}
	return parsed, nil
}

func bytesToString(body []byte, mode string) (string, error) {
	if utf8.Valid(body) {
		return string(body), nil
	}
	switch mode {
	case "escape":
		return strconv.Quote(string(body)), nil
	case "fail":
		return "", herr.New(herr.KindParseError, "", fmt.Errorf("response body is not valid utf-8"))
	default: // replace
		return strings.ToValidUTF8(string(body), "�"), nil
	}
}

// rawEvent is one extracted event, either a plain decoded JSON object (the
// declarative path) or one already fully assembled by a parseResponse
// hook, which replaces ts/source/event/meta outright per spec.md 4.F.
type rawEvent struct {
	obj       map[string]any
	hookEvent *hooks.Event
}

// extractEvents runs parseResponse if the hook defines it, else applies the
// declarative array-location heuristic from poll.rs's parse_events_from_value.
func (t *Tick) extractEvents(ctx context.Context, hctx hooks.Context, req httpexec.Request, resp httpexec.Response, parsed any) ([]rawEvent, error) {
	if t.Runtime.Hooks != nil && t.Runtime.Hooks.HasFunction("parseResponse") {
		hresp := hooks.Response{Status: resp.Status, Headers: flattenHeaders(resp.Headers), Body: parsed}
		evs, found, err := t.Runtime.Hooks.ParseResponse(ctx, hctx, hresp)
		if err != nil {
			metrics.IncHookErrors(t.Runtime.Cfg.ID, "parseResponse")
			return nil, err
		}
		if found {
			out := make([]rawEvent, len(evs))
			for i := range evs {
				var obj map[string]any
				_ = jsonClone(evs[i].Event, &obj)
				out[i] = rawEvent{obj: obj, hookEvent: &evs[i]}
			}
			return out, nil
		}
	}

	arr, err := locateEventsArray(parsed)
	if err != nil {
		return nil, herr.New(herr.KindParseError, t.Runtime.Cfg.ID, err)
	}
	out := make([]rawEvent, 0, len(arr))
	for _, el := range arr {
		obj, _ := el.(map[string]any)
		if obj == nil {
			obj = map[string]any{"value": el}
		}
		out = append(out, rawEvent{obj: obj})
	}
	return out, nil
}

// locateEventsArray implements poll.rs's parse_events_from_value: an array
// at one of the well-known keys or a top-level array. An object with none of
// those keys is an error; any other non-null value is wrapped as a
// single-element list.
func locateEventsArray(parsed any) ([]any, error) {
	switch v := parsed.(type) {
	case []any:
		return v, nil
	case map[string]any:
		for _, key := range []string{"items", "data", "events", "logs", "entries"} {
			if arr, ok := v[key].([]any); ok {
				return arr, nil
			}
		}
		return nil, fmt.Errorf("no event array found at items/data/events/logs/entries or top level")
	default:
		if parsed == nil {
			return nil, fmt.Errorf("empty response body")
		}
		return []any{parsed}, nil
	}
}

func flattenHeaders(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// buildEnvelope assembles the NDJSON envelope for one extracted event,
// returning the dedupe id and watermark timestamp alongside it, plus the
// hooks.Event to feed commitState. ok is false only when the event cannot be
// encoded as JSON. An event with no value at dedupe.id_path gets an empty
// dedupe id; it is neither skipped nor failed, here or by the caller.
func (t *Tick) buildEnvelope(cfg hconfig.SourceConfig, endpoint string, raw rawEvent) (hevent.Envelope, string, string, hooks.Event, bool) {
	ts := eventTimestamp(raw.obj, cfg.Transform.TimestampField)
	id := ""
	if cfg.Transform.IDField != "" {
		id, _ = dotPathString(raw.obj, cfg.Transform.IDField)
	}

	var env hevent.Envelope
	var hookEv hooks.Event
	if raw.hookEvent != nil {
		env = hevent.Envelope{
			TS:       t.orNow(raw.hookEvent.TS),
			Endpoint: endpoint,
			Source:   cfg.SourceLabelValue,
			LabelKey: t.SourceLabelKey,
		}
		encoded, err := json.Marshal(raw.hookEvent.Event)
		if err != nil {
			return hevent.Envelope{}, "", "", hooks.Event{}, false
		}
		env.Event = encoded
		hookEv = *raw.hookEvent
	} else {
		encoded, err := json.Marshal(raw.obj)
		if err != nil {
			return hevent.Envelope{}, "", "", hooks.Event{}, false
		}
		env = hevent.Envelope{
			TS:       t.orNow(ts),
			Endpoint: endpoint,
			Event:    encoded,
			Source:   cfg.SourceLabelValue,
			LabelKey: t.SourceLabelKey,
		}
		hookEv = hooks.Event{TS: env.TS, Source: cfg.SourceLabelValue, Event: raw.obj}
	}

	dedupeID := id
	if cfg.Dedupe.IDPath != "" {
		dedupeID, _ = dotPathString(raw.obj, cfg.Dedupe.IDPath)
	}
	if id != "" {
		env = env.WithID(id)
	}

	watermarkTS := ""
	if cfg.Watermark.EventTimestampPath != "" {
		watermarkTS, _ = dotPathTimestamp(raw.obj, cfg.Watermark.EventTimestampPath)
	}

	return env, dedupeID, watermarkTS, hookEv, true
}

// eventTimestamp implements poll.rs's event_ts_with_field/event_ts_fallback
// chain: transform.timestamp_field, then published/timestamp/ts/created_at,
// else now().
func eventTimestamp(obj map[string]any, timestampField string) string {
	if timestampField != "" {
		if v, ok := dotPathString(obj, timestampField); ok && v != "" {
			return v
		}
	}
	for _, key := range []string{"published", "timestamp", "ts", "created_at"} {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func (t *Tick) orNow(ts string) string {
	if ts != "" {
		return ts
	}
	return t.now().UTC().Format(time.RFC3339)
}

// dotPathString resolves a dot path against a decoded JSON object tree,
// returning its string value. Non-string leaves fail the lookup.
func dotPathString(obj map[string]any, path string) (string, bool) {
	v, ok := dotPathLookup(obj, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// dotPathTimestamp is dotPathString's tolerant sibling for watermark
// extraction: a numeric leaf (unix seconds/millis) is also accepted and
// rendered back as a decimal string, since some APIs emit epoch timestamps
// rather than RFC3339 strings.
func dotPathTimestamp(obj map[string]any, path string) (string, bool) {
	v, ok := dotPathLookup(obj, path)
	if !ok {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	default:
		return "", false
	}
}

func dotPathLookup(obj map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = obj
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

// StatusClass re-exports httpexec.StatusClass for callers already importing
// this package.
func StatusClass(status int) string {
	return httpexec.StatusClass(status)
}
