// Package hevent defines the NDJSON event envelope Hel emits per event, one
// JSON object per line.
package hevent

import (
	"encoding/json"
	"fmt"
)

// Meta carries the optional envelope metadata fields.
type Meta struct {
	ID        string `json:"id,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (m Meta) isZero() bool {
	return m.ID == "" && m.Cursor == "" && m.RequestID == ""
}

// Envelope is one NDJSON line: ts, source label, endpoint, raw event node,
// and optional meta.
type Envelope struct {
	TS       string          `json:"ts"`
	Endpoint string          `json:"endpoint"`
	Event    json.RawMessage `json:"event"`
	Meta     Meta            `json:"-"`

	// LabelKey is the JSON key under which Source is serialized (default
	// "source"), configurable per global.output.source_label_key.
	LabelKey string `json:"-"`
	// Source is the label value: defaults to the source id, overridable by
	// source_label_value.
	Source string `json:"-"`
}

// WithID returns a copy of the envelope with meta.id set.
func (e Envelope) WithID(id string) Envelope {
	e.Meta.ID = id
	return e
}

// WithCursor returns a copy of the envelope with meta.cursor set.
func (e Envelope) WithCursor(cursor string) Envelope {
	e.Meta.Cursor = cursor
	return e
}

// WithRequestID returns a copy of the envelope with meta.request_id set.
func (e Envelope) WithRequestID(requestID string) Envelope {
	e.Meta.RequestID = requestID
	return e
}

// Line renders the envelope as one NDJSON line (no trailing newline). The
// label key defaults to "source" when unset. An empty Meta is omitted from
// the output entirely, matching original_source/src/event.rs.
func (e Envelope) Line() ([]byte, error) {
	labelKey := e.LabelKey
	if labelKey == "" {
		labelKey = "source"
	}

	m := map[string]any{
		labelKey:   e.Source,
		"ts":       e.TS,
		"endpoint": e.Endpoint,
		"event":    e.Event,
	}
	if !e.Meta.isZero() {
		m["meta"] = e.Meta
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return out, nil
}
