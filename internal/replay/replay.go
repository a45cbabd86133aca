// Package replay implements spec.md section 4.K's record/replay pair: an
// httpexec.Executor decorator that writes every response the inner executor
// returns without error (so not 4xx/5xx responses) to a fixture
// file keyed by request fingerprint, and a stand-in Executor that serves
// fixtures with no network traffic, failing with replay_miss when one is
// absent. Grounded on internal/hash/sha256's Hash-adapter shape for the
// fingerprint, generalized from a byte hasher into the method/url/body
// digest spec.md names.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/JakeFAU/hel/internal/herr"
	"github.com/JakeFAU/hel/internal/httpexec"
)

// Fingerprint hashes {method, url, body} into the hex SHA-256 digest
// spec.md section 6 names as the record/replay file key. Request bodies
// are built via json.Marshal on a map, which already sorts object keys, so
// the raw bytes serve as the canonical body without a further re-encode.
func Fingerprint(method, url string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte("\n"))
	h.Write([]byte(url))
	h.Write([]byte("\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type fixture struct {
	Request struct {
		Method string            `json:"method"`
		URL    string            `json:"url"`
		Body   string            `json:"body,omitempty"`
	} `json:"request"`
	Response struct {
		Status  int               `json:"status"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
	} `json:"response"`
}

func fixturePath(dir, sourceID, fingerprint string) string {
	return filepath.Join(dir, sourceID, fingerprint+".json")
}

// Recorder wraps an Executor and writes a fixture file for every successful
// exchange, per source, under dir.
type Recorder struct {
	inner httpexec.Executor
	dir   string
}

// NewRecorder builds a Recorder writing fixtures under dir.
func NewRecorder(inner httpexec.Executor, dir string) *Recorder {
	return &Recorder{inner: inner, dir: dir}
}

// Do executes the request against inner and, on success, persists the
// exchange as a fixture keyed by its fingerprint.
func (r *Recorder) Do(ctx context.Context, sourceID string, req httpexec.Request) (httpexec.Response, error) {
	resp, err := r.inner.Do(ctx, sourceID, req)
	if err != nil {
		return resp, err
	}
	if werr := r.write(sourceID, req, resp); werr != nil {
		return resp, herr.New(herr.KindOutputWrite, sourceID, fmt.Errorf("record fixture: %w", werr))
	}
	return resp, nil
}

func (r *Recorder) write(sourceID string, req httpexec.Request, resp httpexec.Response) error {
	fp := Fingerprint(req.Method, req.URL, req.Body)
	path := fixturePath(r.dir, sourceID, fp)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	var fx fixture
	fx.Request.Method = req.Method
	fx.Request.URL = req.URL
	fx.Request.Body = string(req.Body)
	fx.Response.Status = resp.Status
	fx.Response.Headers = flattenHeaders(resp.Headers)
	fx.Response.Body = string(resp.Body)

	encoded, err := json.MarshalIndent(fx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0o644)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// Player is a replay Executor: it serves fixtures written by Recorder and
// never touches the network. A missing fixture fails the tick with
// replay_miss per spec.md section 4.K.
type Player struct {
	dir string
}

// NewPlayer builds a Player reading fixtures from dir.
func NewPlayer(dir string) *Player {
	return &Player{dir: dir}
}

// Do looks up the fixture matching req's fingerprint and returns its
// recorded response, or a replay_miss error if none exists.
func (p *Player) Do(ctx context.Context, sourceID string, req httpexec.Request) (httpexec.Response, error) {
	fp := Fingerprint(req.Method, req.URL, req.Body)
	path := fixturePath(p.dir, sourceID, fp)

	raw, err := os.ReadFile(path)
	if err != nil {
		return httpexec.Response{}, herr.New(herr.KindReplayMiss, sourceID, fmt.Errorf("no fixture for %s %s (fingerprint %s): %w", req.Method, req.URL, fp, err))
	}

	var fx fixture
	if err := json.Unmarshal(raw, &fx); err != nil {
		return httpexec.Response{}, herr.New(herr.KindReplayMiss, sourceID, fmt.Errorf("corrupt fixture %s: %w", path, err))
	}

	headers := make(http.Header, len(fx.Response.Headers))
	for k, v := range fx.Response.Headers {
		headers.Set(k, v)
	}
	return httpexec.Response{Status: fx.Response.Status, Headers: headers, Body: []byte(fx.Response.Body)}, nil
}
