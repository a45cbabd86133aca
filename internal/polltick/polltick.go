// Package polltick orchestrates one poll tick for one source: load state,
// authenticate, build a request, walk pages, extract/dedupe/emit events,
// and checkpoint. It composes internal/state, internal/auth,
// internal/httpexec, internal/resilience, internal/pagination,
// internal/hooks, internal/dedupe and internal/output.
//
// Grounded on original_source/src/poll.rs for the orchestration sequence
// and its helper decomposition (url_with_first_request_params,
// store_set_or_skip, bytes_to_string, parse_events_from_value). poll.rs
// implements one poll_* function per pagination type, each re-running the
// same circuit/rate-limit/retry/parse/dedupe/emit/checkpoint sequence; here
// that sequence is written once and parameterized over the already-unified
// pagination.Engine interface, avoiding the fourfold duplication. The
// orchestrator's step decomposition (send → parse → extract → emit →
// advance) mirrors internal/worker/worker.go's processJob/handleURL split
// (read for shape only; its zap/slog merge-conflict artifacts are not
// carried over).
package polltick

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/hel/internal/auth"
	"github.com/JakeFAU/hel/internal/dedupe"
	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/herr"
	"github.com/JakeFAU/hel/internal/hevent"
	"github.com/JakeFAU/hel/internal/hooks"
	"github.com/JakeFAU/hel/internal/httpexec"
	"github.com/JakeFAU/hel/internal/metrics"
	"github.com/JakeFAU/hel/internal/output"
	"github.com/JakeFAU/hel/internal/pagination"
	"github.com/JakeFAU/hel/internal/replay"
	"github.com/JakeFAU/hel/internal/resilience"
	"github.com/JakeFAU/hel/internal/state"
)

// Runtime is the per-source arena described in spec.md section 9: the
// circuit, rate-limit bucket, token cache, and dedupe LRU it owns are never
// shared with another source's tick.
type Runtime struct {
	Cfg        hconfig.SourceConfig
	Auth       auth.Provider
	Resilience *resilience.Wrapper
	Pagination pagination.Engine // nil for a single-page source
	Dedupe     *dedupe.LRU
	Hooks      *hooks.Runtime // nil when the source has no script
}

// NewRuntime builds a source's long-lived runtime. httpClient is shared
// across sources only for connection pooling convenience; auth/resilience
// state built from it is per-source.
func NewRuntime(cfg hconfig.SourceConfig, httpClient *http.Client, logger *zap.Logger) (*Runtime, error) {
	authProvider, err := auth.New(cfg.ID, cfg.Auth, httpClient)
	if err != nil {
		return nil, err
	}

	exec, err := buildExecutor(cfg)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", cfg.ID, err)
	}
	wrapper := resilience.New(exec, cfg.Resilience)

	var engine pagination.Engine
	if cfg.Pagination.Type != "" {
		engine, err = pagination.New(cfg.Pagination)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", cfg.ID, err)
		}
	}

	capacity := cfg.Dedupe.Capacity
	if cfg.Dedupe.IDPath != "" && capacity == 0 {
		capacity = 100000
	}

	var hookRuntime *hooks.Runtime
	if cfg.Hook.ScriptPath != "" {
		script, err := loadScript(cfg.Hook.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", cfg.ID, err)
		}
		timeout := time.Duration(cfg.Hook.TimeoutSecs * float64(time.Second))
		hookRuntime = hooks.New(cfg.ID, script, timeout, cfg.Hook.AllowNetwork, logger)
	}

	return &Runtime{
		Cfg:        cfg,
		Auth:       authProvider,
		Resilience: wrapper,
		Pagination: engine,
		Dedupe:     dedupe.New(capacity),
		Hooks:      hookRuntime,
	}, nil
}

// Result summarizes one tick's outcome for health reporting.
type Result struct {
	EventsEmitted int
	PagesFetched  int
	LastError     error
	Circuit       resilience.CircuitState
}

// Tick runs a single poll tick for one source.
type Tick struct {
	Runtime *Runtime
	Store   state.Store
	Output  *output.Sink
	Logger  *zap.Logger

	// SourceLabelKey is global.output.source_label_key; empty defaults to
	// "source" at envelope-render time.
	SourceLabelKey string

	// EmitWithoutCheckpoint is global.degradation.emit_without_checkpoint.
	EmitWithoutCheckpoint bool

	// Now is overridable by tests; defaults to time.Now.
	Now func() time.Time
}

func (t *Tick) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Run executes steps 1-7 of spec.md section 4.I.
func (t *Tick) Run(ctx context.Context) Result {
	cfg := t.Runtime.Cfg
	sourceID := cfg.ID
	res := Result{Circuit: t.Runtime.Resilience.CircuitState()}

	tickStart := t.now()
	defer func() { metrics.ObservePollTick(sourceID, t.now().Sub(tickStart)) }()

	if cfg.Resilience.PollTickSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Resilience.PollTickSecs*float64(time.Second)))
		defer cancel()
	}

	// 1. Load state.
	st, err := t.Store.Get(ctx, sourceID)
	if err != nil {
		metrics.IncStateWriteErrors(sourceID)
		res.LastError = herr.New(herr.KindStateWrite, sourceID, fmt.Errorf("load state: %w", err))
		return res
	}
	if st == nil {
		st = map[string]string{}
	}

	// 2. Auth.
	injection, err := t.prepareAuth(ctx, st)
	if err != nil {
		res.LastError = err
		return res
	}

	// 3. Build initial request, resuming pagination from persisted
	// cursor/next_url if a prior tick left one checkpointed.
	var pageState pagination.State
	req, err := t.buildInitialRequest(ctx, st, injection, &pageState)
	if err != nil {
		res.LastError = err
		return res
	}

	hctx := t.hookContext(st, injection)
	hctx.RequestID = uuid.NewString()

	var (
		events       []hooks.Event
		watermarkMax string
		eventsTotal  int
		bytesTotal   int64
		lastErr      error
	)

	for {
		if err := ctx.Err(); err != nil {
			lastErr = herr.New(herr.KindTickDeadlineExceeded, sourceID, err)
			break
		}

		hctx.Pagination = map[string]string{"lastCursor": pageState.LastCursor}

		resp, err := t.Runtime.Resilience.Do(ctx, sourceID, req)
		if err != nil {
			var statusErr *herr.Error
			if errors.As(err, &statusErr) && statusErr.Status == http.StatusUnauthorized {
				t.Runtime.Auth.Invalidate()
			}
			if t.cursorErrorReset(ctx, sourceID, cfg, &pageState, resp, err) {
				// Matches poll.rs's early `return Ok(())`: the reset is
				// already durably written, so no end-of-tick checkpoint
				// runs and this tick's in-progress events are not
				// otherwise committed.
				res.Circuit = t.Runtime.Resilience.CircuitState()
				return res
			}
			lastErr = err
			break
		}
		res.PagesFetched++
		t.Logger.Debug("page fetched", zap.String("source_id", sourceID), zap.Int("status", resp.Status), zap.String("status_class", StatusClass(resp.Status)))

		bytesTotal += int64(len(resp.Body))
		if cfg.MaxBytesPerTick > 0 && bytesTotal > cfg.MaxBytesPerTick {
			break
		}

		parsed, err := parseBody(resp.Body, cfg.OnInvalidJSON)
		if err != nil {
			lastErr = err
			break
		}

		pageRaw, err := t.extractEvents(ctx, hctx, req, resp, parsed)
		if err != nil {
			if cfg.OnParseError == hconfig.OnParseErrorSkip {
				pageRaw = nil
			} else {
				lastErr = err
				break
			}
		}

		for _, raw := range pageRaw {
			env, id, ts, ev, ok := t.buildEnvelope(cfg, req.URL, raw)
			if !ok {
				continue
			}
			if cfg.Dedupe.IDPath != "" && t.Runtime.Dedupe.Seen(id) {
				continue
			}
			if !t.emit(ctx, sourceID, cfg, env) {
				continue
			}
			eventsTotal++
			events = append(events, ev)
			if ts != "" && (watermarkMax == "" || ts > watermarkMax) {
				watermarkMax = ts
			}
		}
		res.EventsEmitted = eventsTotal

		// page_offset stops on the parsed page length, not the post-dedupe
		// emitted count: a full page containing a duplicate would otherwise
		// look short and end pagination early.
		nextReq, stop, err := t.computeNextRequest(ctx, hctx, req, resp, len(pageRaw), &pageState)
		if err != nil {
			lastErr = err
			break
		}

		if cfg.Checkpoint == hconfig.CheckpointPerPage {
			t.checkpointPerPage(ctx, sourceID, cfg, &pageState)
		}

		if stop || nextReq == nil {
			break
		}
		if err := t.Runtime.Resilience.PageDelay(ctx); err != nil {
			lastErr = herr.New(herr.KindTickDeadlineExceeded, sourceID, err)
			break
		}
		req = *nextReq
	}

	res.Circuit = t.Runtime.Resilience.CircuitState()

	if lastErr != nil {
		// Per spec.md section 7: a page error with zero events emitted
		// fails the tick outright; with some events emitted, per_page
		// checkpoints already persisted progress up to the last
		// successful page, and end_of_tick progress is discarded — in
		// neither case does the final (possibly hook-driven) commit run.
		res.LastError = lastErr
		return res
	}

	metrics.IncEventsEmitted(sourceID, eventsTotal)

	if err := t.checkpointFinal(ctx, hctx, sourceID, cfg, &pageState, watermarkMax, events); err != nil {
		res.LastError = err
	}
	return res
}

func (t *Tick) hookContext(st map[string]string, injection auth.Injection) hooks.Context {
	cfg := t.Runtime.Cfg
	hctx := hooks.Context{
		Env:          processEnv(),
		State:        st,
		SourceID:     cfg.ID,
		DefaultSince: cfg.Watermark.From,
		Headers:      cfg.Headers,
	}
	if len(injection.Headers) > 0 {
		merged := make(map[string]string, len(hctx.Headers)+len(injection.Headers))
		for k, v := range hctx.Headers {
			merged[k] = v
		}
		for k, v := range injection.Headers {
			merged[k] = v
		}
		hctx.Headers = merged
	}
	return hctx
}

// processEnv snapshots the process environment as the read-only ctx.env map
// spec.md section 4.F promises hooks: a getAuth hook doing a network login
// (e.g. ctx.env.CLIENT_SECRET) reads it the same way a declarative
// hconfig.Secret{Env: ...} would.
func processEnv() map[string]string {
	entries := os.Environ()
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if k, v, ok := strings.Cut(e, "="); ok {
			out[k] = v
		}
	}
	return out
}

// buildExecutor wires spec.md section 4.K's record/replay into the
// executor chain a source's requests flow through. replay_dir takes
// precedence: a source under replay never touches the network at all.
func buildExecutor(cfg hconfig.SourceConfig) (httpexec.Executor, error) {
	if cfg.ReplayDir != "" {
		return replay.NewPlayer(cfg.ReplayDir), nil
	}
	exec, err := httpexec.New(cfg.Resilience, cfg.UserAgent, cfg.MaxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("build http executor: %w", err)
	}
	if cfg.RecordDir != "" {
		return replay.NewRecorder(exec, cfg.RecordDir), nil
	}
	return exec, nil
}

func loadScript(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read hook script %s: %w", path, err)
	}
	return string(b), nil
}

// jsonClone round-trips v through JSON, used to convert between the `any`
// shapes hooks.Runtime exchanges and the map[string]any this package works
// with internally.
func jsonClone(v any, out any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, out)
}
