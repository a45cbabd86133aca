// Package resilience wraps an httpexec.Executor with the rate limiter,
// circuit breaker, and retry loop described in spec.md section 4.D.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/herr"
	"github.com/JakeFAU/hel/internal/httpexec"
	"github.com/JakeFAU/hel/internal/metrics"
)

// circuitStateValue encodes CircuitState for the hel_circuit_state gauge:
// 0=closed, 1=half_open, 2=open, per spec.md section 4.D.
func circuitStateValue(s CircuitState) int {
	switch s {
	case CircuitHalfOpen:
		return 1
	case CircuitOpen:
		return 2
	default:
		return 0
	}
}

// Wrapper implements httpexec.Executor around an inner executor, adding
// rate limiting, circuit breaking, and retries. One Wrapper is owned by a
// single source's runtime and is not shared across sources.
type Wrapper struct {
	inner   httpexec.Executor
	cfg     hconfig.ResilienceConfig
	circuit *circuitBreaker
	gate    *rateGate
}

// New builds a Wrapper around inner for the given source's resilience config.
func New(inner httpexec.Executor, cfg hconfig.ResilienceConfig) *Wrapper {
	return &Wrapper{
		inner:   inner,
		cfg:     cfg,
		circuit: newCircuitBreaker(cfg.CircuitBreaker),
		gate:    newRateGate(cfg.RateLimit),
	}
}

// CircuitState exposes the current circuit state for health reporting.
func (w *Wrapper) CircuitState() CircuitState {
	return w.circuit.State()
}

// PageDelay sleeps the configured inter-page delay; called by the poll
// tick between pages of the same source.
func (w *Wrapper) PageDelay(ctx context.Context) error {
	return w.gate.pageDelay(ctx)
}

// Do runs the full resilience pipeline for one logical request: rate gate,
// circuit check, attempt loop with retries.
func (w *Wrapper) Do(ctx context.Context, sourceID string, req httpexec.Request) (httpexec.Response, error) {
	defer func() { metrics.SetCircuitState(sourceID, circuitStateValue(w.circuit.State())) }()

	now := time.Now()
	if ok, _ := w.circuit.allow(now); !ok {
		return httpexec.Response{}, herr.New(herr.KindCircuitOpen, sourceID, fmt.Errorf("circuit open"))
	}

	maxAttempts := w.cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return httpexec.Response{}, herr.New(herr.KindTickDeadlineExceeded, sourceID, err)
		}

		if err := w.gate.wait(ctx); err != nil {
			return httpexec.Response{}, classifyWaitErr(sourceID, err)
		}

		attemptStart := time.Now()
		resp, err := w.inner.Do(ctx, sourceID, req)
		if err == nil {
			metrics.ObserveRequest(sourceID, httpexec.StatusClass(resp.Status), time.Since(attemptStart))
			w.gate.observe(resp.Headers)
			w.circuit.recordSuccess()
			return resp, nil
		}

		lastErr = err
		status, isHTTPStatus := statusOf(err)
		if isHTTPStatus {
			metrics.ObserveRequest(sourceID, httpexec.StatusClass(status), time.Since(attemptStart))
		}

		retryable := isRetryable(err, w.cfg.Retry, status, isHTTPStatus)
		if !retryable {
			w.circuit.recordFailure(time.Now())
			return resp, err
		}

		w.circuit.recordFailure(time.Now())

		if attempt == maxAttempts {
			break
		}

		metrics.IncRetries(sourceID)
		delay := backoff(w.cfg.Retry, attempt)
		if isHTTPStatus {
			if override, ok := retryAfterOverride(w.cfg.Retry, resp.Headers, time.Now()); ok {
				delay = override
			}
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return httpexec.Response{}, herr.New(herr.KindTickDeadlineExceeded, sourceID, ctx.Err())
		case <-t.C:
		}
	}

	return httpexec.Response{}, lastErr
}

func classifyWaitErr(sourceID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return herr.New(herr.KindTickDeadlineExceeded, sourceID, err)
	}
	return herr.New(herr.KindRateLimited, sourceID, err)
}

func statusOf(err error) (int, bool) {
	var e *herr.Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status, true
	}
	return 0, false
}

func isRetryable(err error, cfg hconfig.RetryConfig, status int, isHTTPStatus bool) bool {
	kind, ok := herr.KindOf(err)
	if !ok {
		return false
	}
	if kind == herr.KindNetwork {
		return true
	}
	if kind == herr.KindHTTPStatus && isHTTPStatus {
		return isRetryableStatus(cfg, status)
	}
	return false
}
