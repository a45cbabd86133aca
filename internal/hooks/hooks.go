// Package hooks runs the optional per-source JS scripting layer in a
// sandboxed goja VM: getAuth, buildRequest, parseResponse, getNextPage,
// commitState. Grounded on original_source/src/hooks.rs's Boa-based
// runtime, ported onto goja since that is the pack's JS-in-Go library.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/JakeFAU/hel/internal/herr"
)

// Context is the read-only snapshot passed as ctx to every hook call.
type Context struct {
	Env          map[string]string `json:"env"`
	State        map[string]string `json:"state"`
	RequestID    string             `json:"requestId"`
	SourceID     string             `json:"sourceId"`
	DefaultSince string             `json:"defaultSince,omitempty"`
	Pagination   map[string]string  `json:"pagination,omitempty"`
	Headers      map[string]string  `json:"headers,omitempty"`
}

// Request mirrors the request that was sent, passed to getNextPage.
type Request struct {
	URL  string `json:"url"`
	Body any    `json:"body,omitempty"`
}

// Response mirrors the response passed to parseResponse/getNextPage.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body"`
}

// AuthResult is getAuth's return shape.
type AuthResult struct {
	Headers map[string]string `json:"headers,omitempty"`
	Cookie  string             `json:"cookie,omitempty"`
	Body    any                `json:"body,omitempty"`
	Query   map[string]string  `json:"query,omitempty"`
}

func (a AuthResult) isZero() bool {
	return len(a.Headers) == 0 && a.Cookie == "" && a.Body == nil && len(a.Query) == 0
}

// BuildRequestResult is buildRequest's return shape.
type BuildRequestResult struct {
	URL     string             `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    any                `json:"body,omitempty"`
}

// Event is one element parseResponse returns.
type Event struct {
	TS     string `json:"ts"`
	Source string `json:"source"`
	Event  any    `json:"event"`
	Meta   any    `json:"meta,omitempty"`
}

// NextPageResult is getNextPage's return shape; nil means stop.
type NextPageResult struct {
	URL  string `json:"url,omitempty"`
	Body any    `json:"body,omitempty"`
}

// Runtime runs one source's hook script. A fresh goja VM is created per
// call, matching hooks.rs's run_hook, so hooks cannot leak state between
// calls except through the ctx/events arguments the host passes in.
type Runtime struct {
	script       string
	timeout      time.Duration
	allowNetwork bool
	logger       *zap.Logger
	sourceID     string
}

// New builds a Runtime from already-loaded script source.
func New(sourceID, script string, timeout time.Duration, allowNetwork bool, logger *zap.Logger) *Runtime {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Runtime{script: script, timeout: timeout, allowNetwork: allowNetwork, logger: logger, sourceID: sourceID}
}

// HasFunction reports whether the script defines the named top-level
// function, used by the poll tick to decide whether declarative behavior
// is bypassed for getAuth/buildRequest/getNextPage/parseResponse/commitState.
func (r *Runtime) HasFunction(name string) bool {
	vm := goja.New()
	if _, err := vm.RunString(r.script); err != nil {
		return false
	}
	fn := vm.Get(name)
	return fn != nil && !goja.IsUndefined(fn) && !goja.IsNull(fn)
}

// GetAuth calls getAuth(ctx) if defined.
func (r *Runtime) GetAuth(ctx context.Context, hctx Context) (AuthResult, bool, error) {
	var out AuthResult
	found, err := r.call(ctx, "getAuth", []any{hctx}, &out)
	if err != nil || !found || out.isZero() {
		return AuthResult{}, false, err
	}
	return out, true, nil
}

// BuildRequest calls buildRequest(ctx) if defined.
func (r *Runtime) BuildRequest(ctx context.Context, hctx Context) (BuildRequestResult, bool, error) {
	var out BuildRequestResult
	found, err := r.call(ctx, "buildRequest", []any{hctx}, &out)
	return out, found, err
}

// ParseResponse calls parseResponse(ctx, response) if defined.
func (r *Runtime) ParseResponse(ctx context.Context, hctx Context, resp Response) ([]Event, bool, error) {
	var out []Event
	found, err := r.call(ctx, "parseResponse", []any{hctx, resp}, &out)
	return out, found, err
}

// GetNextPage calls getNextPage(ctx, request, response) if defined.
func (r *Runtime) GetNextPage(ctx context.Context, hctx Context, req Request, resp Response) (*NextPageResult, bool, error) {
	var out *NextPageResult
	found, err := r.call(ctx, "getNextPage", []any{hctx, req, resp}, &out)
	return out, found, err
}

// CommitState calls commitState(ctx, events) if defined.
func (r *Runtime) CommitState(ctx context.Context, hctx Context, events []Event) (map[string]string, bool, error) {
	var out map[string]string
	found, err := r.call(ctx, "commitState", []any{hctx, events}, &out)
	return out, found, err
}

// call evaluates the script fresh, looks up fnName, invokes it with args
// (JSON round-tripped through goja), awaits a returned promise, and
// decodes the result into out. found is false when fnName is not a
// callable global.
func (r *Runtime) call(ctx context.Context, fnName string, args []any, out any) (bool, error) {
	type result struct {
		found bool
		value any
		err   error
	}
	done := make(chan result, 1)

	vm := goja.New()
	timer := time.AfterFunc(r.timeout, func() {
		vm.Interrupt("hook timeout")
	})
	defer timer.Stop()

	go func() {
		vm.Set("console", r.consoleObject(vm))
		if r.allowNetwork {
			vm.Set("fetch", r.fetchFunc(vm))
		}

		if _, err := vm.RunString(r.script); err != nil {
			done <- result{err: fmt.Errorf("evaluate hook script: %w", err)}
			return
		}

		fnVal := vm.Get(fnName)
		if fnVal == nil || goja.IsUndefined(fnVal) || goja.IsNull(fnVal) {
			done <- result{found: false}
			return
		}
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			done <- result{found: false}
			return
		}

		callArgs := make([]goja.Value, len(args))
		for i, a := range args {
			encoded, err := json.Marshal(a)
			if err != nil {
				done <- result{err: fmt.Errorf("marshal hook arg %d: %w", i, err)}
				return
			}
			var decoded any
			if err := json.Unmarshal(encoded, &decoded); err != nil {
				done <- result{err: fmt.Errorf("decode hook arg %d: %w", i, err)}
				return
			}
			callArgs[i] = vm.ToValue(decoded)
		}

		retVal, err := fn(goja.Undefined(), callArgs...)
		if err != nil {
			done <- result{err: fmt.Errorf("hook %s error: %w", fnName, err)}
			return
		}

		retVal = awaitIfPromise(vm, retVal)
		exported := retVal.Export()
		done <- result{found: true, value: exported}
	}()

	select {
	case <-ctx.Done():
		vm.Interrupt("tick cancelled")
		return false, herr.New(herr.KindHookTimeout, r.sourceID, ctx.Err())
	case res := <-done:
		if res.err != nil {
			if strings.Contains(res.err.Error(), "hook timeout") {
				return false, herr.New(herr.KindHookTimeout, r.sourceID, res.err)
			}
			return false, herr.New(herr.KindHookError, r.sourceID, res.err).WithMessage(fmt.Sprintf("hook %s error", fnName))
		}
		if !res.found {
			return false, nil
		}
		if out != nil {
			encoded, err := json.Marshal(res.value)
			if err != nil {
				return true, herr.New(herr.KindHookError, r.sourceID, fmt.Errorf("re-encode hook %s result: %w", fnName, err))
			}
			if err := json.Unmarshal(encoded, out); err != nil {
				return true, herr.New(herr.KindHookError, r.sourceID, fmt.Errorf("decode hook %s result: %w", fnName, err))
			}
		}
		return true, nil
	}
}

// awaitIfPromise blocks on a returned Promise by draining the VM's job
// queue, since goja promises resolve synchronously once their underlying
// job runs.
func awaitIfPromise(vm *goja.Runtime, v goja.Value) goja.Value {
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return v
	}
	for promise.State() == goja.PromiseStatePending {
		if !vm.ExecuteJobs() {
			break
		}
	}
	if promise.State() == goja.PromiseStateFulfilled {
		return vm.ToValue(promise.Result())
	}
	return vm.ToValue(promise.Result())
}

// fetchFunc implements a minimal fetch(url[, options]) Web API, registered
// as a global only when allow_network=true, per spec.md section 4.F.
// Grounded on original_source/src/hooks.rs's BlockingReqwestFetcher: the
// request runs synchronously on the hook's goroutine and is bounded by the
// same timeout as the hook call itself ("subject to hook timeout"), so the
// returned Promise is always already settled by the time script code sees
// it.
func (r *Runtime) fetchFunc(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	client := &http.Client{Timeout: r.timeout}
	return func(call goja.FunctionCall) goja.Value {
		promise, resolve, reject := vm.NewPromise()

		if len(call.Arguments) == 0 {
			reject(vm.ToValue("fetch: url required"))
			return vm.ToValue(promise)
		}
		url := call.Arguments[0].String()

		method := "GET"
		var body io.Reader
		var headers map[string]string
		if len(call.Arguments) > 1 {
			var opts struct {
				Method  string            `json:"method"`
				Body    string            `json:"body"`
				Headers map[string]string `json:"headers"`
			}
			if err := vm.ExportTo(call.Arguments[1], &opts); err == nil {
				if opts.Method != "" {
					method = strings.ToUpper(opts.Method)
				}
				if opts.Body != "" {
					body = strings.NewReader(opts.Body)
				}
				headers = opts.Headers
			}
		}

		req, err := http.NewRequest(method, url, body)
		if err != nil {
			reject(vm.ToValue(err.Error()))
			return vm.ToValue(promise)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			reject(vm.ToValue(err.Error()))
			return vm.ToValue(promise)
		}
		defer resp.Body.Close()
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			reject(vm.ToValue(err.Error()))
			return vm.ToValue(promise)
		}

		respHeaders := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			respHeaders[k] = resp.Header.Get(k)
		}
		bodyText := string(bodyBytes)

		resolve(vm.ToValue(map[string]any{
			"status":  resp.StatusCode,
			"ok":      resp.StatusCode >= 200 && resp.StatusCode < 300,
			"headers": respHeaders,
			"text": func(goja.FunctionCall) goja.Value {
				p, res, _ := vm.NewPromise()
				res(bodyText)
				return vm.ToValue(p)
			},
			"json": func(goja.FunctionCall) goja.Value {
				p, res, rej := vm.NewPromise()
				var decoded any
				if err := json.Unmarshal(bodyBytes, &decoded); err != nil {
					rej(vm.ToValue(err.Error()))
				} else {
					res(decoded)
				}
				return vm.ToValue(p)
			},
		}))
		return vm.ToValue(promise)
	}
}

// consoleObject forwards console.log/info/warn/error to the host logger
// as structured records with a hook_console field, matching hooks.rs's
// TracingLogger.
func (r *Runtime) consoleObject(vm *goja.Runtime) map[string]any {
	forward := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			msg := strings.Join(parts, " ")
			if r.logger == nil {
				return goja.Undefined()
			}
			switch level {
			case "warn":
				r.logger.Warn("hook console", zap.String("hook_console", msg), zap.String("source_id", r.sourceID))
			case "error":
				r.logger.Error("hook console", zap.String("hook_console", msg), zap.String("source_id", r.sourceID))
			default:
				r.logger.Info("hook console", zap.String("hook_console", msg), zap.String("source_id", r.sourceID))
			}
			return goja.Undefined()
		}
	}
	return map[string]any{
		"log":   forward("log"),
		"info":  forward("info"),
		"warn":  forward("warn"),
		"error": forward("error"),
	}
}
