package polltick

import (
	"context"
	"encoding/json"

	"github.com/JakeFAU/hel/internal/auth"
	"github.com/JakeFAU/hel/internal/hconfig"
	"github.com/JakeFAU/hel/internal/hooks"
	"github.com/JakeFAU/hel/internal/httpexec"
	"github.com/JakeFAU/hel/internal/metrics"
	"github.com/JakeFAU/hel/internal/pagination"
)

// prepareAuth obtains the Auth Injection for this tick, preferring a
// getAuth hook over declarative auth when the hook sets any field, per
// spec.md section 4.F's hook-override rule.
func (t *Tick) prepareAuth(ctx context.Context, st map[string]string) (auth.Injection, error) {
	if t.Runtime.Hooks != nil && t.Runtime.Hooks.HasFunction("getAuth") {
		hctx := hooks.Context{Env: processEnv(), State: st, SourceID: t.Runtime.Cfg.ID, DefaultSince: t.Runtime.Cfg.Watermark.From}
		result, found, err := t.Runtime.Hooks.GetAuth(ctx, hctx)
		if err != nil {
			metrics.IncHookErrors(t.Runtime.Cfg.ID, "getAuth")
			return auth.Injection{}, err
		}
		if found {
			var bodyFragment map[string]any
			if result.Body != nil {
				_ = jsonClone(result.Body, &bodyFragment)
			}
			return auth.Injection{Headers: result.Headers, Cookie: result.Cookie, Query: result.Query, BodyFragment: bodyFragment}, nil
		}
	}
	return t.Runtime.Auth.Prepare(ctx, t.Runtime.Cfg.Method, t.Runtime.Cfg.URL)
}

// buildInitialRequest assembles the first request of the tick: config
// headers/body, the Auth Injection, first-request watermark/from query
// injection, then an optional buildRequest hook override, then (last, so it
// wins) a resume from any cursor/next_url a prior tick checkpointed. Ported
// from original_source/src/poll.rs's url_with_first_request_params plus its
// header/body assembly inlined in each poll_* function; the resume step
// mirrors poll_link_header/poll_cursor_pagination reading their durable
// state key before building the first request.
func (t *Tick) buildInitialRequest(ctx context.Context, st map[string]string, injection auth.Injection, pageState *pagination.State) (httpexec.Request, error) {
	cfg := t.Runtime.Cfg

	headers := make(map[string]string, len(cfg.Headers)+len(injection.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	for k, v := range injection.Headers {
		headers[k] = v
	}
	if injection.Cookie != "" {
		headers["Cookie"] = injection.Cookie
	}

	query := make(map[string]string, len(injection.Query)+1)
	for k, v := range injection.Query {
		query[k] = v
	}
	firstRequestQuery(cfg, st, query)

	var body map[string]any
	if cfg.Method == "POST" {
		body = make(map[string]any, len(cfg.Body)+len(injection.BodyFragment))
		for k, v := range cfg.Body {
			body[k] = v
		}
		for k, v := range injection.BodyFragment {
			body[k] = v
		}
	}

	req := httpexec.Request{Method: cfg.Method, URL: cfg.URL, Headers: headers, Query: query}

	if t.Runtime.Hooks != nil && t.Runtime.Hooks.HasFunction("buildRequest") {
		hctx := t.hookContext(st, injection)
		override, found, err := t.Runtime.Hooks.BuildRequest(ctx, hctx)
		if err != nil {
			metrics.IncHookErrors(cfg.ID, "buildRequest")
			return httpexec.Request{}, err
		}
		if found {
			if override.URL != "" {
				req.URL = override.URL
			}
			for k, v := range override.Headers {
				req.Headers[k] = v
			}
			for k, v := range override.Query {
				req.Query[k] = v
			}
			if override.Body != nil {
				_ = jsonClone(override.Body, &body)
			}
		}
	}

	if cfg.Method == "POST" && body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return httpexec.Request{}, err
		}
		req.Body = encoded
	}

	if seeder, ok := t.Runtime.Pagination.(pagination.Seeder); ok {
		if seeded, found := seeder.Seed(req, st, pageState); found {
			req = seeded
		}
	}
	return req, nil
}

// firstRequestQuery injects the source's watermark/from value into query
// under the watermark field's own name, once. hconfig.WatermarkConfig
// unifies what poll.rs treats as three separate mechanisms (watermark
// state, incremental_from state, and a bare from/from_param); see
// DESIGN.md for that simplification.
func firstRequestQuery(cfg hconfig.SourceConfig, st map[string]string, query map[string]string) {
	field := cfg.Watermark.WatermarkField
	if field == "" {
		return
	}
	value := st[field]
	if value == "" {
		value = cfg.Watermark.From
	}
	if value != "" {
		query[field] = value
	}
}
