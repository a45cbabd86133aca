package resilience

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/hel/internal/hconfig"
)

// rateGate wraps a token bucket limiter plus the most recently observed
// remaining/reset values from response headers, owned by one source per
// spec.md section 3's Rate-Limit State.
type rateGate struct {
	cfg hconfig.RateLimitConfig

	limiter *rate.Limiter

	mu        sync.Mutex
	remaining int64
	resetAt   time.Time
}

func newRateGate(cfg hconfig.RateLimitConfig) *rateGate {
	g := &rateGate{cfg: cfg, remaining: -1}
	if cfg.MaxRequestsPerSecond > 0 {
		burst := cfg.BurstSize
		if burst <= 0 {
			burst = int(math.Ceil(cfg.MaxRequestsPerSecond))
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), burst)
	}
	return g
}

// wait blocks until a token is available, additionally sleeping until the
// observed reset time when adaptive=true and remaining<=1.
func (g *rateGate) wait(ctx context.Context) error {
	if g.cfg.Adaptive {
		g.mu.Lock()
		remaining, resetAt := g.remaining, g.resetAt
		g.mu.Unlock()
		if remaining >= 0 && remaining <= 1 && !resetAt.IsZero() {
			if d := time.Until(resetAt); d > 0 {
				t := time.NewTimer(d)
				defer t.Stop()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-t.C:
				}
			}
		}
	}

	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

// pageDelay sleeps page_delay_secs between pages of the same tick.
func (g *rateGate) pageDelay(ctx context.Context) error {
	if g.cfg.PageDelaySecs <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(g.cfg.PageDelaySecs * float64(time.Second)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// observe records remaining/reset from response headers, used by the
// adaptive wait above. The X-RateLimit-Limit header is not read.
func (g *rateGate) observe(headers http.Header) {
	remaining, ok := parseInt64(headers.Get("X-RateLimit-Remaining"))
	if !ok {
		return
	}
	resetAt := parseResetHeader(headers.Get("X-RateLimit-Reset"))

	g.mu.Lock()
	g.remaining = remaining
	if !resetAt.IsZero() {
		g.resetAt = resetAt
	}
	g.mu.Unlock()
}

func parseInt64(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseResetHeader accepts either a Unix timestamp or a relative seconds
// count, the two shapes real APIs use for rate-limit reset headers.
func parseResetHeader(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	if v > 1_000_000_000 {
		return time.Unix(v, 0)
	}
	return time.Now().Add(time.Duration(v) * time.Second)
}
