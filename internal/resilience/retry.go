package resilience

import (
	"crypto/rand"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/JakeFAU/hel/internal/hconfig"
)

// backoff computes the exponential-backoff-with-jitter delay for the given
// attempt (1-based), per spec.md section 4.D's attempt loop.
func backoff(cfg hconfig.RetryConfig, attempt int) time.Duration {
	base := cfg.InitialBackoffSecs * math.Pow(cfg.Multiplier, float64(attempt-1))
	if base > cfg.MaxBackoffSecs {
		base = cfg.MaxBackoffSecs
	}
	jittered := base * (1 + symmetricJitter(cfg.JitterFraction))
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered * float64(time.Second))
}

// symmetricJitter returns a uniform value in [-j, +j] using crypto/rand,
// matching internal/crawler/retry_policy.go's randomJitter discipline of
// not reaching for math/rand for this kind of timing jitter.
func symmetricJitter(j float64) float64 {
	if j <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0
	}
	u := float64(n.Int64()) / float64(int64(1)<<53) // [0,1)
	return (u*2 - 1) * j
}

// isRetryableStatus treats the entire 5xx class as retryable, per spec.md
// section 4.D's default of "408, 429, 5xx" — an enumerated status list
// can't express "any 5xx" without listing every code in the range (and
// missing the ones nobody thought to add, like 507 or 511). Non-5xx codes
// still go through cfg.RetryableStatusCodes, so 408/429 or any source-added
// code (e.g. a vendor's non-standard 200-with-throttle-header) work as
// configured.
func isRetryableStatus(cfg hconfig.RetryConfig, status int) bool {
	if status >= 500 && status < 600 {
		return true
	}
	for _, c := range cfg.RetryableStatusCodes {
		if c == status {
			return true
		}
	}
	return false
}

// retryAfterOverride computes a delay override from Retry-After or the
// configured reset header, per spec.md's "On retryable failure" step.
// Returns (delay, true) when an override applies.
func retryAfterOverride(cfg hconfig.RetryConfig, headers http.Header, now time.Time) (time.Duration, bool) {
	if !cfg.RespectHeaders {
		return 0, false
	}

	if ra := headers.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return time.Duration(secs) * time.Second, true
		}
		if when, err := http.ParseTime(ra); err == nil {
			if d := when.Sub(now); d > 0 {
				return d, true
			}
			return 0, true
		}
	}

	if cfg.ResetHeaderName != "" {
		if raw := headers.Get(cfg.ResetHeaderName); raw != "" {
			resetAt := parseResetHeader(raw)
			if !resetAt.IsZero() {
				if d := resetAt.Sub(now); d > 0 {
					return d, true
				}
				return 0, true
			}
		}
	}

	return 0, false
}
