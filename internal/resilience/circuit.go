package resilience

import (
	"sync"
	"time"

	"github.com/JakeFAU/hel/internal/hconfig"
)

// CircuitState is one of the three states in the DAG closed -> open ->
// half_open -> {closed | open}; no other transitions are reachable.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// circuitBreaker is owned exclusively by one source's runtime; it is never
// shared across sources per spec.md section 5.
type circuitBreaker struct {
	cfg hconfig.CircuitBreakerConfig

	mu                sync.Mutex
	state             CircuitState
	consecutiveFail   int
	halfOpenSuccesses int
	openedAt          time.Time

	window []bool // recent outcomes, true=success, for failure_rate_threshold
}

func newCircuitBreaker(cfg hconfig.CircuitBreakerConfig) *circuitBreaker {
	return &circuitBreaker{cfg: cfg, state: CircuitClosed}
}

// allow reports whether a request may proceed, transitioning open->half_open
// once the open duration has elapsed (single probe).
func (c *circuitBreaker) allow(now time.Time) (bool, CircuitState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitOpen:
		if now.Sub(c.openedAt) >= c.cfg.OpenDuration() {
			c.state = CircuitHalfOpen
			c.halfOpenSuccesses = 0
			return true, c.state
		}
		return false, c.state
	default:
		return true, c.state
	}
}

// recordSuccess closes the circuit after success_threshold consecutive
// half-open successes, or resets the consecutive-failure count when already
// closed.
func (c *circuitBreaker) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pushWindow(true)
	switch c.state {
	case CircuitHalfOpen:
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= max(1, c.cfg.SuccessThreshold) {
			c.state = CircuitClosed
			c.consecutiveFail = 0
		}
	case CircuitClosed:
		c.consecutiveFail = 0
	}
}

// recordFailure tracks consecutive failures and the failure-rate window,
// opening the circuit per spec.md section 4.D's Circuit Update rule.
func (c *circuitBreaker) recordFailure(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pushWindow(false)
	c.consecutiveFail++

	if c.state == CircuitHalfOpen {
		c.open(now)
		return
	}
	if c.cfg.FailureThreshold > 0 && c.consecutiveFail >= c.cfg.FailureThreshold {
		c.open(now)
		return
	}
	if c.cfg.FailureRateThreshold > 0 && c.cfg.MinimumRequests > 0 && len(c.window) >= c.cfg.MinimumRequests {
		if c.failureRate() >= c.cfg.FailureRateThreshold {
			c.open(now)
		}
	}
}

func (c *circuitBreaker) open(now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
}

func (c *circuitBreaker) pushWindow(success bool) {
	if c.cfg.MinimumRequests <= 0 {
		return
	}
	c.window = append(c.window, success)
	if len(c.window) > c.cfg.MinimumRequests {
		c.window = c.window[len(c.window)-c.cfg.MinimumRequests:]
	}
}

func (c *circuitBreaker) failureRate() float64 {
	if len(c.window) == 0 {
		return 0
	}
	fails := 0
	for _, ok := range c.window {
		if !ok {
			fails++
		}
	}
	return float64(fails) / float64(len(c.window))
}

func (c *circuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
