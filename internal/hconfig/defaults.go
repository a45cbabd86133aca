package hconfig

import "math"

// ApplyDefaults fills in zero-valued fields with the values spec.md
// documents inline (default rel="next", dedupe capacity 100000, retry
// backoff schedule, etc). Called once per source after unmarshal, since
// viper defaults don't reach into unmarshalled struct slices reliably
// for nested per-source maps.
func (s *SourceConfig) ApplyDefaults() {
	if s.Method == "" {
		s.Method = "GET"
	}
	if s.Checkpoint == "" {
		s.Checkpoint = CheckpointEndOfTick
	}
	if s.OnParseError == "" {
		s.OnParseError = OnParseErrorFail
	}
	if s.OnLineTooLarge == "" {
		s.OnLineTooLarge = OnLineSkip
	}
	if s.MaxResponseBytes == 0 {
		s.MaxResponseBytes = 50 * 1024 * 1024
	}
	if s.MaxLineBytes == 0 {
		s.MaxLineBytes = 1024 * 1024
	}
	if s.SourceLabelValue == "" {
		s.SourceLabelValue = s.ID
	}

	if s.Auth.TokenPrefix == "" {
		s.Auth.TokenPrefix = "Bearer"
	}

	switch s.Pagination.Type {
	case PaginationLinkHeader:
		if s.Pagination.Rel == "" {
			s.Pagination.Rel = "next"
		}
	case PaginationCursor:
		if s.Pagination.CursorParam == "" {
			s.Pagination.CursorParam = "cursor"
		}
		if s.Pagination.OnCursorError == "" {
			s.Pagination.OnCursorError = OnCursorErrorFail
		}
	case PaginationPageOffset:
		if s.Pagination.PageParam == "" {
			s.Pagination.PageParam = "page"
		}
		if s.Pagination.LimitParam == "" {
			s.Pagination.LimitParam = "limit"
		}
	}
	if s.Pagination.MaxPages == 0 {
		s.Pagination.MaxPages = 1000
	}

	if s.Dedupe.Capacity == 0 {
		s.Dedupe.Capacity = 100000
	}

	r := &s.Resilience
	if r.Timeouts.ConnectSecs == 0 {
		r.Timeouts.ConnectSecs = math.Min(10, nonZero(r.Timeouts.RequestSecs, 30))
	}
	if r.Timeouts.ReadSecs == 0 {
		r.Timeouts.ReadSecs = 30
	}
	if r.Timeouts.RequestSecs == 0 {
		r.Timeouts.RequestSecs = 30
	}
	if r.Timeouts.IdleSecs == 0 {
		r.Timeouts.IdleSecs = 90
	}
	if r.PollTickSecs == 0 {
		r.PollTickSecs = 300
	}
	if r.TLS.MinVersion == "" {
		r.TLS.MinVersion = "1.2"
	}
	if r.RateLimit.BurstSize == 0 && r.RateLimit.MaxRequestsPerSecond > 0 {
		r.RateLimit.BurstSize = int(math.Ceil(r.RateLimit.MaxRequestsPerSecond))
	}
	if r.CircuitBreaker.FailureThreshold == 0 {
		r.CircuitBreaker.FailureThreshold = 5
	}
	if r.CircuitBreaker.SuccessThreshold == 0 {
		r.CircuitBreaker.SuccessThreshold = 1
	}
	if r.CircuitBreaker.HalfOpenTimeoutSecs == 0 {
		r.CircuitBreaker.HalfOpenTimeoutSecs = 30
	}
	if r.Retry.MaxAttempts == 0 {
		r.Retry.MaxAttempts = 3
	}
	if r.Retry.InitialBackoffSecs == 0 {
		r.Retry.InitialBackoffSecs = 0.25
	}
	if r.Retry.MaxBackoffSecs == 0 {
		r.Retry.MaxBackoffSecs = 5
	}
	if r.Retry.Multiplier == 0 {
		r.Retry.Multiplier = 2
	}
	if r.Retry.JitterFraction == 0 {
		r.Retry.JitterFraction = 0.2
	}
	if len(r.Retry.RetryableStatusCodes) == 0 {
		// 5xx is always retryable regardless of this list (see
		// resilience.isRetryableStatus); these are the non-5xx codes
		// spec.md section 4.D's default calls out by number.
		r.Retry.RetryableStatusCodes = []int{408, 429}
	}
	if r.Retry.ResetHeaderName == "" {
		r.Retry.ResetHeaderName = "X-RateLimit-Reset"
	}
}

func nonZero(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}
