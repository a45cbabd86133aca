// Package herr defines the error taxonomy surfaced to callers (CLI, health,
// logs): config_invalid, network, http_status, auth_failed, circuit_open,
// rate_limited, parse_error, state_write, hook_error, hook_timeout,
// replay_miss, tick_deadline_exceeded, output_write.
package herr

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy values exposed to callers.
type Kind string

// Error kinds from spec.md section 6.
const (
	KindConfigInvalid        Kind = "config_invalid"
	KindNetwork               Kind = "network"
	KindHTTPStatus            Kind = "http_status"
	KindAuthFailed            Kind = "auth_failed"
	KindCircuitOpen           Kind = "circuit_open"
	KindRateLimited           Kind = "rate_limited"
	KindParseError            Kind = "parse_error"
	KindStateWrite            Kind = "state_write"
	KindHookError             Kind = "hook_error"
	KindHookTimeout           Kind = "hook_timeout"
	KindReplayMiss            Kind = "replay_miss"
	KindTickDeadlineExceeded  Kind = "tick_deadline_exceeded"
	KindOutputWrite           Kind = "output_write"
)

// Error carries a kind, the owning source id, an optional HTTP status, and
// the wrapped cause. It satisfies errors.Is/errors.As via Unwrap.
type Error struct {
	Kind     Kind
	SourceID string
	Status   int
	Message  string
	Cause    error
}

// New builds an Error for the given kind and source, wrapping cause.
func New(kind Kind, sourceID string, cause error) *Error {
	return &Error{Kind: kind, SourceID: sourceID, Cause: cause}
}

// WithStatus attaches an HTTP status code and returns the receiver.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithMessage attaches a human message and returns the receiver.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.SourceID == "" {
		if e.Status != 0 {
			return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, msg)
		}
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s[%s] (status %d): %s", e.Kind, e.SourceID, e.Status, msg)
	}
	return fmt.Sprintf("%s[%s]: %s", e.Kind, e.SourceID, msg)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, herr.New(herr.KindCircuitOpen, "", nil)) works as a
// kind-match idiom.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind from err, if err (or something it wraps) is an
// *Error. Returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
