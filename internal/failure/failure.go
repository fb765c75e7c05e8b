// Package failure defines the closed failure taxonomy shared by the answer
// client, the retry policy, and the command layer.
package failure

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry eligibility and user reporting.
type Kind string

const (
	// Transient covers timeouts, dropped connections and remote 5xx.
	// Retried by the retry policy.
	Transient Kind = "transient"
	// RateLimited is a remote 429. Retried, honoring a Retry-After hint.
	RateLimited Kind = "rate_limited"
	// Invalid is a malformed request the remote rejected. Never retried.
	Invalid Kind = "invalid"
	// Fatal covers auth failures and other permanent remote errors. Never retried.
	Fatal Kind = "fatal"
	// Validation is a caller input error caught before any remote call.
	Validation Kind = "validation"
	// Conflict is an expected concurrency outcome (already running, stale
	// complete). Logged at low severity, never shown to users.
	Conflict Kind = "conflict"
	// Storage is a task/stats store I/O failure.
	Storage Kind = "storage"
)

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap classifies an existing error. Returns nil for a nil err.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from err.
//
// A cancelled context means the caller gave up, usually at shutdown; that
// is Conflict, not a remote failure, and must not be retried or counted
// against the remote. Other unclassified errors default to Transient: a
// remote call that failed in an unknown way is worth one more attempt, a
// misclassified permanent failure just burns the remaining attempts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Conflict
	}
	return Transient
}

// Retryable reports whether the retry policy may re-attempt after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, RateLimited:
		return true
	default:
		return false
	}
}

// RetryAfter marks err with an explicit delay hint before the next attempt,
// e.g. from an HTTP Retry-After header. The retry policy respects the hint
// (bounded by its max delay) and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e *retryAfterError) Unwrap() error             { return e.err }
func (e *retryAfterError) RetryAfter() time.Duration { return e.after }

// HintedDelay returns the Retry-After hint attached to err, if any.
func HintedDelay(err error) (time.Duration, bool) {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
