// Package errs defines the error taxonomy shared by the sync core.
//
// Every failure that crosses a package boundary is classified into a Kind so
// that callers (the orchestrator, the job runner, the ops surface) can decide
// uniformly whether to retry, wait, re-authenticate, or surface the error.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a failure for retry and surfacing decisions.
type Kind string

const (
	// Transient failures may succeed if retried: timeouts, 5xx responses,
	// connection resets.
	Transient Kind = "transient"

	// RateLimited failures must wait for the provider's window before any
	// retry. RetryAfter carries the server hint when one was given.
	RateLimited Kind = "rate-limited"

	// TokenInvalid means the access token was rejected. One forced refresh
	// and re-issue is allowed before escalating.
	TokenInvalid Kind = "token-invalid"

	// CredentialsUnavailable means no usable credentials exist for the
	// tenant. Not retryable until the tenant reconnects.
	CredentialsUnavailable Kind = "credentials-unavailable"

	// Validation means the request or payload was malformed before or after
	// the wire. Never retryable.
	Validation Kind = "validation"

	// InvariantViolation means a caller broke an internal contract, e.g. a
	// store call without a tenant scope. Never retryable; a bug.
	InvariantViolation Kind = "invariant-violation"

	// Cancelled means the caller's context ended the operation.
	Cancelled Kind = "cancelled"

	// Permanent covers everything the system knows will not succeed on
	// retry: 4xx responses, unknown entities, terminal provider faults.
	Permanent Kind = "permanent"
)

// Error carries a classified failure across package boundaries.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "ledgerapi.query_bills"
	Err  error  // underlying cause, may be nil

	// RetryAfter is the provider-mandated wait for rate-limited failures.
	// Zero when the provider gave no hint.
	RetryAfter time.Duration

	// Status is the upstream HTTP status when the failure came off the
	// wire, zero otherwise.
	Status int
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a static message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Errorf returns a classified error with a formatted message. The %w verb
// wraps a cause as usual.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err under the given kind and operation. Returns nil if err
// is nil. If err is already an *Error of the same kind, the original is kept
// as the cause so RetryAfter and Status survive.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// RateLimitedAfter returns a rate-limited error carrying the provider's wait
// hint.
func RateLimitedAfter(op string, wait time.Duration, err error) error {
	return &Error{Kind: RateLimited, Op: op, Err: err, RetryAfter: wait}
}

// KindOf reports the classification of err. Unclassified errors map to
// Permanent, except context cancellation and network timeouts which carry
// their natural kinds.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient
	}
	return Permanent
}

// Is makes errors.Is(err, errs.New(kind, ...)) style comparisons work on the
// kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err belongs to a class the retry loop may try
// again: transient and rate-limited failures. Token-invalid failures have
// their own single forced-refresh rule and are not reported here.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, RateLimited:
		return true
	}
	return false
}

// RetryAfterOf extracts the provider wait hint from err, zero when absent.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// StatusOf extracts the upstream HTTP status from err, zero when absent.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
