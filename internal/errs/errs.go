// Package errs defines the tagged error vocabulary shared across the
// meridian runtime. Every public operation either succeeds with a
// well-typed result or returns an *Error carrying a stable kind, a
// human-readable message, an optional wrapped cause, and an optional
// retry-after hint, the same way sqlerrors.go centralizes SQL error
// classification for the storage layer, generalized to the whole runtime.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorizes an Error into one of a small set of buckets. The
// category determines who is allowed to retry and under what policy.
type Kind int

const (
	// KindUnknown is the zero value. KindOf reports it for errors that
	// are not an *Error, and the runtime tags failures with it when no
	// more specific kind applies (an untagged handler error, a handler
	// panic, a mailbox post failure).
	KindUnknown Kind = iota

	// Transient kinds: the client gateway may retry these within its
	// budget.
	KindUnreachable
	KindTimeout
	KindNotOwner
	KindRingRefreshNeeded
	KindThrottled

	// Permanent kinds: retrying the identical request will not help.
	KindNotFound
	KindMarshallingFailed
	KindUnsupportedMethod
	KindReentrancy
	KindConcurrencyConflict
	KindSupervisionTerminated

	// Fatal kinds: something is structurally wrong; the silo should not
	// paper over these.
	KindStoreCorrupted
	KindCodecMismatch

	// KindCancelled is returned when an operation's context was
	// cancelled or its deadline expired while in flight.
	KindCancelled
)

// String implements fmt.Stringer for readable log lines.
func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindNotOwner:
		return "not-owner"
	case KindRingRefreshNeeded:
		return "ring-refresh-needed"
	case KindThrottled:
		return "throttled"
	case KindNotFound:
		return "not-found"
	case KindMarshallingFailed:
		return "marshalling-failed"
	case KindUnsupportedMethod:
		return "unsupported-method"
	case KindReentrancy:
		return "reentrancy"
	case KindConcurrencyConflict:
		return "concurrency-conflict"
	case KindSupervisionTerminated:
		return "supervision-terminated"
	case KindStoreCorrupted:
		return "store-corrupted"
	case KindCodecMismatch:
		return "codec-mismatch"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Transient reports whether the client gateway is allowed to retry an error
// of this kind, within its bounded retry budget.
func (k Kind) Transient() bool {
	switch k {
	case KindUnreachable, KindTimeout, KindNotOwner,
		KindRingRefreshNeeded, KindThrottled:
		return true
	default:
		return false
	}
}

// Error is the tagged error value returned by every public meridian
// operation that fails. It is always obtained via one of the New*
// constructors below, never constructed as a bare struct literal outside
// this package, so that Kind is always set meaningfully.
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind, preserving cause as the
// underlying error so callers can still errors.As into it.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// WithRetryAfter returns a copy of e annotated with a retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// Is reports whether err is a *Error of the given kind. This lets call
// sites write errs.Is(err, errs.KindNotOwner) instead of a type assertion.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
