// Package errdefs defines the error taxonomy shared across Scotty.
//
// Every component returns errors classified into one of the kinds below;
// the HTTP boundary maps kinds to status codes in exactly one place.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping and logging.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindInvalidInput
	KindUnauthorized
	KindForbidden
	KindUpstream
	KindTimeout
	KindQuota
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid_input"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindUpstream:
		return "upstream_failure"
	case KindTimeout:
		return "timeout"
	case KindQuota:
		return "quota_exceeded"
	default:
		return "internal"
	}
}

// Error is a kinded error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error without a cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a kinded error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Convenience constructors used throughout the codebase.

func NotFound(format string, args ...any) error {
	return Newf(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) error {
	return Newf(KindConflict, format, args...)
}

func InvalidInput(format string, args ...any) error {
	return Newf(KindInvalidInput, format, args...)
}

func Unauthorized(format string, args ...any) error {
	return Newf(KindUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) error {
	return Newf(KindForbidden, format, args...)
}

func Upstream(err error, format string, args ...any) error {
	return &Error{Kind: KindUpstream, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Timeout(format string, args ...any) error {
	return Newf(KindTimeout, format, args...)
}

func Quota(format string, args ...any) error {
	return Newf(KindQuota, format, args...)
}

func Internal(err error, format string, args ...any) error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}
