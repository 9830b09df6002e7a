package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a sandbox failure independently of the backend that produced it.
type Kind string

// Error kinds surfaced to callers of the Registry.
const (
	KindUnknownBackend     Kind = "UnknownBackend"
	KindInvalidConfig      Kind = "InvalidConfig"
	KindBackendUnavailable Kind = "BackendUnavailable"
	KindNotFound           Kind = "NotFound"
	KindInvalidState       Kind = "InvalidState"
	KindExecutionTimeout   Kind = "ExecutionTimeout"
	KindPermissionDenied   Kind = "PermissionDenied"
	KindQuotaExceeded      Kind = "QuotaExceeded"
	KindTooLarge           Kind = "TooLarge"
	KindIsADirectory       Kind = "IsADirectory"
)

// Error is the normalized error type returned across the Registry boundary.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error

	// Unrecoverable marks the sandbox as unusable; the Registry moves it to Failed.
	Unrecoverable bool
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnknownBackend     = &Error{Kind: KindUnknownBackend}
	ErrInvalidConfig      = &Error{Kind: KindInvalidConfig}
	ErrBackendUnavailable = &Error{Kind: KindBackendUnavailable}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrExecutionTimeout   = &Error{Kind: KindExecutionTimeout}
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrQuotaExceeded      = &Error{Kind: KindQuotaExceeded}
	ErrTooLarge           = &Error{Kind: KindTooLarge}
	ErrIsADirectory       = &Error{Kind: KindIsADirectory}
)

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

// unrecoverable wraps err so the Registry retires the sandbox.
func unrecoverable(op string, err error) *Error {
	e := Normalize(op, err)
	e.Unrecoverable = true
	return e
}

// Normalize converts err into an *Error. Existing *Error values pass through
// unchanged; deadline expiry becomes ExecutionTimeout; anything else becomes
// BackendUnavailable with the original message preserved.
func Normalize(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Op == "" && op != "" {
			cp := *se
			cp.Op = op
			return &cp
		}
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(KindExecutionTimeout, op, err)
	}
	return wrapError(KindBackendUnavailable, op, err)
}

// KindOf reports the kind of err, or BackendUnavailable for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Normalize("", err).Kind
}

// IsUnrecoverable reports whether err marks its sandbox as unusable.
func IsUnrecoverable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Unrecoverable
}
