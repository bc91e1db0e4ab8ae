package utils

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures so the transport layer can map them without string matching.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindForbidden     ErrorKind = "forbidden"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindRateLimited   ErrorKind = "rate_limited"
	KindTransient     ErrorKind = "transient"
	KindRemediation   ErrorKind = "remediation"
	KindInternal      ErrorKind = "internal"
)

// Retryable reports whether a caller may try the same request again later.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited || k == KindConflict
}

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error

	// RetryAfter is set for rate-limited and transient failures when known.
	RetryAfter time.Duration
	// Details carries machine-readable context (limit, window, ...).
	Details map[string]any
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an internal AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Kind: KindInternal, Op: op, Msg: msg, Err: err}
}

// NewKindError constructs an AppError of the given kind.
func NewKindError(kind ErrorKind, op, msg string, err error) *AppError {
	return &AppError{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Validation builds a validation error.
func Validation(op, msg string) error {
	return NewKindError(KindValidation, op, msg, nil)
}

// Unauthorized builds an authorization error.
func Unauthorized(op, msg string) error {
	return NewKindError(KindAuthorization, op, msg, nil)
}

// Forbidden builds an error for authenticated callers outside their scope.
func Forbidden(op, msg string) error {
	return NewKindError(KindForbidden, op, msg, nil)
}

// NotFound builds a not-found error.
func NotFound(op, msg string) error {
	return NewKindError(KindNotFound, op, msg, nil)
}

// Transient wraps an infrastructure failure that should be retried later.
func Transient(op, msg string, err error) error {
	return NewKindError(KindTransient, op, msg, err)
}

// KindOf extracts the ErrorKind of err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// AsAppError returns the first AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}
