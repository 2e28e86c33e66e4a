// Package apperr defines the error taxonomy shared by every layer: services
// return *Error values and the transports translate the Kind into a status.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error so transports can map it without string matching.
type Kind string

const (
	KindValidation      Kind = "VALIDATION"
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindAuthorization   Kind = "PERMISSION_DENIED"
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindUnavailable     Kind = "UNAVAILABLE"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindInternal        Kind = "INTERNAL"
)

// Error is a classified application error. Reason carries a machine readable
// detail (for example the ledger verifier's rejection reason).
type Error struct {
	Kind       Kind
	Message    string
	Reason     string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithReason returns an error of the given kind carrying a reason code.
func WithReason(kind Kind, message, reason string) *Error {
	return &Error{Kind: kind, Message: message, Reason: reason}
}

func Validation(msg string) error      { return New(KindValidation, msg) }
func Unauthenticated(msg string) error { return New(KindUnauthenticated, msg) }
func Forbidden(msg string) error       { return New(KindAuthorization, msg) }
func NotFound(msg string) error        { return New(KindNotFound, msg) }
func Conflict(msg string) error        { return New(KindConflict, msg) }

func Unavailable(msg string, cause error) error { return Wrap(KindUnavailable, msg, cause) }
func Internal(msg string, cause error) error    { return Wrap(KindInternal, msg, cause) }

// RateLimited always carries a retry-after hint.
func RateLimited(retryAfter time.Duration) error {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err; unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
