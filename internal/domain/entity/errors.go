package entity

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the stable, machine-readable class of a failure.
type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindBreakerOpen      ErrorKind = "breaker_open"
	KindTransient        ErrorKind = "transient_backend"
	KindValidation       ErrorKind = "validation"
	KindCacheUnavailable ErrorKind = "cache_unavailable"
	KindNotFound         ErrorKind = "not_found"
	KindCanceled         ErrorKind = "canceled"
	KindBackend          ErrorKind = "backend"
	KindInternal         ErrorKind = "internal"
)

// Standard domain errors
var (
	ErrTimeout          = errors.New("operation exceeded its time budget")
	ErrBreakerOpen      = errors.New("service unavailable: circuit breaker is open")
	ErrTransientBackend = errors.New("transient backend failure")
	ErrValidation       = errors.New("invalid request parameters")
	ErrCacheUnavailable = errors.New("cache tier unavailable")
	ErrNotFound         = errors.New("the requested resource was not found")
	ErrCanceled         = errors.New("operation was canceled")
	ErrBackend          = errors.New("backend failure")
	ErrInternal         = errors.New("an internal error occurred")
)

var sentinels = map[ErrorKind]error{
	KindTimeout:          ErrTimeout,
	KindBreakerOpen:      ErrBreakerOpen,
	KindTransient:        ErrTransientBackend,
	KindValidation:       ErrValidation,
	KindCacheUnavailable: ErrCacheUnavailable,
	KindNotFound:         ErrNotFound,
	KindCanceled:         ErrCanceled,
	KindBackend:          ErrBackend,
	KindInternal:         ErrInternal,
}

// Error is the structured error surfaced to callers and attached to failed jobs.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Op      string    `json:"op,omitempty"`
	Cause   error     `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches the sentinel of the error's kind, so errors.Is(err, ErrTimeout) holds
// for any *Error of kind timeout.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// NewError builds a structured error of the given kind.
func NewError(kind ErrorKind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Validationf is a shortcut for ValidationError values raised by pure components.
func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies any error into the taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindInternal
}

// AsError converts err into a structured *Error, keeping an existing one as is.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	kind := KindOf(err)
	return &Error{Kind: kind, Message: err.Error(), Cause: err}
}

// DegradedError reports that the resilience layer substituted a fallback value.
// The accompanying value is usable; Cause tells why the real call did not happen.
type DegradedError struct {
	Backend string
	Cause   error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("degraded result from %s: %v", e.Backend, e.Cause)
}

func (e *DegradedError) Unwrap() error { return e.Cause }

// IsDegraded reports whether err marks a fallback substitution.
func IsDegraded(err error) bool {
	var d *DegradedError
	return errors.As(err, &d)
}
