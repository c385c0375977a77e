// Package apperr defines the error taxonomy surfaced synchronously to callers
// of enqueue, ingest and lifecycle requests.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the caller.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
)

// Reason refines a conflict.
type Reason string

const (
	ReasonDuplicateIntent   Reason = "duplicate_intent"
	ReasonInvalidTransition Reason = "invalid_transition"
	// ReasonStaleDelivery: a job transition was attempted by a delivery that no
	// longer owns the job (another worker reclaimed it).
	ReasonStaleDelivery Reason = "stale_delivery"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Validation builds a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a not-found error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a conflict error with the given reason.
func Conflict(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsConflict reports whether err is a conflict with the given reason.
// An empty reason matches any conflict.
func IsConflict(err error, reason Reason) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindConflict {
		return false
	}
	return reason == "" || e.Reason == reason
}

// ReasonOf returns the conflict reason of err, or "".
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
