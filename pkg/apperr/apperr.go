// Package apperr holds the error taxonomy returned by the progression engine and its
// collaborators.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindNotFound              Kind = "not_found"
	KindAccessDenied          Kind = "access_denied"
	KindConflict              Kind = "conflict"
	KindValidation            Kind = "validation_failure"
	KindDependencyUnavailable Kind = "dependency_unavailable"
)

// Reason is the machine-readable cause of an AccessDenied error.
type Reason string

const (
	ReasonNotYetUnlocked         Reason = "not-yet-unlocked"
	ReasonPrerequisiteIncomplete Reason = "prerequisite-incomplete"
	ReasonConditionNotMet        Reason = "condition-not-met"
	ReasonSequenceExited         Reason = "sequence-exited"
)

type Error struct {
	Kind     Kind
	Reason   Reason
	UnlockAt *time.Time
	Message  string
	Err      error
}

var (
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrAccessDenied          = &Error{Kind: KindAccessDenied}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrValidation            = &Error{Kind: KindValidation}
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable}
)

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += ": " + string(e.Reason)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, and on reason when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Denied(reason Reason, unlockAt *time.Time) *Error {
	return &Error{Kind: KindAccessDenied, Reason: reason, UnlockAt: unlockAt}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindDependencyUnavailable, Message: op, Err: err}
}

func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

func ReasonOf(err error) Reason {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Reason
	}
	return ""
}
