package shared

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can react to each one distinctly.
type ErrorKind string

const (
	ErrNoContext           ErrorKind = "NO_CONTEXT"
	ErrNoRecentDiagnosis   ErrorKind = "NO_RECENT_DIAGNOSIS"
	ErrButtonExpired       ErrorKind = "BUTTON_EXPIRED"
	ErrSessionExpired      ErrorKind = "SESSION_EXPIRED"
	ErrObjectNotOwned      ErrorKind = "OBJECT_NOT_OWNED"
	ErrObjectNotFound      ErrorKind = "OBJECT_NOT_FOUND"
	ErrPlanGenerationEmpty ErrorKind = "PLAN_GENERATION_EMPTY"
	ErrDataService         ErrorKind = "DATA_SERVICE_ERROR"
)

// Error is an engine error carrying its kind and the operation that produced it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an engine error. err may be nil for pure validation failures.
func NewError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// DataServiceError wraps a downstream failure as DATA_SERVICE_ERROR.
func DataServiceError(op string, err error) error {
	return &Error{Kind: ErrDataService, Op: op, Err: err}
}

// KindOf returns the kind of an engine error, or an empty kind for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
