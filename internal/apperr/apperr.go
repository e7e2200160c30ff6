// Package apperr defines the error taxonomy returned by the ledger, quota and
// checkout engines. Callers match kinds with errors.As or the Is* helpers.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError rejects an operation before any state changes.
type ValidationError struct {
	Field   string // e.g. "max_listings", "wallet_balance", "bank_details"
	Limit   string // the violated bound, if any
	Message string
}

func (e *ValidationError) Error() string {
	if e.Limit != "" {
		return fmt.Sprintf("validation failed: %s (%s limit %s)", e.Message, e.Field, e.Limit)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// StateError rejects a transition out of a terminal status.
type StateError struct {
	Entity string
	ID     string
	Status string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %s is already %s", e.Entity, e.ID, e.Status)
}

// NotFoundError reports an unknown record id.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ExternalStoreError wraps a failed data store call. The write may or may not
// have happened; callers retry with the same idempotency key.
type ExternalStoreError struct {
	Op  string
	Err error
}

func (e *ExternalStoreError) Error() string {
	return fmt.Sprintf("data store %s: %v", e.Op, e.Err)
}

func (e *ExternalStoreError) Unwrap() error { return e.Err }

// Validation builds a ValidationError without a limit.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// LimitReached builds a ValidationError for an exhausted quota or balance.
func LimitReached(field string, limit any, format string, args ...any) error {
	return &ValidationError{Field: field, Limit: fmt.Sprint(limit), Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// External wraps err as an ExternalStoreError unless it already carries a kind.
func External(op string, err error) error {
	if err == nil || Kind(err) != "" {
		return err
	}
	return &ExternalStoreError{Op: op, Err: err}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsState reports whether err is or wraps a StateError.
func IsState(err error) bool {
	var target *StateError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsExternal reports whether err is or wraps an ExternalStoreError.
func IsExternal(err error) bool {
	var target *ExternalStoreError
	return errors.As(err, &target)
}

// Kind returns a short classification for logs and metrics, or "" for untyped errors.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsState(err):
		return "state"
	case IsNotFound(err):
		return "not_found"
	case IsExternal(err):
		return "external_store"
	default:
		return ""
	}
}

// UserMessage renders err as a short message suitable for a toast.
func UserMessage(err error) string {
	var (
		verr *ValidationError
		serr *StateError
		nerr *NotFoundError
		xerr *ExternalStoreError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		if verr.Limit != "" {
			return fmt.Sprintf("%s (limit: %s)", verr.Message, verr.Limit)
		}
		return verr.Message
	case errors.As(err, &serr):
		return fmt.Sprintf("This %s was already %s.", serr.Entity, serr.Status)
	case errors.As(err, &nerr):
		return fmt.Sprintf("The %s could not be found.", nerr.Entity)
	case errors.As(err, &xerr):
		return "The service is temporarily unavailable. Please try again."
	default:
		return "Something went wrong."
	}
}
