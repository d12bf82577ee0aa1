// Package errors provides the core error taxonomy shared by every
// paperexec component: sentinel errors for the common cases plus typed
// structs for errors that carry structured context.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the shared taxonomy. Components return these
// (or wrap them) rather than ad-hoc strings so callers can switch on
// errors.Is/errors.As across component boundaries.
var (
	ErrValidation            = errors.New("validation failed")
	ErrStaleState            = errors.New("stale state: concurrent modification")
	ErrInsufficientPosition  = errors.New("insufficient position for sell")
	ErrPriceSourceUnavailable = errors.New("price source unavailable")
	ErrStoreError            = errors.New("store error")
	ErrInternal              = errors.New("internal error")
	ErrNotFound              = errors.New("resource not found")
)

// ValidationError carries the field-level detail behind ErrValidation.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// StaleStateError reports an optimistic-concurrency or lattice-transition
// conflict: the caller observed state that has since moved on.
type StaleStateError struct {
	Entity   string
	ID       int64
	Expected string
	Actual   string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("stale state on %s %d: expected %s, found %s", e.Entity, e.ID, e.Expected, e.Actual)
}

func (e *StaleStateError) Unwrap() error { return ErrStaleState }

func NewStaleStateError(entity string, id int64, expected, actual string) *StaleStateError {
	return &StaleStateError{Entity: entity, ID: id, Expected: expected, Actual: actual}
}

// InsufficientPositionError reports a SELL that would exceed the owned
// quantity on a symbol; the order it came from moves to CANCELLED.
type InsufficientPositionError struct {
	Symbol    string
	Owned     string
	Requested string
}

func (e *InsufficientPositionError) Error() string {
	return fmt.Sprintf("insufficient position on %s: owned %s, requested %s", e.Symbol, e.Owned, e.Requested)
}

func (e *InsufficientPositionError) Unwrap() error { return ErrInsufficientPosition }

func NewInsufficientPositionError(symbol, owned, requested string) *InsufficientPositionError {
	return &InsufficientPositionError{Symbol: symbol, Owned: owned, Requested: requested}
}

// StoreError wraps a persistence-layer failure with the operation that
// triggered it. Callers may retry idempotent operations on StoreError.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreError }

func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

// InternalError signals a programming-error-grade fault (lattice
// violation, counter exhaustion): fatal, requires operator attention.
type InternalError struct {
	Component string
	Reason    string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in %s: %s", e.Component, e.Reason)
}

func (e *InternalError) Unwrap() error { return ErrInternal }

func NewInternalError(component, reason string) *InternalError {
	return &InternalError{Component: component, Reason: reason}
}

// Wrap and Wrapf attach context to an error while preserving the chain
// for errors.Is/As.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func Is(err, target error) bool { return errors.Is(err, target) }
func As(err error, target interface{}) bool { return errors.As(err, target) }
