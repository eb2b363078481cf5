package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("telemetry: validation failed")
	// ErrStore matches every StoreError.
	ErrStore = errors.New("telemetry: store unavailable")
	// ErrNotFound indicates a missing record.
	ErrNotFound = errors.New("telemetry: not found")
	// ErrInvalidResolution is returned for unsupported granularities.
	ErrInvalidResolution = errors.New("telemetry: invalid granularity")
)

// ValidationError rejects one malformed or out-of-range ingestion payload.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return "validation: " + e.Field + ": " + e.Reason
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StoreError wraps a storage failure for one operation.
type StoreError struct {
	Op  string
	Err error
}

// WrapStore returns nil for a nil err.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string { return "store " + e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStore) true.
func (e *StoreError) Is(target error) bool { return target == ErrStore }
