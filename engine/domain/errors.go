package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the stores and pipelines.
var (
	ErrConstraintViolation = errors.New("constraint violation")
	ErrDimensionMismatch   = errors.New("dimension mismatch")
	ErrDuplicateKey        = errors.New("duplicate key")
	ErrNotFound            = errors.New("not found")
	ErrResetNotConfirmed   = errors.New("reset not confirmed")
	ErrNoResults           = errors.New("no results")

	ErrInvalidHash    = errors.New("invalid content hash")
	ErrEmptyCaption   = errors.New("empty caption")
	ErrEmptyPrompt    = errors.New("empty prompt")
	ErrEmptyPath      = errors.New("empty source path")
	ErrEmptyEmbedding = errors.New("empty embedding")
	ErrFieldTooLong   = errors.New("field too long")
	ErrInvalidText    = errors.New("invalid utf-8 text")
	ErrNonFinite      = errors.New("non-finite embedding value")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// DimensionError reports an embedding of the wrong length. It matches
// ErrDimensionMismatch under errors.Is.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: want %d, got %d", ErrDimensionMismatch, e.Want, e.Got)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// IsValidation reports whether err is a record that failed validation, as
// opposed to a store or transport failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrDimensionMismatch)
}
