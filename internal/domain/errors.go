package domain

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrNotFound is returned by repositories when no row matches.
var ErrNotFound = errors.New("not found")

// ErrDisabled reports a capability switched off by configuration.
var ErrDisabled = errors.New("disabled")

// MaxErrorMessageLen caps error text stored on records.
const MaxErrorMessageLen = 2000

// ExtractionErrorKind classifies extraction failures.
type ExtractionErrorKind string

const (
	ExtractionUnavailable    ExtractionErrorKind = "unavailable"
	ExtractionMalformed      ExtractionErrorKind = "malformed"
	ExtractionSchemaRejected ExtractionErrorKind = "schema_rejected"
)

// ExtractionError is returned by the extraction client once it gives up.
type ExtractionError struct {
	Kind     ExtractionErrorKind
	Attempts int
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ValidationErrorKind classifies structural problems in extracted data.
type ValidationErrorKind string

const (
	MissingRequiredField ValidationErrorKind = "missing_required_field"
	OutOfRangeValue      ValidationErrorKind = "out_of_range_value"
)

// ValidationError describes a field that is absent or outside its allowed range.
type ValidationError struct {
	Kind   ValidationErrorKind
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Field)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Detail)
}

// PersistenceErrorKind classifies storage failures.
type PersistenceErrorKind string

const (
	ConstraintViolation    PersistenceErrorKind = "constraint_violation"
	PersistenceUnavailable PersistenceErrorKind = "unavailable"
)

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	Kind PersistenceErrorKind
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsConstraintViolation reports whether err is a uniqueness violation from storage.
func IsConstraintViolation(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Kind == ConstraintViolation
}

// IsUnavailable reports whether err is a transient storage outage.
func IsUnavailable(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Kind == PersistenceUnavailable
}

// TruncateError renders err for storage on a record.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > MaxErrorMessageLen {
		cut := MaxErrorMessageLen
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
