// Package apperr defines the error taxonomy shared by the calculation engine
// and the HTTP layer. Callers wrap the sentinels with fmt.Errorf("...: %w")
// and classify with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrValidation marks malformed input: bad dates, missing fields,
	// non-positive quantities, unknown enum values.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks an unknown identifier or missing reference data.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a state transition that is not permitted from the
	// current state, e.g. approving a locate that was already decided.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized marks a missing or invalid bearer token.
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError carries field-level detail for a rejected input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k])
	}
	return strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validation returns a single-field ValidationError.
func Validation(field, message string) error {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// Invalid returns a ValidationError for the given fields, or nil when the
// map is empty so callers can accumulate and return unconditionally.
func Invalid(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// NotFound wraps ErrNotFound with a formatted message.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Conflict wraps ErrConflict with a formatted message.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// FieldErrors extracts the field map from err, if it is (or wraps) a
// ValidationError.
func FieldErrors(err error) map[string]string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}

// Message strips the trailing sentinel text from wrapped errors so clients
// see "locate request x has already been processed" rather than
// "...: conflict".
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, sentinel := range []error{ErrNotFound, ErrConflict, ErrUnauthorized} {
		if errors.Is(err, sentinel) {
			msg = strings.TrimSuffix(msg, ": "+sentinel.Error())
		}
	}
	return msg
}
