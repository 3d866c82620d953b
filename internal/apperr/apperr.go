// Package apperr holds the error classes shared by the room, presence and
// HTTP layers. Callers classify with errors.Is against the sentinels.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when a required field is missing or malformed.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a referenced room, extension or device does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a concurrent update won the race for the same key.
	// It is safe to retry.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrNotSupported marks capabilities the PBX integration does not provide.
	ErrNotSupported = errors.New("not supported")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for &ValidationError{Field: field, Reason: reason}.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(kind, key string) error {
	return &NotFoundError{Kind: kind, Key: key}
}
