package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrMalformedDocument is returned when a stored JSON document (task
	// arguments, savepoint, failure info) cannot be decoded. It is never
	// swallowed: callers see it through errors.Is.
	ErrMalformedDocument = errors.New("malformed document")

	// ErrInvalidStatus is returned when a status value is not part of the
	// enumeration accepted for the entity.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrNoModules is returned when an export selects no modules at all.
	ErrNoModules = errors.New("export selects no modules")

	// ErrDuplicateModule is returned when the same module is selected twice.
	ErrDuplicateModule = errors.New("module selected more than once")
)

// DocumentError describes a document that failed to decode.
type DocumentError struct {
	Document string // "arguments", "savepoint", "failure_info"
	Err      error
}

// Error implements the error interface.
func (e *DocumentError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrMalformedDocument, e.Document, e.Err)
}

// Unwrap exposes both the sentinel and the decoder error.
func (e *DocumentError) Unwrap() []error {
	return []error{ErrMalformedDocument, e.Err}
}

// NewDocumentError wraps a decoding failure of the named document.
func NewDocumentError(document string, err error) error {
	return &DocumentError{Document: document, Err: err}
}
