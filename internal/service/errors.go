package service

import (
	"errors"
	"fmt"
)

// Sentinel errors of the export service. The API layer maps them to HTTP
// status codes.
var (
	// ErrNoExport indicates the user has no export. Maps to 404 Not Found.
	ErrNoExport = errors.New("no export for user")

	// ErrExportRunning indicates the user's export has not finished yet.
	// Maps to 409 Conflict.
	ErrExportRunning = errors.New("export still in progress")

	// ErrResultFileNotFound indicates the requested result file does not
	// exist. Maps to 404 Not Found.
	ErrResultFileNotFound = errors.New("result file not found")
)

// ExportServiceError wraps errors from the export service with the failing
// operation.
type ExportServiceError struct {
	// Operation is the operation that failed (e.g., "request_export")
	Operation string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for ExportServiceError.
func (e *ExportServiceError) Error() string {
	return fmt.Sprintf("export service %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ExportServiceError) Unwrap() error {
	return e.Err
}

// NewExportServiceError wraps err with the operation. Service sentinels are
// returned as they are.
func NewExportServiceError(operation string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrNoExport, ErrExportRunning, ErrResultFileNotFound} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return &ExportServiceError{Operation: operation, Err: err}
}
