package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/export-queue/internal/api/shared"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/service"
	"github.com/phrazzld/export-queue/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrNoExport),
		errors.Is(err, service.ErrResultFileNotFound),
		store.IsNotFoundError(err):
		return http.StatusNotFound

	case errors.Is(err, service.ErrExportRunning),
		store.IsDuplicateError(err):
		return http.StatusConflict

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNoModules),
		errors.Is(err, domain.ErrDuplicateModule),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case store.IsShardUnavailable(err):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, service.ErrNoExport):
		return "Export not found"
	case errors.Is(err, service.ErrResultFileNotFound):
		return "Result file not found"
	case errors.Is(err, service.ErrExportRunning):
		return "Export is still in progress"
	case store.IsDuplicateError(err):
		return "Export already exists"
	case errors.Is(err, domain.ErrNoModules):
		return "Export must select at least one module"
	case errors.Is(err, domain.ErrDuplicateModule):
		return "Module selected more than once"
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return "Invalid export request"
	case store.IsShardUnavailable(err):
		return "Export storage is temporarily unavailable"
	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError renders the first failed field of a validator
// error as a short message, using JSON field names.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Validation error"
	}
	fe := verrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	return fmt.Sprintf("Invalid %s: %s", field, validationTagMessage(fe.Tag()))
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too few or too short"
	case "max":
		return "too many or too long"
	case "gte", "gt":
		return "too small"
	case "lte", "lt":
		return "too large"
	case "unique":
		return "duplicate values"
	case "hostname_port", "hostname":
		return "invalid host"
	default:
		return "validation failed"
	}
}

// respondWithServiceError maps err and writes the response.
func respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
}
