package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/export-queue/internal/domain"
	"github.com/phrazzld/export-queue/internal/store"
)

// SQLSTATE codes the store distinguishes.
const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
	checkViolationCode      = "23514"
	notNullViolationCode    = "23502"

	// A shard schema that was never created, or created but not migrated.
	invalidSchemaNameCode = "3F000"
	undefinedTableCode    = "42P01"

	// Raised when SET LOCAL lock_timeout expires while waiting on a row
	// another worker holds.
	lockNotAvailableCode = "55P03"
)

// integrityViolations names the constraint classes that mean the row was
// rejected rather than the database failing.
var integrityViolations = map[string]string{
	foreignKeyViolationCode: "foreign key",
	checkViolationCode:      "check constraint",
	notNullViolationCode:    "not null",
}

// ErrLockTimeout wraps store.ErrStorage when a write gave up waiting for a
// row lock. The operation is safe to retry.
var ErrLockTimeout = fmt.Errorf("%w: lock timeout", store.ErrStorage)

// MapError classifies a database error. Missing schemas and tables become
// store.ErrShardUnavailable so scans can skip the shard; everything else
// that reached the database wraps store.ErrStorage. Decoding errors and
// context cancellation pass through unchanged.
func MapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrShardUnavailable),
		errors.Is(err, store.ErrStorage),
		store.IsNotFoundError(err),
		errors.Is(err, domain.ErrMalformedDocument),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	case IsShardMissing(err):
		return fmt.Errorf("%w: %v", store.ErrShardUnavailable, err)
	case IsUniqueViolation(err):
		return fmt.Errorf("%w: %w: %v", store.ErrStorage, store.ErrDuplicate, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %w", store.ErrStorage, err)
	}
	if pgErr.Code == lockNotAvailableCode {
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	}
	if kind, ok := integrityViolations[pgErr.Code]; ok {
		subject := pgErr.ConstraintName
		if subject == "" {
			subject = pgErr.ColumnName
		}
		return fmt.Errorf("%w: %w: %s violation (%s): %v",
			store.ErrStorage, store.ErrInvalidEntity, kind, subject, err)
	}
	return fmt.Errorf("%w: %w", store.ErrStorage, err)
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// isForeignKeyViolation reports whether err says a referenced row is gone.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolationCode
}

// IsShardMissing reports whether err says the shard's schema or tables do not exist.
func IsShardMissing(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		(pgErr.Code == invalidSchemaNameCode || pgErr.Code == undefinedTableCode)
}

// rowsAffected reports whether a conditional update or delete matched a row.
func rowsAffected(result sql.Result) (bool, error) {
	if result == nil {
		return false, fmt.Errorf("nil result")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
