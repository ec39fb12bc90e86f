package store

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the store implementations. Callers test for
// them with errors.Is; StoreError wraps them with the failing operation.
var (
	// ErrNotFound marks a missing row. Lookups report absence through a
	// boolean; this is what the narrower not-found errors wrap.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate means an active export already exists for the user.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity rejects a task or item before it reaches SQL.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrStorage wraps every failed query. The transaction it ran in has
	// been rolled back by the time the caller sees it.
	ErrStorage = errors.New("storage failure")

	// ErrShardUnavailable means the shard could not be reached: the pool is
	// exhausted or the schema does not exist. Cross-shard scans log it and
	// skip the shard.
	ErrShardUnavailable = errors.New("shard unavailable")

	// ErrTransactionFailed covers begin, commit and rollback failures.
	ErrTransactionFailed = errors.New("transaction failed")

	ErrTaskNotFound     = fmt.Errorf("%w: export task", ErrNotFound)
	ErrWorkItemNotFound = fmt.Errorf("%w: work item", ErrNotFound)
)

// IsNotFoundError reports whether err wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError reports whether err wraps ErrDuplicate.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsShardUnavailable reports whether err wraps ErrShardUnavailable.
func IsShardUnavailable(err error) bool {
	return errors.Is(err, ErrShardUnavailable)
}

// StoreError records which store operation failed and on which shard.
type StoreError struct {
	Entity    string
	Operation string
	Shard     string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Shard != "" {
		return fmt.Sprintf("%s %s on shard %s: %v", e.Operation, e.Entity, e.Shard, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Operation, e.Entity, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err with the failing operation.
func NewStoreError(entity, operation, shard string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Shard:     shard,
		Err:       err,
	}
}
