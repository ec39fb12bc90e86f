package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/export-queue/internal/platform/logger"
)

// ShardTxFn runs inside a shard transaction and reports whether it changed
// any rows.
type ShardTxFn func(ctx context.Context, tx *sql.Tx) (modified bool, err error)

// ShardTx describes the transaction a store operation runs in.
type ShardTx struct {
	// Schema is the shard the transaction runs against. It only labels logs
	// and errors; queries name their tables explicitly.
	Schema string
	// LockTimeout bounds how long a statement waits for row locks held by
	// another worker. Zero keeps the server default.
	LockTimeout time.Duration
}

// Run executes fn in a read-committed transaction started on db, usually a
// checked-out shard connection. The transaction commits when fn succeeds and
// rolls back when it fails or panics. The returned flag is false whenever
// the transaction did not commit.
func (s ShardTx) Run(ctx context.Context, db Beginner, fn ShardTxFn) (modified bool, err error) {
	log := logger.FromContext(ctx).With(slog.String("shard", s.Schema))

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		log.Error("begin shard transaction", slog.String("error", err.Error()))
		return false, fmt.Errorf("%w: begin on %s: %w", ErrTransactionFailed, s.Schema, err)
	}

	done := false
	defer func() {
		if done {
			return
		}
		// fn panicked; the panic keeps unwinding after the rollback.
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error("roll back shard transaction after panic", slog.String("error", rbErr.Error()))
		}
	}()

	if s.LockTimeout > 0 {
		// SET LOCAL does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.LockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			done = true
			_ = tx.Rollback()
			return false, fmt.Errorf("%w: set lock timeout on %s: %w", ErrTransactionFailed, s.Schema, err)
		}
	}

	modified, err = fn(ctx, tx)
	done = true
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error("roll back shard transaction",
				slog.String("rollback_error", rbErr.Error()),
				slog.String("error", err.Error()))
			return false, errors.Join(err, fmt.Errorf("%w: rollback: %w", ErrTransactionFailed, rbErr))
		}
		return false, err
	}

	if err := tx.Commit(); err != nil {
		log.Error("commit shard transaction", slog.String("error", err.Error()))
		return false, fmt.Errorf("%w: commit on %s: %w", ErrTransactionFailed, s.Schema, err)
	}
	return modified, nil
}
