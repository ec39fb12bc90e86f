package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/phrazzld/export-queue/internal/platform/blob"
	"github.com/phrazzld/export-queue/internal/platform/logger"
	"github.com/phrazzld/export-queue/internal/shard"
	"github.com/phrazzld/export-queue/internal/store"
)

// Default store settings.
const (
	DefaultExpirationThreshold = 10 * time.Minute
	DefaultScanParallelism     = 4

	// maxCASAttempts bounds read-then-CAS loops under sustained contention.
	maxCASAttempts = 64
)

// Options configures an ExportStore.
type Options struct {
	// ExpirationThreshold is how long a RUNNING task may go without a touch
	// before another worker may claim it.
	ExpirationThreshold time.Duration
	// ScanParallelism bounds how many shards ClaimNextJob scans at once.
	ScanParallelism int
	// LockTimeout bounds row lock waits inside write transactions. Zero
	// keeps the server default.
	LockTimeout time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// ExportStore implements store.ExportStore on PostgreSQL schemas.
type ExportStore[S shard.Ref] struct {
	broker *shard.Broker
	blobs  blob.Resolver

	expirationThreshold time.Duration
	scanParallelism     int
	lockTimeout         time.Duration
	now                 func() time.Time
}

var (
	_ store.ExportStore[shard.TenantRef] = (*ExportStore[shard.TenantRef])(nil)
	_ store.ExportStore[shard.GroupRef]  = (*ExportStore[shard.GroupRef])(nil)
)

// NewExportStore creates a store that checks out connections from broker
// and deletes blobs through blobs.
func NewExportStore[S shard.Ref](broker *shard.Broker, blobs blob.Resolver, opts Options) *ExportStore[S] {
	s := &ExportStore[S]{
		broker:              broker,
		blobs:               blobs,
		expirationThreshold: opts.ExpirationThreshold,
		scanParallelism:     opts.ScanParallelism,
		lockTimeout:         opts.LockTimeout,
		now:                 opts.Now,
	}
	if s.expirationThreshold <= 0 {
		s.expirationThreshold = DefaultExpirationThreshold
	}
	if s.scanParallelism <= 0 {
		s.scanParallelism = DefaultScanParallelism
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// tables holds the schema-qualified table names of one shard.
type tables struct {
	task       string
	workItem   string
	resultFile string
	report     string
}

func tablesFor(schema string) tables {
	return tables{
		task:       pgx.Identifier{schema, "export_task"}.Sanitize(),
		workItem:   pgx.Identifier{schema, "export_work_item"}.Sanitize(),
		resultFile: pgx.Identifier{schema, "export_result_file"}.Sanitize(),
		report:     pgx.Identifier{schema, "export_report"}.Sanitize(),
	}
}

// nowMillis returns the current time in epoch milliseconds.
func (s *ExportStore[S]) nowMillis() int64 {
	return s.now().UnixMilli()
}

// read runs fn on a read-only checkout of the shard.
func (s *ExportStore[S]) read(
	ctx context.Context,
	ref S,
	op string,
	fn func(ctx context.Context, q store.DBTX, t tables) error,
) error {
	conn, err := s.broker.Acquire(ctx, ref, shard.ModeRead)
	if err != nil {
		return store.NewStoreError("export_task", op, ref.Schema(), err)
	}
	defer conn.Release(false)

	if err := fn(ctx, conn, tablesFor(ref.Schema())); err != nil {
		return s.fail(ctx, ref, op, err)
	}
	return nil
}

// write runs fn in one transaction on a read-write checkout of the shard.
// fn reports whether it changed anything so the broker can route follow-up
// reads to the primary.
func (s *ExportStore[S]) write(
	ctx context.Context,
	ref S,
	op string,
	fn func(ctx context.Context, tx *sql.Tx, t tables) (bool, error),
) error {
	conn, err := s.broker.Acquire(ctx, ref, shard.ModeWrite)
	if err != nil {
		return store.NewStoreError("export_task", op, ref.Schema(), err)
	}

	t := tablesFor(ref.Schema())
	txn := store.ShardTx{Schema: ref.Schema(), LockTimeout: s.lockTimeout}
	modified, err := txn.Run(ctx, conn.Conn, func(ctx context.Context, tx *sql.Tx) (bool, error) {
		return fn(ctx, tx, t)
	})
	conn.Release(modified)

	if err != nil {
		return s.fail(ctx, ref, op, err)
	}
	return nil
}

func (s *ExportStore[S]) fail(ctx context.Context, ref S, op string, err error) error {
	mapped := MapError(err)
	if !store.IsShardUnavailable(mapped) && !store.IsNotFoundError(mapped) {
		logger.FromContext(ctx).Error("export store operation failed",
			slog.String("operation", op),
			slog.String("shard", ref.String()),
			slog.String("error", err.Error()))
	}
	return store.NewStoreError("export_task", op, ref.Schema(), mapped)
}

// nullBytes turns an empty document into SQL NULL.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// nullJSON turns an empty JSON document into SQL NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func errTooManyAttempts(op string) error {
	return fmt.Errorf("%w: %s gave up after %d conflicting updates", store.ErrStorage, op, maxCASAttempts)
}
