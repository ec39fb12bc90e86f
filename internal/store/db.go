package store

import (
	"context"
	"database/sql"
)

// DBTX is the query surface shared by shard connections and transactions.
// Read paths take a checked-out *sql.Conn, write paths the *sql.Tx that
// ShardTx opens on it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Beginner opens transactions; *sql.Conn and *sql.DB both qualify.
type Beginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

var (
	_ DBTX     = (*sql.Conn)(nil)
	_ DBTX     = (*sql.Tx)(nil)
	_ Beginner = (*sql.Conn)(nil)
)
