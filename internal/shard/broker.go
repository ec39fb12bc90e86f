package shard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phrazzld/export-queue/internal/platform/logger"
	"github.com/phrazzld/export-queue/internal/store"
)

// Mode says what a checkout is going to do with its connection.
type Mode int

const (
	// ModeRead checkouts may be served by the replica.
	ModeRead Mode = iota
	// ModeWrite checkouts are always served by the primary.
	ModeWrite
)

func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// Default broker settings.
const (
	DefaultAcquireTimeout       = 5 * time.Second
	DefaultReadAfterWriteWindow = 2 * time.Second
)

// BrokerStats counts checkouts since the broker was created.
type BrokerStats struct {
	Acquired int64
	Released int64
	Modified int64
	Failed   int64
}

// Broker hands out per-operation connections to shards.
type Broker struct {
	primary *sql.DB
	replica *sql.DB

	acquireTimeout time.Duration
	window         time.Duration
	now            func() time.Time

	mu     sync.Mutex
	pinned map[string]time.Time

	acquired atomic.Int64
	released atomic.Int64
	modified atomic.Int64
	failed   atomic.Int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithReplica serves read checkouts from db.
func WithReplica(db *sql.DB) BrokerOption {
	return func(b *Broker) { b.replica = db }
}

// WithAcquireTimeout bounds how long Acquire waits for a pooled connection.
func WithAcquireTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.acquireTimeout = d
		}
	}
}

// WithReadAfterWriteWindow sets how long reads of a schema stay on the
// primary after a modifying checkout.
func WithReadAfterWriteWindow(d time.Duration) BrokerOption {
	return func(b *Broker) { b.window = d }
}

// NewBroker creates a broker over the primary pool.
func NewBroker(primary *sql.DB, opts ...BrokerOption) *Broker {
	b := &Broker{
		primary:        primary,
		acquireTimeout: DefaultAcquireTimeout,
		window:         DefaultReadAfterWriteWindow,
		now:            time.Now,
		pinned:         make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Primary returns the read-write pool.
func (b *Broker) Primary() *sql.DB {
	return b.primary
}

// Stats returns a snapshot of the checkout counters.
func (b *Broker) Stats() BrokerStats {
	return BrokerStats{
		Acquired: b.acquired.Load(),
		Released: b.released.Load(),
		Modified: b.modified.Load(),
		Failed:   b.failed.Load(),
	}
}

// Acquire checks out a connection for one operation on the target's schema.
// The caller must Release it on every path. A pool that cannot hand out a
// connection within the acquire timeout yields store.ErrShardUnavailable.
func (b *Broker) Acquire(ctx context.Context, target Target, mode Mode) (*Conn, error) {
	schema := target.Schema()
	db := b.pool(schema, mode)

	acquireCtx, cancel := context.WithTimeout(ctx, b.acquireTimeout)
	defer cancel()

	conn, err := db.Conn(acquireCtx)
	if err != nil {
		b.failed.Add(1)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.FromContext(ctx).Warn("shard connection unavailable",
			slog.String("schema", schema),
			slog.String("mode", mode.String()),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %s: %w", store.ErrShardUnavailable, schema, err)
	}

	b.acquired.Add(1)
	return &Conn{Conn: conn, broker: b, schema: schema, mode: mode}, nil
}

func (b *Broker) pool(schema string, mode Mode) *sql.DB {
	if mode == ModeWrite || b.replica == nil {
		return b.primary
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if until, ok := b.pinned[schema]; ok {
		if b.now().Before(until) {
			return b.primary
		}
		delete(b.pinned, schema)
	}
	return b.replica
}

func (b *Broker) release(c *Conn, modified bool) {
	if modified {
		b.modified.Add(1)
		if b.window > 0 {
			b.mu.Lock()
			b.pinned[c.schema] = b.now().Add(b.window)
			b.mu.Unlock()
		}
	}
	if err := c.Conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		slog.Default().Warn("failed to return shard connection",
			slog.String("schema", c.schema),
			slog.String("error", err.Error()))
	}
	b.released.Add(1)
}

// Conn is a checked-out shard connection.
type Conn struct {
	*sql.Conn

	broker *Broker
	schema string
	mode   Mode
	once   sync.Once
}

// Schema returns the schema the connection was checked out for.
func (c *Conn) Schema() string { return c.schema }

// Mode returns the checkout mode.
func (c *Conn) Mode() Mode { return c.mode }

// Release returns the connection to its pool. modified reports whether the
// checkout changed data. Only the first call has an effect.
func (c *Conn) Release(modified bool) {
	c.once.Do(func() { c.broker.release(c, modified) })
}
