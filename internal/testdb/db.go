package testdb

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/phrazzld/export-queue/internal/ciutil"
	"github.com/phrazzld/export-queue/internal/platform/postgres"
	"github.com/phrazzld/export-queue/internal/shard"
	"github.com/stretchr/testify/require"
)

// TestTimeout defines a default timeout for test database operations.
const TestTimeout = 30 * time.Second

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// DatabaseURL returns the database URL configured in the environment, if any.
func DatabaseURL() string {
	return ciutil.TestDatabaseURL(nil)
}

// URL returns a reachable database URL or skips the test.
func URL(t testing.TB) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	if u := DatabaseURL(); u != "" {
		return u
	}

	containerOnce.Do(func() {
		containerURL, containerErr = startPostgres()
	})
	if containerErr != nil {
		// A CI job that asked for integration tests must not pass by skipping them.
		if ciutil.IsCI() {
			t.Fatalf("no database available in CI: set %s (%v)", ciutil.EnvTestDatabaseURL, containerErr)
		}
		t.Skipf("no database available: set %s or run docker (%v)", ciutil.EnvTestDatabaseURL, containerErr)
	}
	return containerURL
}

// DB is a test database connection plus the schemas created through it.
type DB struct {
	*sql.DB
	URL string
}

// New opens a connection pool that is closed when the test ends.
func New(t testing.TB) *DB {
	t.Helper()

	dbURL := URL(t)
	db, err := sql.Open("pgx", dbURL)
	require.NoError(t, err, "open %s", maskDatabaseURL(dbURL))
	db.SetMaxOpenConns(20)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	require.NoError(t, db.PingContext(ctx), "ping %s", maskDatabaseURL(dbURL))

	return &DB{DB: db, URL: dbURL}
}

// SchemaPrefix returns a fresh schema prefix unique to this test.
func SchemaPrefix() string {
	return "t" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "_"
}

// Migrate creates and migrates the schemas and drops them when the test ends.
func (d *DB) Migrate(t testing.TB, schemas ...string) {
	t.Helper()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
		defer cancel()
		if err := postgres.DropSchemas(ctx, d.URL, schemas); err != nil {
			t.Logf("failed to drop test schemas %v: %v", schemas, err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	require.NoError(t, postgres.MigrateSchemas(ctx, d.URL, schemas))
}

// TenantRouter returns a tenant router over count freshly migrated schemas.
func (d *DB) TenantRouter(t testing.TB, count int) *shard.TenantRouter {
	t.Helper()

	router, err := shard.NewTenantRouter(SchemaPrefix(), count)
	require.NoError(t, err)

	schemas := make([]string, 0, count)
	for _, ref := range router.Refs() {
		schemas = append(schemas, ref.Schema())
	}
	d.Migrate(t, schemas...)
	return router
}

// GroupRouter returns a group router whose schemas are freshly migrated.
func (d *DB) GroupRouter(t testing.TB, tenantGroups map[int]string, defaultGroup string) *shard.GroupRouter {
	t.Helper()

	router, err := shard.NewGroupRouter(SchemaPrefix(), tenantGroups, defaultGroup)
	require.NoError(t, err)

	var schemas []string
	for _, ref := range router.Refs() {
		schemas = append(schemas, ref.Schema())
	}
	d.Migrate(t, schemas...)
	return router
}

// Count returns the number of rows of table in schema matching where.
func (d *DB) Count(t testing.TB, schema, table, where string, args ...any) int {
	t.Helper()

	query := "SELECT count(*) FROM " + pgx.Identifier{schema, table}.Sanitize()
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	require.NoError(t, d.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}

// maskDatabaseURL masks the password in a database URL for safe logging.
func maskDatabaseURL(dbURL string) string {
	parsedURL, err := url.Parse(dbURL)
	if err != nil {
		return "invalid-url"
	}
	if parsedURL.User != nil {
		parsedURL.User = url.UserPassword(parsedURL.User.Username(), "****")
		return parsedURL.String()
	}
	return dbURL
}
