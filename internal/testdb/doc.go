// Package testdb provides a PostgreSQL database for integration tests.
//
// The database comes from EXPORTQ_TEST_DB_URL (or DATABASE_URL) when set.
// Otherwise a throwaway postgres container is started once per test binary
// through dockertest. When neither works, or with -short, the calling test
// is skipped; under CI it fails instead.
//
// Tests never share data: each one asks for its own shard schemas, named
// with a random prefix, which are migrated on creation and dropped on
// cleanup.
//
//	func TestClaim(t *testing.T) {
//	    db := testdb.New(t)
//	    router := db.TenantRouter(t, 2)
//	    broker := shard.NewBroker(db.DB)
//	    ...
//	}
package testdb
