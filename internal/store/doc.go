// Package store declares the persistence contract of the export queue:
// compare-and-swap updates of tasks and work items addressed by a shard
// reference. Implementations live under internal/platform.
//
// ShardTx runs a write on a checked-out shard connection, and the sentinel
// errors here are what callers match on regardless of backend.
package store
