// Package shard maps export owners to database shards and hands out
// connections to them.
//
// A shard is a PostgreSQL schema holding its own copy of the export tables.
// Routers decide which schema a (tenant, user) pair lives in and enumerate
// every schema in use; the Broker checks out read-only or read-write
// connections and tracks whether a checkout modified data so reads that
// follow a write are served by the primary.
package shard
