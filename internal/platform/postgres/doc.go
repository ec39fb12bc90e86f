// Package postgres implements the export store on PostgreSQL.
//
// Every shard is a schema holding the same four tables (export_task,
// export_work_item, export_result_file, export_report), created by the
// embedded goose migrations. Queries qualify table names with the shard's
// schema, so one connection pool serves every shard.
//
// Claims and state transitions are optimistic: a row is read, then updated
// only if the column observed by the read still holds the same value. The
// task timestamp, stored in epoch milliseconds, doubles as the version of
// the task row and strictly increases on every task transition.
package postgres
