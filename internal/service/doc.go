// Package service composes the shard router, the export store and the blob
// buckets into the operations used by the export engine and by the
// user-facing API.
//
// The service adds no state of its own. Each call routes the (tenant, user)
// owner to a shard, delegates to the store on that shard only, and touches
// blobs through the task's bucket. Maintenance operations iterate over every
// shard and skip the ones that are unreachable.
//
// Absent exports are reported as ErrNoExport to user-facing callers; the
// engine-facing operations keep the store's convention of reporting "nothing
// changed" through a false result.
package service
