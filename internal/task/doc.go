// Package task runs exports in the background.
//
// A Runner keeps a fixed number of workers polling the export queue. A worker
// that claims an export renews its lease on a heartbeat while it runs the
// export's modules one at a time through the registered ModuleExporter,
// streaming each module's output into an intermediate blob. Failed modules
// are retried until their fail count reaches the configured maximum. Once no
// module is left, the intermediate files are packaged into zip result chunks
// and the export is closed as DONE, or as FAILED when a module gave up.
//
// Stopping the runner pauses the exports in flight so that any worker can
// resume them from their savepoints. A worker whose export left RUNNING, for
// example because the user aborted it, drops it without further writes.
//
// The runner also runs the retention sweep and notifies the owners of
// finished exports through a Notifier.
package task
