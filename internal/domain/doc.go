// Package domain contains the core entities of the export queue: export
// tasks, the per-module work items they own, module savepoints with their
// diagnostic messages, and the result files a finished export produces.
// It is independent of any storage engine or delivery mechanism.
package domain
