// Package logger configures the process-wide slog logger and carries
// request and job scoped loggers through context.Context, so a trace id or
// a task id attached once appears on every line logged below it.
package logger
