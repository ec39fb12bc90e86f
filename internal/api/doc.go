// Package api exposes the user-facing export operations over HTTP. It
// translates requests into service.TaskManager calls and maps service,
// store and domain errors to status codes without leaking internals.
package api
