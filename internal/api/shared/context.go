package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// ContextKey is the type of the request-scoped values the API stores.
type ContextKey string

const (
	// TraceIDKey carries the trace id of the request.
	TraceIDKey ContextKey = "traceID"

	// IdentityContextKey carries the caller's Identity.
	IdentityContextKey ContextKey = "identity"

	// TraceIDLength is the number of random bytes in a trace id.
	TraceIDLength = 16
)

// Identity is the tenant and user the gateway authenticated. User is zero
// on routes that only need the tenant.
type Identity struct {
	Tenant int
	User   int
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, id)
}

// GetIdentity returns the identity stored in ctx.
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(IdentityContextKey).(Identity)
	return id, ok
}

// SetTraceID adds a fresh trace id to the context.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, generateTraceID())
}

// GetTraceID returns the trace id of ctx, or an empty string.
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}

// generateTraceID returns 32 hex characters. When crypto/rand fails it falls
// back to a random UUID so the id is never static.
func generateTraceID() string {
	b := make([]byte, TraceIDLength)
	if n, err := rand.Read(b); err != nil || n != TraceIDLength {
		slog.Error("failed to generate random trace ID",
			"error", err,
			"bytes_read", n,
			"fallback", "uuid")
		return fallbackTraceID()
	}
	return hex.EncodeToString(b)
}

func fallbackTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
