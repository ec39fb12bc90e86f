package middleware

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/export-queue/internal/api/shared"
)

// Headers set by the upstream gateway after it authenticated the caller.
const (
	TenantIDHeader = "X-Tenant-ID"
	UserIDHeader   = "X-User-ID"
	TraceIDHeader  = "X-Trace-ID"
)

var errMissingHeader = errors.New("missing header")

type identityHeaders struct {
	Tenant int `validate:"gte=0"`
	User   int `validate:"gte=1"`
}

// IdentityMiddleware turns the gateway identity headers into a
// shared.Identity on the request context.
type IdentityMiddleware struct {
	validator *validator.Validate
}

// NewIdentityMiddleware creates an IdentityMiddleware.
func NewIdentityMiddleware() *IdentityMiddleware {
	return &IdentityMiddleware{validator: validator.New()}
}

// RequireUser rejects requests without a valid tenant and user.
func (m *IdentityMiddleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := intHeader(r, TenantIDHeader)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid or missing "+TenantIDHeader)
			return
		}
		user, err := intHeader(r, UserIDHeader)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid or missing "+UserIDHeader)
			return
		}
		if err := m.validator.Struct(identityHeaders{Tenant: tenant, User: user}); err != nil {
			shared.RespondWithErrorAndLog(w, r, http.StatusUnauthorized, "Invalid identity", err)
			return
		}
		ctx := shared.WithIdentity(r.Context(), shared.Identity{Tenant: tenant, User: user})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireTenant rejects requests without a valid tenant. The user header is
// not consulted.
func (m *IdentityMiddleware) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := intHeader(r, TenantIDHeader)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid or missing "+TenantIDHeader)
			return
		}
		if err := m.validator.Var(tenant, "gte=0"); err != nil {
			shared.RespondWithErrorAndLog(w, r, http.StatusUnauthorized, "Invalid identity", err)
			return
		}
		ctx := shared.WithIdentity(r.Context(), shared.Identity{Tenant: tenant})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func intHeader(r *http.Request, name string) (int, error) {
	v := r.Header.Get(name)
	if v == "" {
		return 0, errMissingHeader
	}
	return strconv.Atoi(v)
}
