package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/export-queue/internal/api/shared"
	"github.com/phrazzld/export-queue/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identityEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := shared.GetIdentity(r.Context())
		require.True(t, ok)
		shared.RespondWithJSON(w, r, http.StatusOK, map[string]int{"tenant": id.Tenant, "user": id.User})
	})
}

func TestRequireUser(t *testing.T) {
	tests := []struct {
		name       string
		tenant     string
		user       string
		wantStatus int
		wantBody   string
	}{
		{name: "valid", tenant: "7", user: "42", wantStatus: http.StatusOK, wantBody: `{"tenant":7,"user":42}`},
		{name: "tenant zero", tenant: "0", user: "1", wantStatus: http.StatusOK, wantBody: `{"tenant":0,"user":1}`},
		{name: "missing tenant", user: "42", wantStatus: http.StatusUnauthorized},
		{name: "missing user", tenant: "7", wantStatus: http.StatusUnauthorized},
		{name: "non numeric", tenant: "seven", user: "42", wantStatus: http.StatusUnauthorized},
		{name: "negative tenant", tenant: "-1", user: "42", wantStatus: http.StatusUnauthorized},
		{name: "zero user", tenant: "7", user: "0", wantStatus: http.StatusUnauthorized},
	}

	m := NewIdentityMiddleware()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/exports", nil)
			if tt.tenant != "" {
				req.Header.Set(TenantIDHeader, tt.tenant)
			}
			if tt.user != "" {
				req.Header.Set(UserIDHeader, tt.user)
			}
			w := httptest.NewRecorder()

			m.RequireUser(identityEcho(t)).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestRequireTenant(t *testing.T) {
	m := NewIdentityMiddleware()

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/7/exports", nil)
	req.Header.Set(TenantIDHeader, "7")
	w := httptest.NewRecorder()
	m.RequireTenant(identityEcho(t)).ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tenant":7,"user":0}`, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/tenants/7/exports", nil)
	req.Header.Set(TenantIDHeader, "-3")
	w = httptest.NewRecorder()
	m.RequireTenant(identityEcho(t)).ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTraceMiddleware(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("handled")
	})

	w := httptest.NewRecorder()
	NewTraceMiddleware(base)(next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Len(t, seen, 32)
	assert.Equal(t, seen, w.Header().Get(TraceIDHeader))

	dec := json.NewDecoder(&buf)
	for dec.More() {
		var entry map[string]any
		require.NoError(t, dec.Decode(&entry))
		assert.Equal(t, seen, entry["trace_id"])
	}
}
