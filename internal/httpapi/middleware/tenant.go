package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/tenant"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Tenant resolves the tenant identifier from the X-Tenant-ID header or the
// tenantId query parameter and rejects the request when it is missing or
// malformed. Whether the tenant exists is decided when a session is opened.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := tenant.Resolve(r.Header.Get(tenant.HeaderName), r.URL.Query().Get(tenant.QueryParam))
		if err != nil {
			msg := fmt.Sprintf("Tenant ID is required. Provide it via '%s' header or '%s' query parameter.",
				tenant.HeaderName, tenant.QueryParam)
			if errors.Is(err, tenant.ErrInvalidIdentifier) {
				msg = fmt.Sprintf("Invalid tenant ID format. Use at most %d letters, digits, '_' or '-'.", tenant.MaxIDLength)
			}
			writeAuthError(w, http.StatusBadRequest, "invalid_tenant", msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.WithID(r.Context(), id)))
	})
}

// Trace copies the chi request id into the audit trace id.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := chimiddleware.GetReqID(r.Context()); reqID != "" {
			r = r.WithContext(audit.WithTraceID(r.Context(), reqID))
		}
		next.ServeHTTP(w, r)
	})
}
