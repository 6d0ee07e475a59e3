package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/bengobox/tenancy-service/internal/token"
)

// TokenValidator defines the capabilities required to validate JWTs.
type TokenValidator interface {
	Parse(tokenStr string) (*token.Claims, error)
}

// Auth provides JWT-backed authentication middleware.
type Auth struct {
	validator TokenValidator
}

// NewAuth creates a new instance.
func NewAuth(validator TokenValidator) *Auth {
	return &Auth{validator: validator}
}

// RequireAdmin ensures incoming requests carry a valid bearer token with the
// admin scope. The token subject becomes the audit actor.
func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearer(r)
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := a.validator.Parse(tokenStr)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if !claims.HasScope(token.ScopeAdmin) {
			writeAuthError(w, http.StatusForbidden, "forbidden", "admin scope required")
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// RequireTenant runs after Tenant and admits bearer tokens that are bound to
// the resolved tenant or carry the admin scope.
func (a *Auth) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := tenant.FromContext(r.Context())
		if !ok {
			writeAuthError(w, http.StatusBadRequest, "invalid_tenant", tenant.ErrMissingIdentifier.Error())
			return
		}
		tokenStr, ok := bearer(r)
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := a.validator.Parse(tokenStr)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if !claims.BoundTo(id.String()) {
			writeAuthError(w, http.StatusForbidden, "forbidden", "token is not valid for this tenant")
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// RequireTenantAdmin runs after RequireTenant and admits callers that may act
// on every subject of the tenant.
func (a *Auth) RequireTenantAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		id, _ := tenant.FromContext(r.Context())
		if !claims.ManagesTenant(id.String()) {
			writeAuthError(w, http.StatusForbidden, "forbidden", "tenant admin scope required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Identify attaches the caller identity when a bearer token is present.
// Anonymous requests pass through; a token that fails validation does not.
func (a *Auth) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearer(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := a.validator.Parse(tokenStr)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

func bearer(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "bearer ") {
		return "", false
	}
	tokenStr := strings.TrimSpace(authHeader[7:])
	return tokenStr, tokenStr != ""
}

func withClaims(ctx context.Context, claims *token.Claims) context.Context {
	ctx = context.WithValue(ctx, claimsContextKey{}, claims)
	return audit.WithActor(ctx, claims.Subject)
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": message,
		"code":  code,
	})
}

type claimsContextKey struct{}

// ClaimsFromContext extracts token claims stored by middleware.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims, ok && claims != nil
}
