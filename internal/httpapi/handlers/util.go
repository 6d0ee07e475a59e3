package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/bengobox/tenancy-service/internal/account"
	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/compliance"
	"github.com/bengobox/tenancy-service/internal/encryption"
	"github.com/bengobox/tenancy-service/internal/httpapi/middleware"
	"github.com/bengobox/tenancy-service/internal/notification"
	"github.com/bengobox/tenancy-service/internal/retention"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/bengobox/tenancy-service/internal/token"
	"go.uber.org/zap"
)

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close() //nolint:errcheck
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func userAgent(r *http.Request) string {
	return r.Header.Get("User-Agent")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, message string, details map[string]any) {
	writeJSON(w, status, map[string]any{
		"error":   message,
		"code":    code,
		"details": details,
	})
}

// tenantID returns the tenant resolved by the tenant middleware.
func tenantID(w http.ResponseWriter, r *http.Request) (tenant.ID, bool) {
	id, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_tenant", tenant.ErrMissingIdentifier.Error(), nil)
	}
	return id, ok
}

// authorizeSubject admits callers that manage the tenant or hold an account
// token whose subject is the given user.
func authorizeSubject(w http.ResponseWriter, r *http.Request, id tenant.ID, subject string) bool {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
		return false
	}
	if !claims.ActsFor(id.String(), subject) {
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to act for this user", nil)
		return false
	}
	return true
}

// callerOwner returns the account a caller is restricted to, or "" when the
// caller manages the whole tenant.
func callerOwner(w http.ResponseWriter, r *http.Request, id tenant.ID) (string, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
		return "", false
	}
	switch {
	case claims.ManagesTenant(id.String()):
		return "", true
	case claims.BoundTo(id.String()) && claims.HasScope(token.ScopeAccount) && claims.Subject != "":
		return claims.Subject, true
	}
	writeError(w, http.StatusForbidden, "forbidden", "account scope required", nil)
	return "", false
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, tenant.ErrMissingIdentifier),
		errors.Is(err, tenant.ErrInvalidIdentifier),
		errors.Is(err, compliance.ErrInvalidInput),
		errors.Is(err, account.ErrInvalidInput),
		errors.Is(err, notification.ErrInvalidInput),
		errors.Is(err, retention.ErrUnknownCategory),
		errors.Is(err, audit.ErrUnknownAction):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, tenant.ErrNotFound),
		errors.Is(err, compliance.ErrConsentNotFound),
		errors.Is(err, compliance.ErrRequestNotFound),
		errors.Is(err, account.ErrNotFound),
		errors.Is(err, notification.ErrNotFound),
		errors.Is(err, retention.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, tenant.ErrTenantDeleted),
		errors.Is(err, tenant.ErrStillActive),
		errors.Is(err, tenant.ErrSchemaConflict),
		errors.Is(err, retention.ErrDuplicateRecord),
		errors.Is(err, account.ErrEmailTaken),
		errors.Is(err, account.ErrAnonymized):
		return http.StatusConflict, "conflict"
	case errors.Is(err, account.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, encryption.ErrDecryptionFailure),
		errors.Is(err, encryption.ErrUnknownKeyVersion),
		errors.Is(err, encryption.ErrNoActiveKey):
		return http.StatusInternalServerError, "encryption_error"
	case errors.Is(err, audit.ErrWriteFailure):
		return http.StatusInternalServerError, "audit_failure"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "server_error"
}

// writeServiceError answers with the mapped status. Server-side failures are
// logged and their detail withheld from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		fields := []zap.Field{zap.String("path", r.URL.Path), zap.Error(err)}
		if id, ok := tenant.FromContext(r.Context()); ok {
			fields = append(fields, zap.String("tenant_id", id.String()))
		}
		logger.Error("request failed", fields...)
		writeError(w, status, code, http.StatusText(status), nil)
		return
	}
	writeError(w, status, code, err.Error(), nil)
}
