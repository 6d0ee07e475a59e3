package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/encryption"
	"github.com/bengobox/tenancy-service/internal/retention"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// TenantAdmin provisions and retires tenants.
type TenantAdmin interface {
	Create(ctx context.Context, id tenant.ID) (tenant.Record, bool, error)
	Get(ctx context.Context, id tenant.ID) (tenant.Record, error)
	List(ctx context.Context) ([]tenant.Record, error)
	Delete(ctx context.Context, id tenant.ID) error
	Purge(ctx context.Context, id tenant.ID) error
}

// KeyAdmin manages data encryption keys.
type KeyAdmin interface {
	Rotate(ctx context.Context) (encryption.Key, error)
	Keys(ctx context.Context) ([]encryption.Key, error)
}

// RetentionSweeper expires due records across tenants.
type RetentionSweeper interface {
	Sweep(ctx context.Context, now time.Time) (retention.Report, error)
}

// AuditRecorder writes entries outside a caller transaction.
type AuditRecorder interface {
	Record(ctx context.Context, tenantID tenant.ID, entry audit.Entry) error
}

// AdminHandler serves the operator surface: tenants, keys and retention.
type AdminHandler struct {
	tenants TenantAdmin
	keys    KeyAdmin
	sweeper RetentionSweeper
	audit   AuditRecorder
	logger  *zap.Logger
}

func NewAdminHandler(tenants TenantAdmin, keys KeyAdmin, sweeper RetentionSweeper, auditor AuditRecorder, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{tenants: tenants, keys: keys, sweeper: sweeper, audit: auditor, logger: logger}
}

// Tenants
type tenantRequest struct {
	TenantID string `json:"tenant_id"`
}

type tenantResponse struct {
	tenant.Record
	Created bool `json:"created"`
}

func (h *AdminHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payload", nil)
		return
	}
	id, err := tenant.Parse(req.TenantID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	rec, created, err := h.tenants.Create(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.record(r.Context(), id, audit.Entry{
			Action:       audit.ActionTenantCreated,
			ResourceType: "tenant",
			ResourceID:   id.String(),
			Status:       "success",
			IPAddress:    clientIP(r),
			UserAgent:    userAgent(r),
		})
	}
	writeJSON(w, status, tenantResponse{Record: rec, Created: created})
}

func (h *AdminHandler) ListTenants(w http.ResponseWriter, r *http.Request) {
	items, err := h.tenants.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": items, "count": len(items)})
}

func (h *AdminHandler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	id, err := tenant.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if _, err := h.tenants.Get(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	// The tenant schema is unreachable once deleted, so the entry goes first.
	h.record(r.Context(), id, audit.Entry{
		Action:       audit.ActionTenantDeleted,
		ResourceType: "tenant",
		ResourceID:   id.String(),
		Severity:     audit.SeverityWarning,
		Status:       "initiated",
		IPAddress:    clientIP(r),
		UserAgent:    userAgent(r),
	})
	if err := h.tenants.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.logger.Info("tenant deleted", zap.String("tenant_id", id.String()), zap.String("actor", audit.ActorFromContext(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) PurgeTenant(w http.ResponseWriter, r *http.Request) {
	id, err := tenant.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.tenants.Purge(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.logger.Warn("tenant schema purged", zap.String("tenant_id", id.String()), zap.String("actor", audit.ActorFromContext(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

// Keys
type keyResponse struct {
	ID        string     `json:"key_id"`
	Version   int        `json:"version"`
	Algorithm string     `json:"algorithm"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

func toKeyResponse(k encryption.Key, _ int) keyResponse {
	return keyResponse{
		ID:        k.ID,
		Version:   k.Version,
		Algorithm: k.Algorithm,
		Status:    string(k.Status),
		CreatedAt: k.CreatedAt,
		RetiredAt: k.RetiredAt,
	}
}

func (h *AdminHandler) RotateKeys(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Rotate(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toKeyResponse(key, 0))
}

func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.Keys(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": lo.Map(keys, toKeyResponse)})
}

// Retention
func (h *AdminHandler) SweepRetention(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Sweep(r.Context(), time.Now().UTC())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *AdminHandler) record(ctx context.Context, id tenant.ID, entry audit.Entry) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(ctx, id, entry); err != nil && !errors.Is(err, audit.ErrWriteFailure) {
		h.logger.Warn("failed to record audit entry", zap.String("tenant_id", id.String()), zap.Error(err))
	}
}
