package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/compliance"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ComplianceService is the consent and data-subject-rights API.
type ComplianceService interface {
	RecordConsent(ctx context.Context, tenantID tenant.ID, in compliance.ConsentInput) (compliance.Consent, error)
	CheckConsent(ctx context.Context, tenantID tenant.ID, userID string, ct compliance.ConsentType) (bool, error)
	RevokeConsent(ctx context.Context, tenantID tenant.ID, userID string, ct compliance.ConsentType) error
	CreateRequest(ctx context.Context, tenantID tenant.ID, in compliance.RequestInput) (compliance.Request, error)
	UpdateRequestStatus(ctx context.Context, tenantID tenant.ID, requestID int64, status compliance.RequestStatus, processedBy string) (compliance.Request, error)
	ExportUserData(ctx context.Context, tenantID tenant.ID, userID string) (compliance.Export, error)
	AnonymizeUserData(ctx context.Context, tenantID tenant.ID, userID string) (compliance.AnonymizeResult, error)
}

// ComplianceHandler exposes GDPR/LGPD endpoints for the request tenant.
type ComplianceHandler struct {
	svc    ComplianceService
	logger *zap.Logger
}

func NewComplianceHandler(svc ComplianceService, logger *zap.Logger) *ComplianceHandler {
	return &ComplianceHandler{svc: svc, logger: logger}
}

// RecordConsent stores a consent decision. Client IP and user agent default
// to the request's own.
func (h *ComplianceHandler) RecordConsent(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req compliance.ConsentInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payload", nil)
		return
	}
	if !authorizeSubject(w, r, id, req.UserID) {
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = userAgent(r)
	}
	consent, err := h.svc.RecordConsent(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":           consent.ID,
		"user_id":      consent.UserID,
		"consent_type": consent.Type,
		"granted":      consent.Granted,
		"granted_at":   consent.GrantedAt,
	})
}

func (h *ComplianceHandler) CheckConsent(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if !authorizeSubject(w, r, id, userID) {
		return
	}
	ct, err := compliance.ParseConsentType(chi.URLParam(r, "consentType"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	granted, err := h.svc.CheckConsent(r.Context(), id, userID, ct)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "consent_type": ct, "granted": granted})
}

func (h *ComplianceHandler) RevokeConsent(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if !authorizeSubject(w, r, id, userID) {
		return
	}
	ct, err := compliance.ParseConsentType(chi.URLParam(r, "consentType"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.svc.RevokeConsent(r.Context(), id, userID, ct); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "consent_type": ct, "revoked": true})
}

func (h *ComplianceHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req compliance.RequestInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payload", nil)
		return
	}
	if !authorizeSubject(w, r, id, req.UserID) {
		return
	}
	out, err := h.svc.CreateRequest(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

type requestStatusUpdate struct {
	Status compliance.RequestStatus `json:"status"`
}

func (h *ComplianceHandler) UpdateRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	requestID, err := strconv.ParseInt(chi.URLParam(r, "requestID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request id", nil)
		return
	}
	var req requestStatusUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payload", nil)
		return
	}
	out, err := h.svc.UpdateRequestStatus(r.Context(), id, requestID, req.Status, audit.ActorFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ComplianceHandler) ExportUserData(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if !authorizeSubject(w, r, id, userID) {
		return
	}
	out, err := h.svc.ExportUserData(r.Context(), id, userID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ComplianceHandler) DeleteUserData(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if !authorizeSubject(w, r, id, userID) {
		return
	}
	out, err := h.svc.AnonymizeUserData(r.Context(), id, userID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"anonymized": true,
		"sources":    out.Sources,
		"consents":   out.Consents,
		"message":    "User data has been anonymized. Audit logs and legal records have been preserved as required by law.",
	})
}
