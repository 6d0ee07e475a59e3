package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/bengobox/tenancy-service/internal/account"
	"github.com/bengobox/tenancy-service/internal/httpapi/middleware"
	"github.com/bengobox/tenancy-service/internal/retention"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/bengobox/tenancy-service/internal/token"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AccountService manages tenant accounts.
type AccountService interface {
	Create(ctx context.Context, tenantID tenant.ID, in account.CreateInput) (account.Account, error)
	Get(ctx context.Context, tenantID tenant.ID, id uuid.UUID) (account.Account, error)
	List(ctx context.Context, tenantID tenant.ID, opts account.ListOptions) ([]account.Account, error)
	Update(ctx context.Context, tenantID tenant.ID, id uuid.UUID, in account.UpdateInput) (account.Account, error)
	Delete(ctx context.Context, tenantID tenant.ID, id uuid.UUID) error
	VerifyPassword(ctx context.Context, tenantID tenant.ID, email, password string) (account.Account, error)
}

// TokenIssuer mints tenant-bound access tokens at login.
type TokenIssuer interface {
	MintForTenant(tenantID, subject string, scopes []string, ttl time.Duration) (string, time.Time, error)
}

type AccountHandler struct {
	svc    AccountService
	tokens TokenIssuer
	logger *zap.Logger
}

func NewAccountHandler(svc AccountService, tokens TokenIssuer, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{svc: svc, tokens: tokens, logger: logger}
}

type createAccountRequest struct {
	Email             string `json:"email"`
	FullName          string `json:"full_name"`
	Password          string `json:"password"`
	RetentionCategory string `json:"retention_category"`
}

func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payload", nil)
		return
	}
	acc, err := h.svc.Create(r.Context(), id, account.CreateInput{
		Email:    req.Email,
		FullName: req.FullName,
		Password: req.Password,
		Category: retention.Category(req.RetentionCategory),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	items, err := h.svc.List(r.Context(), id, account.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": items, "count": len(items)})
}

func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, accountID, ok := h.ids(w, r)
	if !ok {
		return
	}
	acc, err := h.svc.Get(r.Context(), id, accountID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

type updateAccountRequest struct {
	Email    *string `json:"email"`
	FullName *string `json:"full_name"`
	Password *string `json:"password"`
	IsActive *bool   `json:"is_active"`
}

func (h *AccountHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, accountID, ok := h.ids(w, r)
	if !ok {
		return
	}
	var req updateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payload", nil)
		return
	}
	if req.IsActive != nil {
		if claims, ok := middleware.ClaimsFromContext(r.Context()); !ok || !claims.ManagesTenant(id.String()) {
			writeError(w, http.StatusForbidden, "forbidden", "tenant admin scope required to change is_active", nil)
			return
		}
	}
	acc, err := h.svc.Update(r.Context(), id, accountID, account.UpdateInput(req))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, accountID, ok := h.ids(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id, accountID); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required", nil)
		return
	}
	acc, err := h.svc.VerifyPassword(r.Context(), id, req.Email, req.Password)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	signed, exp, err := h.tokens.MintForTenant(id.String(), acc.ID.String(), []string{token.ScopeAccount}, 0)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": signed,
		"token_type":   "bearer",
		"expires_at":   exp,
		"account":      acc,
	})
}

func (h *AccountHandler) ids(w http.ResponseWriter, r *http.Request) (tenant.ID, uuid.UUID, bool) {
	id, ok := tenantID(w, r)
	if !ok {
		return "", uuid.Nil, false
	}
	accountID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid account id", nil)
		return "", uuid.Nil, false
	}
	if !authorizeSubject(w, r, id, accountID.String()) {
		return "", uuid.Nil, false
	}
	return id, accountID, true
}
