package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/bengobox/tenancy-service/internal/notification"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// NotificationService manages per-account notifications.
type NotificationService interface {
	Create(ctx context.Context, tenantID tenant.ID, in notification.CreateInput) (notification.Notification, error)
	List(ctx context.Context, tenantID tenant.ID, accountID string, opts notification.ListOptions) ([]notification.Notification, error)
	UnreadCount(ctx context.Context, tenantID tenant.ID, accountID string) (int, error)
	Get(ctx context.Context, tenantID tenant.ID, id int64, owner string) (notification.Notification, error)
	SetRead(ctx context.Context, tenantID tenant.ID, id int64, owner string, read bool) (notification.Notification, error)
	Delete(ctx context.Context, tenantID tenant.ID, id int64, owner string) error
}

// NotificationHandler serves the notification inbox of the request tenant.
// Account tokens only reach their own inbox.
type NotificationHandler struct {
	svc    NotificationService
	logger *zap.Logger
}

func NewNotificationHandler(svc NotificationService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	var req notification.CreateInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid payload", nil)
		return
	}
	if !authorizeSubject(w, r, id, req.AccountID) {
		return
	}
	out, err := h.svc.Create(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	id, accountID, ok := h.inbox(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	unread, _ := strconv.ParseBool(q.Get("unread"))
	items, err := h.svc.List(r.Context(), id, accountID, notification.ListOptions{Limit: limit, Offset: offset, UnreadOnly: unread})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": items, "count": len(items)})
}

func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	id, accountID, ok := h.inbox(w, r)
	if !ok {
		return
	}
	n, err := h.svc.UnreadCount(r.Context(), id, accountID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "unread": n})
}

func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, notificationID, owner, ok := h.target(w, r)
	if !ok {
		return
	}
	out, err := h.svc.Get(r.Context(), id, notificationID, owner)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type notificationUpdate struct {
	IsRead *bool `json:"is_read"`
}

func (h *NotificationHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, notificationID, owner, ok := h.target(w, r)
	if !ok {
		return
	}
	var req notificationUpdate
	if err := decodeJSON(r, &req); err != nil || req.IsRead == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "is_read is required", nil)
		return
	}
	out, err := h.svc.SetRead(r.Context(), id, notificationID, owner, *req.IsRead)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, notificationID, owner, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id, notificationID, owner); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// inbox resolves whose notifications are listed. Account tokens get their own
// inbox; tenant managers name one with ?account_id.
func (h *NotificationHandler) inbox(w http.ResponseWriter, r *http.Request) (tenant.ID, string, bool) {
	id, ok := tenantID(w, r)
	if !ok {
		return "", "", false
	}
	owner, ok := callerOwner(w, r, id)
	if !ok {
		return "", "", false
	}
	requested := r.URL.Query().Get("account_id")
	switch {
	case owner == "" && requested == "":
		writeError(w, http.StatusBadRequest, "invalid_request", "account_id is required", nil)
		return "", "", false
	case owner == "":
		return id, requested, true
	case requested != "" && requested != owner:
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to act for this user", nil)
		return "", "", false
	}
	return id, owner, true
}

func (h *NotificationHandler) target(w http.ResponseWriter, r *http.Request) (tenant.ID, int64, string, bool) {
	id, ok := tenantID(w, r)
	if !ok {
		return "", 0, "", false
	}
	notificationID, err := strconv.ParseInt(chi.URLParam(r, "notificationID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid notification id", nil)
		return "", 0, "", false
	}
	owner, ok := callerOwner(w, r, id)
	if !ok {
		return "", 0, "", false
	}
	return id, notificationID, owner, true
}
