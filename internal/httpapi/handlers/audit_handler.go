package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"go.uber.org/zap"
)

// AuditReader queries the append-only audit log.
type AuditReader interface {
	List(ctx context.Context, tenantID tenant.ID, f audit.Filter) ([]audit.Entry, error)
}

type AuditHandler struct {
	reader AuditReader
	logger *zap.Logger
}

func NewAuditHandler(reader AuditReader, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{reader: reader, logger: logger}
}

// List returns entries newest first. Page with before_id set to the last id seen.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		Action:       audit.Action(q.Get("action")),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
	}
	if f.Action != "" && !f.Action.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown action", nil)
		return
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC 3339", nil)
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "until must be RFC 3339", nil)
		return
	}
	if v := q.Get("before_id"); v != "" {
		if f.BeforeID, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid before_id", nil)
			return
		}
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))

	entries, err := h.reader.List(r.Context(), id, f)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
