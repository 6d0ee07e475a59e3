package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/bengobox/tenancy-service/internal/session"
	"github.com/bengobox/tenancy-service/internal/tenant"
)

// Action is an auditable event.
type Action string

const (
	ActionLogin          Action = "login"
	ActionLogout         Action = "logout"
	ActionLoginFailed    Action = "login_failed"
	ActionPasswordChange Action = "password_changed"
	ActionPasswordReset  Action = "password_reset"

	ActionDataRead     Action = "data_read"
	ActionDataCreated  Action = "data_created"
	ActionDataUpdated  Action = "data_updated"
	ActionDataDeleted  Action = "data_deleted"
	ActionDataExported Action = "data_exported"

	ActionConsentGranted     Action = "consent_granted"
	ActionConsentRevoked     Action = "consent_revoked"
	ActionDataAnonymized     Action = "data_anonymized"
	ActionDataSubjectRequest Action = "data_subject_request"

	ActionPermissionChanged  Action = "permission_changed"
	ActionSecurityAlert      Action = "security_alert"
	ActionSuspiciousActivity Action = "suspicious_activity"

	ActionConfigurationChanged Action = "configuration_changed"
	ActionTenantCreated        Action = "tenant_created"
	ActionTenantDeleted        Action = "tenant_deleted"
	ActionKeyRotated           Action = "key_rotated"
)

// Valid reports whether a is one of the declared actions.
func (a Action) Valid() bool {
	switch a {
	case ActionLogin, ActionLogout, ActionLoginFailed, ActionPasswordChange, ActionPasswordReset,
		ActionDataRead, ActionDataCreated, ActionDataUpdated, ActionDataDeleted, ActionDataExported,
		ActionConsentGranted, ActionConsentRevoked, ActionDataAnonymized, ActionDataSubjectRequest,
		ActionPermissionChanged, ActionSecurityAlert, ActionSuspiciousActivity,
		ActionConfigurationChanged, ActionTenantCreated, ActionTenantDeleted, ActionKeyRotated:
		return true
	}
	return false
}

// Severity grades an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SystemActor is recorded when no caller identity is known.
const SystemActor = "system"

type traceKey struct{}
type actorKey struct{}

// WithTraceID attaches the request trace id used for entries appended under ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceIDFromContext returns the trace id set by WithTraceID.
func TraceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(traceKey{}).(string)
	return v
}

// WithActor attaches the authenticated caller.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the caller set by WithActor, or SystemActor.
func ActorFromContext(ctx context.Context) string {
	if v, _ := ctx.Value(actorKey{}).(string); v != "" {
		return v
	}
	return SystemActor
}

const table = "audit_logs"

var columns = []string{
	"id", "tenant_id", "action", "actor", "resource_type", "resource_id", "severity",
	"status", "ip_address", "user_agent", "trace_id", "details", "occurred_at",
}

type row struct {
	ID           int64          `db:"id"`
	TenantID     string         `db:"tenant_id"`
	Action       string         `db:"action"`
	Actor        string         `db:"actor"`
	ResourceType *string        `db:"resource_type"`
	ResourceID   *string        `db:"resource_id"`
	Severity     string         `db:"severity"`
	Status       *string        `db:"status"`
	IPAddress    *string        `db:"ip_address"`
	UserAgent    *string        `db:"user_agent"`
	TraceID      *string        `db:"trace_id"`
	Details      map[string]any `db:"details"`
	OccurredAt   time.Time      `db:"occurred_at"`
}

func (r row) entry() Entry {
	return Entry{
		ID:           r.ID,
		TenantID:     tenant.ID(r.TenantID),
		Action:       Action(r.Action),
		Actor:        r.Actor,
		ResourceType: deref(r.ResourceType),
		ResourceID:   deref(r.ResourceID),
		Severity:     Severity(r.Severity),
		Status:       deref(r.Status),
		IPAddress:    deref(r.IPAddress),
		UserAgent:    deref(r.UserAgent),
		TraceID:      deref(r.TraceID),
		Details:      r.Details,
		Timestamp:    r.OccurredAt,
	}
}

func insert(ctx context.Context, q session.Querier, e Entry) error {
	var details any
	if len(e.Details) > 0 {
		details = e.Details
	}
	query, args := database.Builder().Insert(table).
		Columns("tenant_id", "action", "actor", "resource_type", "resource_id", "severity",
			"status", "ip_address", "user_agent", "trace_id", "details", "occurred_at").
		Values(e.TenantID.String(), string(e.Action), e.Actor, nullable(e.ResourceType), nullable(e.ResourceID),
			string(e.Severity), nullable(e.Status), nullable(e.IPAddress), nullable(e.UserAgent),
			nullable(e.TraceID), details, e.Timestamp).
		Query()
	if _, err := q.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
