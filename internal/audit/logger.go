package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/bengobox/tenancy-service/internal/session"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrWriteFailure reports that an audit entry could not be persisted.
var ErrWriteFailure = errors.New("audit write failure")

// ErrUnknownAction is returned for actions outside the Action enum.
var ErrUnknownAction = errors.New("unknown audit action")

// Entry represents a structured audit event.
type Entry struct {
	ID           int64          `json:"id"`
	TenantID     tenant.ID      `json:"tenant_id"`
	Action       Action         `json:"action"`
	Actor        string         `json:"actor"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Severity     Severity       `json:"severity"`
	Status       string         `json:"status,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	TraceID      string         `json:"trace_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Policy decides what a failed append means for the surrounding work.
type Policy int

const (
	// BestEffort reports the failure to the fallback channel and lets the
	// business operation continue.
	BestEffort Policy = iota
	// Strict makes the failure abort the surrounding transaction.
	Strict
)

// SessionOpener runs work inside a tenant-scoped session.
type SessionOpener interface {
	WithSession(ctx context.Context, id tenant.ID, fn func(ctx context.Context, s session.Scope) error) error
}

// Logger appends audit entries to the tenant's audit_logs table. The table is
// append-only: nothing in this package updates or deletes an entry, and
// database triggers reject any attempt to.
type Logger struct {
	sessions SessionOpener
	policy   Policy
	logger   *zap.Logger
	fallback prometheus.Counter
	now      func() time.Time
}

// Deps aggregates constructor inputs.
type Deps struct {
	Sessions   SessionOpener
	Policy     Policy
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// New constructs a Logger.
func New(deps Deps) *Logger {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fallback := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_fallback_writes_total",
		Help: "Audit entries that could not be persisted and were sent to the fallback log.",
	})
	if deps.Registerer != nil {
		if err := deps.Registerer.Register(fallback); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				fallback = are.ExistingCollector.(prometheus.Counter)
			}
		}
	}
	return &Logger{
		sessions: deps.Sessions,
		policy:   deps.Policy,
		logger:   logger,
		fallback: fallback,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Append writes entry inside s so it commits or rolls back with the business
// operation. The write runs in a savepoint; under BestEffort a failed write is
// retried once and then routed to the fallback log, leaving s usable. The
// returned error wraps ErrWriteFailure either way; pass it through Enforce to
// apply the policy.
func (l *Logger) Append(ctx context.Context, s session.Scope, entry Entry) error {
	entry, err := l.prepare(ctx, s.Tenant(), entry)
	if err != nil {
		return err
	}

	attempts := 2
	if l.policy == Strict {
		attempts = 1
	}
	var writeErr error
	for i := 0; i < attempts; i++ {
		writeErr = s.Savepoint(ctx, func(ctx context.Context, q session.Querier) error {
			return insert(ctx, q, entry)
		})
		if writeErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	l.reportFailure(entry, writeErr)
	return fmt.Errorf("%w: %v", ErrWriteFailure, writeErr)
}

// Enforce applies the policy to an Append error: under BestEffort a write
// failure is dropped, since it was already reported, and anything else passes.
func (l *Logger) Enforce(err error) error {
	if err == nil {
		return nil
	}
	if l.policy == BestEffort && errors.Is(err, ErrWriteFailure) {
		return nil
	}
	return err
}

// Record persists an entry in its own session, for events that have no
// surrounding tenant transaction.
func (l *Logger) Record(ctx context.Context, tenantID tenant.ID, entry Entry) error {
	err := l.sessions.WithSession(ctx, tenantID, func(ctx context.Context, s session.Scope) error {
		return l.Append(ctx, s, entry)
	})
	if err != nil && !errors.Is(err, ErrWriteFailure) && !errors.Is(err, ErrUnknownAction) {
		entry.TenantID = tenantID
		l.reportFailure(entry, err)
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return err
}

// Filter narrows List results.
type Filter struct {
	Action       Action
	ResourceType string
	ResourceID   string
	Since        time.Time
	Until        time.Time
	BeforeID     int64
	Limit        int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// pageSize defaults an unset limit and caps oversized ones.
func (f Filter) pageSize() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return min(f.Limit, maxListLimit)
}

// List retrieves entries, most recent first. It is read-only.
func (l *Logger) List(ctx context.Context, tenantID tenant.ID, f Filter) ([]Entry, error) {
	f.Limit = f.pageSize()
	var out []Entry
	err := l.sessions.WithSession(ctx, tenantID, func(ctx context.Context, s session.Scope) error {
		var preds []*entsql.Predicate
		if f.Action != "" {
			preds = append(preds, entsql.EQ("action", string(f.Action)))
		}
		if f.ResourceType != "" {
			preds = append(preds, entsql.EQ("resource_type", f.ResourceType))
		}
		if f.ResourceID != "" {
			preds = append(preds, entsql.EQ("resource_id", f.ResourceID))
		}
		if !f.Since.IsZero() {
			preds = append(preds, entsql.GTE("occurred_at", f.Since))
		}
		if !f.Until.IsZero() {
			preds = append(preds, entsql.LT("occurred_at", f.Until))
		}
		if f.BeforeID > 0 {
			preds = append(preds, entsql.LT("id", f.BeforeID))
		}

		b := database.Builder()
		sel := b.Select(columns...).From(b.Table(table))
		if len(preds) > 0 {
			sel = sel.Where(entsql.And(preds...))
		}
		query, args := sel.OrderBy(entsql.Desc("id")).Limit(f.Limit).Query()
		rows, err := s.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query audit logs: %w", err)
		}
		items, err := pgx.CollectRows(rows, pgx.RowToStructByName[row])
		if err != nil {
			return fmt.Errorf("scan audit logs: %w", err)
		}
		out = make([]Entry, 0, len(items))
		for _, item := range items {
			out = append(out, item.entry())
		}
		return nil
	})
	return out, err
}

func (l *Logger) prepare(ctx context.Context, tenantID tenant.ID, entry Entry) (Entry, error) {
	if !entry.Action.Valid() {
		return entry, fmt.Errorf("%w: %q", ErrUnknownAction, entry.Action)
	}
	// The tenant always comes from the session, never from the caller.
	entry.TenantID = tenantID
	if entry.Actor == "" {
		entry.Actor = ActorFromContext(ctx)
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}
	if entry.TraceID == "" {
		entry.TraceID = TraceIDFromContext(ctx)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	return entry, nil
}

func (l *Logger) reportFailure(entry Entry, err error) {
	l.fallback.Inc()
	l.logger.Error("audit entry routed to fallback log",
		zap.String("tenant_id", entry.TenantID.String()),
		zap.String("action", string(entry.Action)),
		zap.String("actor", entry.Actor),
		zap.String("resource_type", entry.ResourceType),
		zap.String("resource_id", entry.ResourceID),
		zap.String("severity", string(entry.Severity)),
		zap.String("trace_id", entry.TraceID),
		zap.Time("timestamp", entry.Timestamp),
		zap.Any("details", entry.Details),
		zap.Error(err),
	)
}
