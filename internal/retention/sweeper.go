package retention

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/session"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Purger removes the data behind an expired record. It runs in the same
// session that marks the record deleted, so both commit together. Purging
// data that is already gone must succeed.
type Purger interface {
	PurgeResource(ctx context.Context, s session.Scope, rec Record) error
}

// Ledger is the part of Tracker the sweeper needs.
type Ledger interface {
	Expired(ctx context.Context, tenantID tenant.ID, now time.Time) iter.Seq2[Record, error]
	MarkDeleted(ctx context.Context, q session.Querier, rec Record, reason string) (bool, error)
}

// TenantLister enumerates active tenants.
type TenantLister interface {
	List(ctx context.Context) ([]tenant.Record, error)
}

// Auditor appends audit entries within a session.
type Auditor interface {
	Append(ctx context.Context, s session.Scope, entry audit.Entry) error
	Enforce(err error) error
}

// Report summarises one sweep.
type Report struct {
	Tenants int `json:"tenants"`
	Expired int `json:"expired"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// Sweeper expires due records across every active tenant.
type Sweeper struct {
	tenants  TenantLister
	sessions SessionOpener
	ledger   Ledger
	audit    Auditor
	purgers  map[string]Purger
	outcomes *prometheus.CounterVec
	logger   *zap.Logger
}

// SweeperDeps aggregates constructor inputs.
type SweeperDeps struct {
	Tenants    TenantLister
	Sessions   SessionOpener
	Ledger     Ledger
	Audit      Auditor
	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

// NewSweeper constructs a Sweeper.
func NewSweeper(deps SweeperDeps) *Sweeper {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retention_sweep_records_total",
		Help: "Expired retention records processed by outcome.",
	}, []string{"outcome"})
	if deps.Registerer != nil {
		if err := deps.Registerer.Register(outcomes); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				outcomes = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	}
	return &Sweeper{
		tenants:  deps.Tenants,
		sessions: deps.Sessions,
		ledger:   deps.Ledger,
		audit:    deps.Audit,
		purgers:  make(map[string]Purger),
		outcomes: outcomes,
		logger:   logger,
	}
}

// Register routes expired records of resourceType to p. Records without a
// purger are only marked deleted.
func (s *Sweeper) Register(resourceType string, p Purger) {
	s.purgers[resourceType] = p
}

// Sweep processes every record due at now. Per-record failures are logged and
// counted; the record stays live and is picked up again by the next sweep.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	tenants, err := s.tenants.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list tenants: %w", err)
	}
	var report Report
	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Tenants++
		if err := s.sweepTenant(ctx, t.ID, now, &report); err != nil {
			s.logger.Warn("retention sweep aborted for tenant", zap.String("tenant_id", t.ID.String()), zap.Error(err))
		}
	}
	s.logger.Info("retention sweep finished",
		zap.Int("tenants", report.Tenants),
		zap.Int("expired", report.Expired),
		zap.Int("deleted", report.Deleted),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// SweepTenant processes the records due at now for one tenant.
func (s *Sweeper) SweepTenant(ctx context.Context, id tenant.ID, now time.Time) (Report, error) {
	report := Report{Tenants: 1}
	err := s.sweepTenant(ctx, id, now, &report)
	return report, err
}

func (s *Sweeper) sweepTenant(ctx context.Context, id tenant.ID, now time.Time, report *Report) error {
	for rec, err := range s.ledger.Expired(ctx, id, now) {
		if err != nil {
			return err
		}
		report.Expired++
		if err := s.expire(ctx, id, rec); err != nil {
			report.Failed++
			s.outcomes.WithLabelValues("failed").Inc()
			s.logger.Warn("failed to expire retention record",
				zap.String("tenant_id", id.String()),
				zap.Int64("record_id", rec.ID),
				zap.String("resource_type", rec.ResourceType),
				zap.String("resource_id", rec.ResourceID),
				zap.Error(err),
			)
			continue
		}
		report.Deleted++
		s.outcomes.WithLabelValues("deleted").Inc()
	}
	return nil
}

func (s *Sweeper) expire(ctx context.Context, id tenant.ID, rec Record) error {
	return s.sessions.WithSession(ctx, id, func(ctx context.Context, sc session.Scope) error {
		if p, ok := s.purgers[rec.ResourceType]; ok {
			if err := p.PurgeResource(ctx, sc, rec); err != nil {
				return fmt.Errorf("purge %s: %w", rec.ResourceType, err)
			}
		}
		marked, err := s.ledger.MarkDeleted(ctx, sc, rec, ReasonExpired)
		if err != nil || !marked {
			return err
		}
		if s.audit == nil {
			return nil
		}
		return s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
			Action:       audit.ActionDataDeleted,
			Actor:        audit.SystemActor,
			ResourceType: rec.ResourceType,
			ResourceID:   rec.ResourceID,
			Status:       "success",
			Details: map[string]any{
				"reason":   ReasonExpired,
				"category": string(rec.Category),
			},
		}))
	})
}
