package retention

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/session"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubScope struct {
	session.Scope
	id tenant.ID
}

func (s stubScope) Tenant() tenant.ID { return s.id }

type stubOpener struct{ opened int }

func (o *stubOpener) WithSession(ctx context.Context, id tenant.ID, fn func(context.Context, session.Scope) error) error {
	o.opened++
	return fn(ctx, stubScope{id: id})
}

type stubTenants []tenant.ID

func (s stubTenants) List(context.Context) ([]tenant.Record, error) {
	out := make([]tenant.Record, 0, len(s))
	for _, id := range s {
		out = append(out, tenant.Record{ID: id, Status: tenant.StatusActive})
	}
	return out, nil
}

type stubLedger struct {
	due     map[tenant.ID][]Record
	deleted map[int64]bool
	scanErr error
}

func (l *stubLedger) Expired(_ context.Context, id tenant.ID, _ time.Time) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if l.scanErr != nil {
			yield(Record{}, l.scanErr)
			return
		}
		for _, rec := range l.due[id] {
			if l.deleted[rec.ID] {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (l *stubLedger) MarkDeleted(_ context.Context, _ session.Querier, rec Record, _ string) (bool, error) {
	if l.deleted[rec.ID] {
		return false, nil
	}
	l.deleted[rec.ID] = true
	return true, nil
}

type stubPurger struct {
	purged []string
	fail   map[string]bool
}

func (p *stubPurger) PurgeResource(_ context.Context, _ session.Scope, rec Record) error {
	if p.fail[rec.ResourceID] {
		return errors.New("storage unavailable")
	}
	p.purged = append(p.purged, rec.ResourceID)
	return nil
}

type stubAuditor struct{ entries []audit.Entry }

func (a *stubAuditor) Append(_ context.Context, s session.Scope, e audit.Entry) error {
	e.TenantID = s.Tenant()
	a.entries = append(a.entries, e)
	return nil
}

func (a *stubAuditor) Enforce(err error) error { return err }

func TestSweepExpiresAcrossTenants(t *testing.T) {
	ledger := &stubLedger{
		due: map[tenant.ID][]Record{
			"t1": {
				{ID: 1, ResourceType: "account", ResourceID: "a1", Category: CategoryShort},
				{ID: 2, ResourceType: "account", ResourceID: "a2", Category: CategoryShort},
			},
			"t2": {
				{ID: 3, ResourceType: "session", ResourceID: "s1", Category: CategoryShort},
			},
		},
		deleted: map[int64]bool{},
	}
	purger := &stubPurger{fail: map[string]bool{"a2": true}}
	auditor := &stubAuditor{}
	reg := prometheus.NewRegistry()

	sw := NewSweeper(SweeperDeps{
		Tenants:    stubTenants{"t1", "t2"},
		Sessions:   &stubOpener{},
		Ledger:     ledger,
		Audit:      auditor,
		Logger:     zaptest.NewLogger(t),
		Registerer: reg,
	})
	sw.Register("account", purger)

	report, err := sw.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, Report{Tenants: 2, Expired: 3, Deleted: 2, Failed: 1}, report)

	require.Equal(t, []string{"a1"}, purger.purged)
	require.True(t, ledger.deleted[1])
	require.False(t, ledger.deleted[2], "failed purge leaves the record live")
	require.True(t, ledger.deleted[3], "records without a purger are still marked")

	require.Len(t, auditor.entries, 2)
	require.Equal(t, tenant.ID("t1"), auditor.entries[0].TenantID)
	require.Equal(t, audit.ActionDataDeleted, auditor.entries[0].Action)
	require.Equal(t, tenant.ID("t2"), auditor.entries[1].TenantID)

	require.Equal(t, float64(2), testutil.ToFloat64(sw.outcomes.WithLabelValues("deleted")))
	require.Equal(t, float64(1), testutil.ToFloat64(sw.outcomes.WithLabelValues("failed")))

	// A second sweep only retries the failed record.
	purger.fail = nil
	report, err = sw.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, Report{Tenants: 2, Expired: 1, Deleted: 1}, report)
	require.Len(t, auditor.entries, 3)
}

func TestSweepTenantReportsScanErrors(t *testing.T) {
	boom := errors.New("scan failed")
	sw := NewSweeper(SweeperDeps{
		Tenants:  stubTenants{"t1"},
		Sessions: &stubOpener{},
		Ledger:   &stubLedger{scanErr: boom, deleted: map[int64]bool{}},
		Logger:   zaptest.NewLogger(t),
	})
	_, err := sw.SweepTenant(context.Background(), "t1", time.Now())
	require.ErrorIs(t, err, boom)

	report, err := sw.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, report.Tenants)
}
