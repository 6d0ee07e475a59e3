package retention

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/bengobox/tenancy-service/internal/pgtest"
	"github.com/bengobox/tenancy-service/internal/session"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTrackerFixture(t *testing.T, pageSize int) (*Tracker, *session.Router, tenant.ID) {
	t.Helper()
	ctx := context.Background()
	pool := pgtest.Pool(t)
	logger := zaptest.NewLogger(t)
	reg := tenant.NewRegistry(tenant.RegistryDeps{Pool: pool, Baseline: database.TenantBaseline(), Logger: logger})
	router := session.NewRouter(pool, reg, logger)
	id := tenant.ID(pgtest.UniqueTenant("ret"))
	_, _, err := reg.Create(ctx, id)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Delete(ctx, id)
		_ = reg.Purge(ctx, id)
	})
	return NewTracker(router, pageSize, logger), router, id
}

func collect(t *testing.T, tr *Tracker, id tenant.ID, now time.Time) []Record {
	t.Helper()
	var out []Record
	for rec, err := range tr.Expired(context.Background(), id, now) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestTrackerDeterministicExpiry(t *testing.T) {
	ctx := context.Background()
	tr, router, id := newTrackerFixture(t, 10)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var rec Record
	err := router.WithSession(ctx, id, func(ctx context.Context, s session.Scope) error {
		var err error
		rec, err = tr.Track(ctx, s, TrackInput{ResourceType: "account", ResourceID: "r1", Category: CategoryShort, CreatedAt: created})
		if err != nil {
			return err
		}
		_, err = tr.Track(ctx, s, TrackInput{ResourceType: "consent", ResourceID: "c1", Category: CategoryPermanent, CreatedAt: created})
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	require.True(t, created.Add(30*24*time.Hour).Equal(*rec.ExpiresAt))

	require.Empty(t, collect(t, tr, id, created.Add(29*24*time.Hour)))
	due := collect(t, tr, id, created.Add(31*24*time.Hour))
	require.Len(t, due, 1)
	require.Equal(t, "r1", due[0].ResourceID)

	// Permanent data never shows up.
	require.Len(t, collect(t, tr, id, created.AddDate(100, 0, 0)), 1)
}

func TestTrackerDuplicateAndReplace(t *testing.T) {
	ctx := context.Background()
	tr, router, id := newTrackerFixture(t, 10)

	err := router.WithSession(ctx, id, func(ctx context.Context, s session.Scope) error {
		first, err := tr.Track(ctx, s, TrackInput{ResourceType: "account", ResourceID: "r1", Category: CategoryShort})
		require.NoError(t, err)

		_, err = tr.Track(ctx, s, TrackInput{ResourceType: "account", ResourceID: "r1", Category: CategoryLong})
		require.ErrorIs(t, err, ErrDuplicateRecord)

		// The session is still usable after the duplicate.
		second, err := tr.Track(ctx, s, TrackInput{ResourceType: "account", ResourceID: "r1", Category: CategoryLong, Replace: true})
		require.NoError(t, err)
		require.NotEqual(t, first.ID, second.ID)

		live, err := tr.Get(ctx, s, "account", "r1")
		require.NoError(t, err)
		require.Equal(t, second.ID, live.ID)
		require.Equal(t, CategoryLong, live.Category)
		return nil
	})
	require.NoError(t, err)
}

func TestMarkDeletedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tr, router, id := newTrackerFixture(t, 10)
	created := time.Now().UTC().Add(-40 * 24 * time.Hour)

	err := router.WithSession(ctx, id, func(ctx context.Context, s session.Scope) error {
		_, err := tr.Track(ctx, s, TrackInput{ResourceType: "account", ResourceID: "r1", Category: CategoryShort, CreatedAt: created})
		return err
	})
	require.NoError(t, err)

	due := collect(t, tr, id, time.Now())
	require.Len(t, due, 1)

	var firstDeletedAt time.Time
	err = router.WithSession(ctx, id, func(ctx context.Context, s session.Scope) error {
		marked, err := tr.MarkDeleted(ctx, s, due[0], "")
		require.NoError(t, err)
		require.True(t, marked)
		return s.QueryRow(ctx, "SELECT deleted_at FROM retention_records WHERE id = $1", due[0].ID).Scan(&firstDeletedAt)
	})
	require.NoError(t, err)

	err = router.WithSession(ctx, id, func(ctx context.Context, s session.Scope) error {
		marked, err := tr.MarkDeleted(ctx, s, due[0], "manual")
		require.NoError(t, err)
		require.False(t, marked)

		var (
			deletedAt time.Time
			reason    string
		)
		require.NoError(t, s.QueryRow(ctx,
			"SELECT deleted_at, deletion_reason FROM retention_records WHERE id = $1", due[0].ID).Scan(&deletedAt, &reason))
		require.True(t, firstDeletedAt.Equal(deletedAt))
		require.Equal(t, ReasonExpired, reason)

		_, err = tr.MarkDeleted(ctx, s, Record{ID: 999999}, "")
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, collect(t, tr, id, time.Now()))
}

func TestExpiredPagesThroughEverything(t *testing.T) {
	ctx := context.Background()
	tr, router, id := newTrackerFixture(t, 3)
	created := time.Now().UTC().Add(-60 * 24 * time.Hour)

	err := router.WithSession(ctx, id, func(ctx context.Context, s session.Scope) error {
		for i := 0; i < 10; i++ {
			if _, err := tr.Track(ctx, s, TrackInput{
				ResourceType: "account", ResourceID: fmt.Sprintf("r%d", i), Category: CategoryShort, CreatedAt: created,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, rec := range collect(t, tr, id, time.Now()) {
		require.False(t, seen[rec.ResourceID])
		seen[rec.ResourceID] = true
	}
	require.Len(t, seen, 10)

	// Stopping early is allowed.
	n := 0
	for range tr.Expired(ctx, id, time.Now()) {
		n++
		if n == 2 {
			break
		}
	}
	require.Equal(t, 2, n)
}

func TestExpiryIsImmutableInTheDatabase(t *testing.T) {
	ctx := context.Background()
	tr, router, id := newTrackerFixture(t, 10)
	err := router.WithSession(ctx, id, func(ctx context.Context, s session.Scope) error {
		_, err := tr.Track(ctx, s, TrackInput{ResourceType: "account", ResourceID: "r1", Category: CategoryShort})
		return err
	})
	require.NoError(t, err)

	err = router.WithSession(ctx, id, func(ctx context.Context, s session.Scope) error {
		_, err := s.Exec(ctx, "UPDATE retention_records SET expires_at = expires_at + interval '1 day'")
		return err
	})
	require.Error(t, err)
}
