package account

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/config"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/bengobox/tenancy-service/internal/encryption"
	"github.com/bengobox/tenancy-service/internal/password"
	"github.com/bengobox/tenancy-service/internal/pgtest"
	"github.com/bengobox/tenancy-service/internal/retention"
	"github.com/bengobox/tenancy-service/internal/session"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "account-test-master-secret-0123456789abcdef"

type countingHasher struct {
	PasswordHasher
	compares atomic.Int32
}

func (c *countingHasher) Compare(hash, password string) error {
	c.compares.Add(1)
	return c.PasswordHasher.Compare(hash, password)
}

type fixture struct {
	svc     *Service
	hasher  *countingHasher
	router  *session.Router
	crypto  *encryption.Manager
	tracker *retention.Tracker
	audit   *audit.Logger
	tenant  tenant.ID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	pool := pgtest.Pool(t)
	logger := zaptest.NewLogger(t)

	reg := tenant.NewRegistry(tenant.RegistryDeps{Pool: pool, Baseline: database.TenantBaseline(), Logger: logger})
	router := session.NewRouter(pool, reg, logger)
	id := tenant.ID(pgtest.UniqueTenant("acct"))
	_, _, err := reg.Create(ctx, id)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Delete(ctx, id)
		_ = reg.Purge(ctx, id)
	})

	crypto, err := encryption.NewManager(encryption.NewPostgresKeyStore(pool), testSecret, 8, logger)
	require.NoError(t, err)
	t.Cleanup(crypto.Close)
	_, err = crypto.EnsureActiveKey(ctx)
	require.NoError(t, err)

	tracker := retention.NewTracker(router, 50, logger)
	auditLog := audit.New(audit.Deps{Sessions: router, Logger: logger})
	hasher := &countingHasher{PasswordHasher: password.NewHasher(config.SecurityConfig{Argon2Time: 1, Argon2Memory: 8 * 1024, Argon2Threads: 1, Argon2KeyLength: 32})}
	svc := NewService(Deps{
		Sessions:     router,
		Crypto:       crypto,
		Retention:    tracker,
		Audit:        auditLog,
		Passwords:    hasher,
		LookupSecret: "lookup",
		Logger:       logger,
	})
	return fixture{svc: svc, hasher: hasher, router: router, crypto: crypto, tracker: tracker, audit: auditLog, tenant: id}
}

func (f fixture) rawEmail(t *testing.T, id uuid.UUID) string {
	t.Helper()
	var email string
	err := f.router.WithSession(context.Background(), f.tenant, func(ctx context.Context, s session.Scope) error {
		return s.QueryRow(ctx, "SELECT email FROM accounts WHERE id = $1", id.String()).Scan(&email)
	})
	require.NoError(t, err)
	return email
}

func TestNormalizeEmail(t *testing.T) {
	email, err := normalizeEmail("  Jane.Doe@Example.COM ")
	require.NoError(t, err)
	require.Equal(t, "jane.doe@example.com", email)

	for _, bad := range []string{"", "plain", "@example.com", "jane@"} {
		_, err := normalizeEmail(bad)
		require.ErrorIs(t, err, ErrInvalidInput, bad)
	}
}

func TestEmailHashIsKeyed(t *testing.T) {
	a := NewService(Deps{LookupSecret: "one"})
	b := NewService(Deps{LookupSecret: "two"})
	require.Equal(t, a.emailHash("x@y.z"), a.emailHash("x@y.z"))
	require.NotEqual(t, a.emailHash("x@y.z"), b.emailHash("x@y.z"))
	require.Len(t, a.emailHash("x@y.z"), 64)
}

func TestAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	acc, err := f.svc.Create(ctx, f.tenant, CreateInput{Email: "Jane@Example.com", FullName: "Jane Doe", Password: "s3cret"})
	require.NoError(t, err)
	require.Equal(t, "jane@example.com", acc.Email)
	require.Equal(t, retention.CategoryLong, acc.Category)
	require.NotNil(t, acc.ExpiresAt)
	require.WithinDuration(t, acc.CreatedAt.AddDate(0, 0, 2555), *acc.ExpiresAt, time.Second)

	raw := f.rawEmail(t, acc.ID)
	require.True(t, encryption.IsEnvelope(raw))
	require.NotContains(t, raw, "jane")

	_, err = f.svc.Create(ctx, f.tenant, CreateInput{Email: "JANE@example.com"})
	require.ErrorIs(t, err, ErrEmailTaken)

	got, err := f.svc.Get(ctx, f.tenant, acc.ID)
	require.NoError(t, err)
	require.Equal(t, "Jane Doe", got.FullName)
	require.True(t, got.IsActive)

	list, err := f.svc.List(ctx, f.tenant, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = f.svc.VerifyPassword(ctx, f.tenant, "jane@example.com", "s3cret")
	require.NoError(t, err)
	_, err = f.svc.VerifyPassword(ctx, f.tenant, "jane@example.com", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	failures, err := f.audit.List(ctx, f.tenant, audit.Filter{Action: audit.ActionLoginFailed})
	require.NoError(t, err)
	require.Len(t, failures, 1, "failed login is audited even though the call fails")

	require.NoError(t, f.svc.Delete(ctx, f.tenant, acc.ID))
	_, err = f.svc.Get(ctx, f.tenant, acc.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, f.svc.Delete(ctx, f.tenant, acc.ID), ErrNotFound)

	err = f.router.WithSession(ctx, f.tenant, func(ctx context.Context, s session.Scope) error {
		_, err := f.tracker.Get(ctx, s, ResourceAccount, acc.ID.String())
		return err
	})
	require.ErrorIs(t, err, retention.ErrNotFound, "retention record closed on delete")
}

func TestRetentionCategoryOverride(t *testing.T) {
	f := newFixture(t)
	acc, err := f.svc.Create(context.Background(), f.tenant, CreateInput{Email: "short@example.com", Category: retention.CategoryShort})
	require.NoError(t, err)
	require.Equal(t, retention.CategoryShort, acc.Category)
	require.WithinDuration(t, acc.CreatedAt.AddDate(0, 0, 30), *acc.ExpiresAt, time.Second)

	_, err = f.svc.Create(context.Background(), f.tenant, CreateInput{Email: "bad@example.com", Category: "forever"})
	require.ErrorIs(t, err, retention.ErrUnknownCategory)
}

func TestUpdateReencryptsStaleFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	acc, err := f.svc.Create(ctx, f.tenant, CreateInput{Email: "rot@example.com", FullName: "Old Name"})
	require.NoError(t, err)
	before := f.rawEmail(t, acc.ID)

	_, err = f.crypto.Rotate(ctx)
	require.NoError(t, err)
	current, err := f.crypto.IsCurrent(ctx, before)
	require.NoError(t, err)
	require.False(t, current)

	name := "New Name"
	updated, err := f.svc.Update(ctx, f.tenant, acc.ID, UpdateInput{FullName: &name})
	require.NoError(t, err)
	require.Equal(t, "rot@example.com", updated.Email)
	require.Equal(t, "New Name", updated.FullName)

	after := f.rawEmail(t, acc.ID)
	oldEnv, err := encryption.ParseEnvelope(before)
	require.NoError(t, err)
	newEnv, err := encryption.ParseEnvelope(after)
	require.NoError(t, err)
	require.NotEqual(t, oldEnv.KeyID, newEnv.KeyID, "untouched email re-sealed under a newer key")
}

func TestUpdateEmailConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.Create(ctx, f.tenant, CreateInput{Email: "a@example.com"})
	require.NoError(t, err)
	b, err := f.svc.Create(ctx, f.tenant, CreateInput{Email: "b@example.com"})
	require.NoError(t, err)

	taken := "A@example.com"
	_, err = f.svc.Update(ctx, f.tenant, b.ID, UpdateInput{Email: &taken})
	require.ErrorIs(t, err, ErrEmailTaken)

	_, err = f.svc.Update(ctx, f.tenant, uuid.New(), UpdateInput{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAnonymizeAndExport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc, err := f.svc.Create(ctx, f.tenant, CreateInput{Email: "gone@example.com", FullName: "Gone Soon", Password: "pw"})
	require.NoError(t, err)

	err = f.router.WithSession(ctx, f.tenant, func(ctx context.Context, s session.Scope) error {
		data, err := f.svc.ExportUserData(ctx, s, acc.ID.String())
		require.NoError(t, err)
		exported, ok := data.(Account)
		require.True(t, ok)
		assert.Equal(t, "gone@example.com", exported.Email)

		none, err := f.svc.ExportUserData(ctx, s, "not-a-uuid")
		require.NoError(t, err)
		assert.Nil(t, none)

		n, err := f.svc.AnonymizeUserData(ctx, s, acc.ID.String())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = f.svc.AnonymizeUserData(ctx, s, acc.ID.String())
		require.NoError(t, err)
		assert.Equal(t, 0, n, "already anonymized")
		return nil
	})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, f.tenant, acc.ID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got.Email, "pseudo_"))
	require.Empty(t, got.FullName)
	require.False(t, got.IsActive)
	require.NotNil(t, got.AnonymizedAt)

	name := "Back"
	_, err = f.svc.Update(ctx, f.tenant, acc.ID, UpdateInput{FullName: &name})
	require.ErrorIs(t, err, ErrAnonymized)
	_, err = f.svc.VerifyPassword(ctx, f.tenant, "gone@example.com", "pw")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestPurgeResourceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc, err := f.svc.Create(ctx, f.tenant, CreateInput{Email: "purge@example.com"})
	require.NoError(t, err)

	rec := retention.Record{ResourceType: ResourceAccount, ResourceID: acc.ID.String()}
	for i := 0; i < 2; i++ {
		err = f.router.WithSession(ctx, f.tenant, func(ctx context.Context, s session.Scope) error {
			return f.svc.PurgeResource(ctx, s, rec)
		})
		require.NoError(t, err)
	}
	_, err = f.svc.Get(ctx, f.tenant, acc.ID)
	require.ErrorIs(t, err, ErrNotFound)

	err = f.router.WithSession(ctx, f.tenant, func(ctx context.Context, s session.Scope) error {
		return f.svc.PurgeResource(ctx, s, retention.Record{ResourceID: "bogus"})
	})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestVerifyPasswordHashesForUnknownAccounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.Create(ctx, f.tenant, CreateInput{Email: "known@example.com", Password: "pw"})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, f.tenant, CreateInput{Email: "nopass@example.com"})
	require.NoError(t, err)
	inactive, err := f.svc.Create(ctx, f.tenant, CreateInput{Email: "off@example.com", Password: "pw"})
	require.NoError(t, err)
	off := false
	_, err = f.svc.Update(ctx, f.tenant, inactive.ID, UpdateInput{IsActive: &off})
	require.NoError(t, err)

	for i, email := range []string{"nobody@example.com", "nopass@example.com", "off@example.com", "known@example.com"} {
		_, err := f.svc.VerifyPassword(ctx, f.tenant, email, "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials, email)
		require.EqualValues(t, i+1, f.hasher.compares.Load(), "every attempt runs one hash comparison: %s", email)
	}
	require.True(t, strings.HasPrefix(f.svc.dummyHash(), "$argon2id$"))
}

func TestUpdateSealsLegacyPlaintext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	acc, err := f.svc.Create(ctx, f.tenant, CreateInput{Email: "legacy@example.com", FullName: "Sealed"})
	require.NoError(t, err)

	err = f.router.WithSession(ctx, f.tenant, func(ctx context.Context, s session.Scope) error {
		_, err := s.Exec(ctx, "UPDATE accounts SET full_name = $1 WHERE id = $2", "Legacy Name", acc.ID.String())
		return err
	})
	require.NoError(t, err)

	email := "legacy2@example.com"
	updated, err := f.svc.Update(ctx, f.tenant, acc.ID, UpdateInput{Email: &email})
	require.NoError(t, err)
	require.Equal(t, "Legacy Name", updated.FullName)

	var raw string
	err = f.router.WithSession(ctx, f.tenant, func(ctx context.Context, s session.Scope) error {
		return s.QueryRow(ctx, "SELECT full_name FROM accounts WHERE id = $1", acc.ID.String()).Scan(&raw)
	})
	require.NoError(t, err)
	require.True(t, encryption.IsEnvelope(raw))
	require.NotContains(t, raw, "Legacy")
}
