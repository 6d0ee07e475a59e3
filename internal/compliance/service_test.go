package compliance

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/bengobox/tenancy-service/internal/encryption"
	"github.com/bengobox/tenancy-service/internal/pgtest"
	"github.com/bengobox/tenancy-service/internal/retention"
	"github.com/bengobox/tenancy-service/internal/session"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubSource struct {
	anonymized []string
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) ExportUserData(_ context.Context, _ session.Scope, userID string) (any, error) {
	return map[string]string{"user_id": userID}, nil
}

func (s *stubSource) AnonymizeUserData(_ context.Context, _ session.Scope, userID string) (int, error) {
	s.anonymized = append(s.anonymized, userID)
	return 1, nil
}

type fixture struct {
	svc     *Service
	router  *session.Router
	tracker *retention.Tracker
	audit   *audit.Logger
	source  *stubSource
	tenant  tenant.ID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	pool := pgtest.Pool(t)
	logger := zaptest.NewLogger(t)

	reg := tenant.NewRegistry(tenant.RegistryDeps{Pool: pool, Baseline: database.TenantBaseline(), Logger: logger})
	router := session.NewRouter(pool, reg, logger)
	id := tenant.ID(pgtest.UniqueTenant("dsr"))
	_, _, err := reg.Create(ctx, id)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.Delete(ctx, id)
		_ = reg.Purge(ctx, id)
	})

	crypto, err := encryption.NewManager(encryption.NewPostgresKeyStore(pool), "compliance-test-master-secret-0123456789", 8, logger)
	require.NoError(t, err)
	t.Cleanup(crypto.Close)
	_, err = crypto.EnsureActiveKey(ctx)
	require.NoError(t, err)

	tracker := retention.NewTracker(router, 50, logger)
	auditLog := audit.New(audit.Deps{Sessions: router, Logger: logger})
	source := &stubSource{}
	svc := NewService(Deps{
		Sessions:  router,
		Crypto:    crypto,
		Retention: tracker,
		Audit:     auditLog,
		Sources:   []DataSource{source},
		Logger:    logger,
	})
	return fixture{svc: svc, router: router, tracker: tracker, audit: auditLog, source: source, tenant: id}
}

func (f fixture) rawIP(t *testing.T, consentID int64) *string {
	t.Helper()
	var ip *string
	err := f.router.WithSession(context.Background(), f.tenant, func(ctx context.Context, s session.Scope) error {
		return s.QueryRow(ctx, "SELECT ip_address FROM consents WHERE id = $1", consentID).Scan(&ip)
	})
	require.NoError(t, err)
	return ip
}

func TestConsentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.RecordConsent(ctx, f.tenant, ConsentInput{
		UserID:    "u1",
		Type:      ConsentMarketing,
		Granted:   true,
		IPAddress: "203.0.113.7",
		UserAgent: "curl/8.0",
	})
	require.NoError(t, err)
	require.NotNil(t, c.GrantedAt)
	assert.Equal(t, "203.0.113.7", c.IPAddress)

	raw := f.rawIP(t, c.ID)
	require.NotNil(t, raw)
	assert.True(t, strings.HasPrefix(*raw, "v1."), "client ip is stored as an envelope")
	assert.NotContains(t, *raw, "203.0.113.7")

	err = f.router.WithSession(ctx, f.tenant, func(ctx context.Context, s session.Scope) error {
		rec, err := f.tracker.Get(ctx, s, ResourceConsent, strconv.FormatInt(c.ID, 10))
		require.NoError(t, err)
		assert.Equal(t, retention.CategoryPermanent, rec.Category)
		assert.Nil(t, rec.ExpiresAt)
		return nil
	})
	require.NoError(t, err)

	granted, err := f.svc.CheckConsent(ctx, f.tenant, "u1", ConsentMarketing)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = f.svc.CheckConsent(ctx, f.tenant, "u1", ConsentAnalytics)
	require.NoError(t, err)
	assert.False(t, granted)

	require.NoError(t, f.svc.RevokeConsent(ctx, f.tenant, "u1", ConsentMarketing))
	granted, err = f.svc.CheckConsent(ctx, f.tenant, "u1", ConsentMarketing)
	require.NoError(t, err)
	assert.False(t, granted)

	require.ErrorIs(t, f.svc.RevokeConsent(ctx, f.tenant, "u1", ConsentMarketing), ErrConsentNotFound)

	entries, err := f.audit.List(ctx, f.tenant, audit.Filter{Action: audit.ActionConsentGranted})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRecordConsentRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordConsent(ctx, f.tenant, ConsentInput{Type: ConsentMarketing, Granted: true})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.RecordConsent(ctx, f.tenant, ConsentInput{UserID: "u1", Type: "newsletter", Granted: true})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDataSubjectRequestTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, f.tenant, RequestInput{UserID: "u2", Type: RightErasure, Notes: "via support"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Nil(t, req.CompletedAt)

	req, err = f.svc.UpdateRequestStatus(ctx, f.tenant, req.ID, StatusInProgress, "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, req.Status)
	assert.Nil(t, req.CompletedAt)

	req, err = f.svc.UpdateRequestStatus(ctx, f.tenant, req.ID, StatusCompleted, "ops")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, req.Status)
	require.NotNil(t, req.CompletedAt)
	assert.Equal(t, "ops", req.ProcessedBy)

	_, err = f.svc.UpdateRequestStatus(ctx, f.tenant, req.ID, StatusPending, "ops")
	require.ErrorIs(t, err, ErrRequestNotFound, "completed requests are final")

	_, err = f.svc.UpdateRequestStatus(ctx, f.tenant, 999999, StatusRejected, "ops")
	require.ErrorIs(t, err, ErrRequestNotFound)

	_, err = f.svc.CreateRequest(ctx, f.tenant, RequestInput{UserID: "u2", Type: "forget"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestExportAndAnonymize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.RecordConsent(ctx, f.tenant, ConsentInput{UserID: "u3", Type: ConsentAnalytics, Granted: true, IPAddress: "198.51.100.4"})
	require.NoError(t, err)
	_, err = f.svc.CreateRequest(ctx, f.tenant, RequestInput{UserID: "u3", Type: RightAccess})
	require.NoError(t, err)

	export, err := f.svc.ExportUserData(ctx, f.tenant, "u3")
	require.NoError(t, err)
	assert.Equal(t, f.tenant, export.TenantID)
	require.Len(t, export.Consents, 1)
	assert.Equal(t, "198.51.100.4", export.Consents[0].IPAddress)
	require.Len(t, export.Requests, 1)
	assert.Equal(t, map[string]string{"user_id": "u3"}, export.Data["stub"])

	res, err := f.svc.AnonymizeUserData(ctx, f.tenant, "u3")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Consents)
	assert.Equal(t, map[string]int{"stub": 1}, res.Sources)
	assert.Equal(t, []string{"u3"}, f.source.anonymized)
	assert.Nil(t, f.rawIP(t, c.ID), "consent metadata is stripped")

	granted, err := f.svc.CheckConsent(ctx, f.tenant, "u3", ConsentAnalytics)
	require.NoError(t, err)
	assert.True(t, granted, "the consent decision itself is kept")

	for _, action := range []audit.Action{audit.ActionDataExported, audit.ActionDataAnonymized} {
		entries, err := f.audit.List(ctx, f.tenant, audit.Filter{Action: action})
		require.NoError(t, err)
		assert.Len(t, entries, 1, action)
	}
}
