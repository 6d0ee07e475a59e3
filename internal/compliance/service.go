package compliance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/bengobox/tenancy-service/internal/retention"
	"github.com/bengobox/tenancy-service/internal/session"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	consentsTable = "consents"
	requestsTable = "data_subject_requests"

	// ResourceConsent and ResourceRequest name compliance records in the
	// retention ledger and the audit log.
	ResourceConsent = "consent"
	ResourceRequest = "data_subject_request"
)

// DataSource is implemented by every domain module that holds personal data,
// so export and erasure reach all of it.
type DataSource interface {
	Name() string
	ExportUserData(ctx context.Context, s session.Scope, userID string) (any, error)
	// AnonymizeUserData irreversibly strips personal data and reports how many
	// records it changed.
	AnonymizeUserData(ctx context.Context, s session.Scope, userID string) (int, error)
}

// Encryptor protects consent metadata at rest.
type Encryptor interface {
	EncryptString(ctx context.Context, s string) (string, error)
	DecryptString(ctx context.Context, encoded string) (string, error)
}

// Tracker registers retention deadlines.
type Tracker interface {
	Track(ctx context.Context, q session.Querier, in retention.TrackInput) (retention.Record, error)
}

// Auditor appends audit entries within a session.
type Auditor interface {
	Append(ctx context.Context, s session.Scope, entry audit.Entry) error
	Enforce(err error) error
}

// SessionOpener runs work inside a tenant-scoped session.
type SessionOpener interface {
	WithSession(ctx context.Context, id tenant.ID, fn func(ctx context.Context, s session.Scope) error) error
}

// Service implements consent and data-subject-rights handling.
type Service struct {
	sessions  SessionOpener
	crypto    Encryptor
	retention Tracker
	audit     Auditor
	sources   []DataSource
	logger    *zap.Logger
	now       func() time.Time
}

// Deps aggregates constructor inputs.
type Deps struct {
	Sessions  SessionOpener
	Crypto    Encryptor
	Retention Tracker
	Audit     Auditor
	Sources   []DataSource
	Logger    *zap.Logger
}

// NewService constructs a Service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessions:  deps.Sessions,
		crypto:    deps.Crypto,
		retention: deps.Retention,
		audit:     deps.Audit,
		sources:   deps.Sources,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type consentRow struct {
	ID          int64      `db:"id"`
	UserID      string     `db:"user_id"`
	ConsentType string     `db:"consent_type"`
	Granted     bool       `db:"granted"`
	GrantedAt   *time.Time `db:"granted_at"`
	RevokedAt   *time.Time `db:"revoked_at"`
	IPAddress   *string    `db:"ip_address"`
	UserAgent   *string    `db:"user_agent"`
	ConsentText *string    `db:"consent_text"`
	CreatedAt   time.Time  `db:"created_at"`
}

var consentColumns = []string{
	"id", "user_id", "consent_type", "granted", "granted_at", "revoked_at",
	"ip_address", "user_agent", "consent_text", "created_at",
}

type requestRow struct {
	ID          int64      `db:"id"`
	UserID      string     `db:"user_id"`
	RequestType string     `db:"request_type"`
	Status      string     `db:"status"`
	RequestedAt time.Time  `db:"requested_at"`
	CompletedAt *time.Time `db:"completed_at"`
	ProcessedBy *string    `db:"processed_by"`
	Notes       *string    `db:"notes"`
}

func (r requestRow) request() Request {
	return Request{
		ID:          r.ID,
		UserID:      r.UserID,
		Type:        DataSubjectRight(r.RequestType),
		Status:      RequestStatus(r.Status),
		RequestedAt: r.RequestedAt,
		CompletedAt: r.CompletedAt,
		ProcessedBy: deref(r.ProcessedBy),
		Notes:       deref(r.Notes),
	}
}

var requestColumns = []string{"id", "user_id", "request_type", "status", "requested_at", "completed_at", "processed_by", "notes"}

// RecordConsent stores a consent decision. Client IP and user agent are
// encrypted; the record is kept permanently.
func (s *Service) RecordConsent(ctx context.Context, tenantID tenant.ID, in ConsentInput) (Consent, error) {
	if in.UserID == "" {
		return Consent{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if _, err := ParseConsentType(string(in.Type)); err != nil {
		return Consent{}, err
	}

	var out Consent
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		ip, err := s.sealOptional(ctx, in.IPAddress)
		if err != nil {
			return err
		}
		ua, err := s.sealOptional(ctx, in.UserAgent)
		if err != nil {
			return err
		}
		now := s.now()
		var grantedAt, revokedAt *time.Time
		if in.Granted {
			grantedAt = &now
		} else {
			revokedAt = &now
		}

		query, args := database.Builder().Insert(consentsTable).
			Columns("user_id", "consent_type", "granted", "granted_at", "revoked_at", "ip_address", "user_agent", "consent_text", "created_at").
			Values(in.UserID, string(in.Type), in.Granted, grantedAt, revokedAt, ip, ua, nullable(in.ConsentText), now).
			Returning(consentColumns...).
			Query()
		rows, err := sc.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert consent: %w", err)
		}
		row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[consentRow])
		if err != nil {
			return fmt.Errorf("insert consent: %w", err)
		}

		if _, err := s.retention.Track(ctx, sc, retention.TrackInput{
			ResourceType: ResourceConsent,
			ResourceID:   strconv.FormatInt(row.ID, 10),
			Category:     retention.CategoryFor(retention.ConsentRecords),
			CreatedAt:    row.CreatedAt,
		}); err != nil {
			return err
		}

		action := audit.ActionConsentGranted
		if !in.Granted {
			action = audit.ActionConsentRevoked
		}
		if err := s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
			Action:       action,
			ResourceType: ResourceConsent,
			ResourceID:   strconv.FormatInt(row.ID, 10),
			Status:       "success",
			Details:      map[string]any{"user_id": in.UserID, "consent_type": string(in.Type)},
		})); err != nil {
			return err
		}

		out = Consent{
			ID:          row.ID,
			UserID:      row.UserID,
			Type:        ConsentType(row.ConsentType),
			Granted:     row.Granted,
			GrantedAt:   row.GrantedAt,
			RevokedAt:   row.RevokedAt,
			IPAddress:   in.IPAddress,
			UserAgent:   in.UserAgent,
			ConsentText: deref(row.ConsentText),
			CreatedAt:   row.CreatedAt,
		}
		return nil
	})
	return out, err
}

// CheckConsent reports whether the user currently grants the consent type.
func (s *Service) CheckConsent(ctx context.Context, tenantID tenant.ID, userID string, ct ConsentType) (bool, error) {
	var granted bool
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		return sc.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM consents
			 WHERE user_id = $1 AND consent_type = $2 AND granted AND revoked_at IS NULL)`,
			userID, string(ct)).Scan(&granted)
	})
	if err != nil {
		return false, fmt.Errorf("check consent: %w", err)
	}
	return granted, nil
}

// RevokeConsent withdraws every live grant of the consent type.
func (s *Service) RevokeConsent(ctx context.Context, tenantID tenant.ID, userID string, ct ConsentType) error {
	return s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		query, args := database.Builder().Update(consentsTable).
			Set("granted", false).
			Set("revoked_at", s.now()).
			Where(entsql.And(
				entsql.EQ("user_id", userID),
				entsql.EQ("consent_type", string(ct)),
				entsql.EQ("granted", true),
				entsql.IsNull("revoked_at"),
			)).
			Query()
		tag, err := sc.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("revoke consent: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConsentNotFound
		}
		return s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
			Action:       audit.ActionConsentRevoked,
			ResourceType: ResourceConsent,
			Status:       "success",
			Details:      map[string]any{"user_id": userID, "consent_type": string(ct), "revoked": tag.RowsAffected()},
		}))
	})
}

// CreateRequest opens a data-subject request in pending state.
func (s *Service) CreateRequest(ctx context.Context, tenantID tenant.ID, in RequestInput) (Request, error) {
	if in.UserID == "" {
		return Request{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if _, err := ParseRight(string(in.Type)); err != nil {
		return Request{}, err
	}

	var out Request
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		query, args := database.Builder().Insert(requestsTable).
			Columns("user_id", "request_type", "status", "requested_at", "notes").
			Values(in.UserID, string(in.Type), string(StatusPending), s.now(), nullable(in.Notes)).
			Returning(requestColumns...).
			Query()
		rows, err := sc.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert data subject request: %w", err)
		}
		row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[requestRow])
		if err != nil {
			return fmt.Errorf("insert data subject request: %w", err)
		}
		out = row.request()

		if _, err := s.retention.Track(ctx, sc, retention.TrackInput{
			ResourceType: ResourceRequest,
			ResourceID:   strconv.FormatInt(out.ID, 10),
			Category:     retention.CategoryLong,
			CreatedAt:    out.RequestedAt,
		}); err != nil {
			return err
		}
		return s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
			Action:       audit.ActionDataSubjectRequest,
			ResourceType: ResourceRequest,
			ResourceID:   strconv.FormatInt(out.ID, 10),
			Status:       string(StatusPending),
			Details:      map[string]any{"user_id": in.UserID, "request_type": string(in.Type)},
		}))
	})
	return out, err
}

// UpdateRequestStatus moves a request forward. Completed and rejected
// requests are final.
func (s *Service) UpdateRequestStatus(ctx context.Context, tenantID tenant.ID, requestID int64, status RequestStatus, processedBy string) (Request, error) {
	if _, err := ParseRequestStatus(string(status)); err != nil {
		return Request{}, err
	}
	var out Request
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		b := database.Builder()
		upd := b.Update(requestsTable).
			Set("status", string(status)).
			Set("processed_by", nullable(processedBy)).
			Where(entsql.And(
				entsql.EQ("id", requestID),
				entsql.NotIn("status", string(StatusCompleted), string(StatusRejected)),
			))
		if status.terminal() {
			upd = upd.Set("completed_at", s.now())
		}
		query, args := upd.Query()
		tag, err := sc.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update data subject request: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrRequestNotFound
		}

		query, args = b.Select(requestColumns...).From(b.Table(requestsTable)).Where(entsql.EQ("id", requestID)).Query()
		rows, err := sc.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("load data subject request: %w", err)
		}
		row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[requestRow])
		if err != nil {
			return fmt.Errorf("load data subject request: %w", err)
		}
		out = row.request()
		return s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
			Action:       audit.ActionDataSubjectRequest,
			ResourceType: ResourceRequest,
			ResourceID:   strconv.FormatInt(requestID, 10),
			Status:       string(status),
		}))
	})
	return out, err
}

// ExportUserData gathers everything held about the user: consents, requests
// and the data of every registered source.
func (s *Service) ExportUserData(ctx context.Context, tenantID tenant.ID, userID string) (Export, error) {
	out := Export{UserID: userID, TenantID: tenantID, ExportedAt: s.now(), Data: map[string]any{}}
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		consents, err := s.consentsFor(ctx, sc, userID)
		if err != nil {
			return err
		}
		out.Consents = consents

		b := database.Builder()
		query, args := b.Select(requestColumns...).From(b.Table(requestsTable)).
			Where(entsql.EQ("user_id", userID)).OrderBy("id").Query()
		rows, err := sc.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query data subject requests: %w", err)
		}
		reqs, err := pgx.CollectRows(rows, pgx.RowToStructByName[requestRow])
		if err != nil {
			return fmt.Errorf("scan data subject requests: %w", err)
		}
		out.Requests = make([]Request, 0, len(reqs))
		for _, r := range reqs {
			out.Requests = append(out.Requests, r.request())
		}

		for _, src := range s.sources {
			data, err := src.ExportUserData(ctx, sc, userID)
			if err != nil {
				return fmt.Errorf("export %s: %w", src.Name(), err)
			}
			if data != nil {
				out.Data[src.Name()] = data
			}
		}
		return s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
			Action:  audit.ActionDataExported,
			Status:  "success",
			Details: map[string]any{"user_id": userID},
		}))
	})
	if err != nil {
		return Export{}, err
	}
	return out, nil
}

// AnonymizeUserData erases the user's personal data. Consent records and the
// audit trail are legal records and stay, stripped of client metadata.
func (s *Service) AnonymizeUserData(ctx context.Context, tenantID tenant.ID, userID string) (AnonymizeResult, error) {
	out := AnonymizeResult{UserID: userID, Sources: map[string]int{}}
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		for _, src := range s.sources {
			n, err := src.AnonymizeUserData(ctx, sc, userID)
			if err != nil {
				return fmt.Errorf("anonymize %s: %w", src.Name(), err)
			}
			out.Sources[src.Name()] = n
		}

		query, args := database.Builder().Update(consentsTable).
			SetNull("ip_address").
			SetNull("user_agent").
			Where(entsql.EQ("user_id", userID)).
			Query()
		tag, err := sc.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("strip consent metadata: %w", err)
		}
		out.Consents = int(tag.RowsAffected())

		return s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
			Action:   audit.ActionDataAnonymized,
			Severity: audit.SeverityWarning,
			Status:   "success",
			Details:  map[string]any{"user_id": userID, "sources": out.Sources, "consents": out.Consents},
		}))
	})
	if err != nil {
		return AnonymizeResult{}, err
	}
	return out, nil
}

func (s *Service) consentsFor(ctx context.Context, sc session.Scope, userID string) ([]Consent, error) {
	b := database.Builder()
	query, args := b.Select(consentColumns...).From(b.Table(consentsTable)).
		Where(entsql.EQ("user_id", userID)).OrderBy("id").Query()
	rows, err := sc.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query consents: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByName[consentRow])
	if err != nil {
		return nil, fmt.Errorf("scan consents: %w", err)
	}
	out := make([]Consent, 0, len(items))
	for _, r := range items {
		ip, err := s.openOptional(ctx, r.IPAddress)
		if err != nil {
			return nil, err
		}
		ua, err := s.openOptional(ctx, r.UserAgent)
		if err != nil {
			return nil, err
		}
		out = append(out, Consent{
			ID:          r.ID,
			UserID:      r.UserID,
			Type:        ConsentType(r.ConsentType),
			Granted:     r.Granted,
			GrantedAt:   r.GrantedAt,
			RevokedAt:   r.RevokedAt,
			IPAddress:   ip,
			UserAgent:   ua,
			ConsentText: deref(r.ConsentText),
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Service) sealOptional(ctx context.Context, v string) (any, error) {
	if v == "" {
		return nil, nil
	}
	sealed, err := s.crypto.EncryptString(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("encrypt consent metadata: %w", err)
	}
	return sealed, nil
}

func (s *Service) openOptional(ctx context.Context, v *string) (string, error) {
	if v == nil || *v == "" {
		return "", nil
	}
	plain, err := s.crypto.DecryptString(ctx, *v)
	if err != nil {
		s.logger.Error("failed to decrypt consent metadata", zap.Error(err))
		return "", fmt.Errorf("decrypt consent metadata: %w", err)
	}
	return plain, nil
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
