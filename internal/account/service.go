package account

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/compliance"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/bengobox/tenancy-service/internal/encryption"
	"github.com/bengobox/tenancy-service/internal/retention"
	"github.com/bengobox/tenancy-service/internal/session"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var (
	ErrNotFound           = errors.New("account not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidInput       = errors.New("invalid account input")
	ErrAnonymized         = errors.New("account has been anonymized")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	// ResourceAccount names accounts in the retention ledger and the audit log.
	ResourceAccount = "account"
	// ReasonErased is recorded when an account is deleted on request.
	ReasonErased = "account_deleted"

	welcomeTitle = "Welcome"

	table           = "accounts"
	uniqueViolation = "23505"
	maxListLimit    = 200
)

// Encryptor seals personal fields at rest.
type Encryptor interface {
	EncryptString(ctx context.Context, s string) (string, error)
	DecryptString(ctx context.Context, encoded string) (string, error)
	IsCurrent(ctx context.Context, encoded string) (bool, error)
}

// Tracker registers and closes retention records.
type Tracker interface {
	Track(ctx context.Context, q session.Querier, in retention.TrackInput) (retention.Record, error)
	Get(ctx context.Context, q session.Querier, resourceType, resourceID string) (retention.Record, error)
	MarkDeleted(ctx context.Context, q session.Querier, rec retention.Record, reason string) (bool, error)
}

// Auditor appends audit entries within a session.
type Auditor interface {
	Append(ctx context.Context, s session.Scope, entry audit.Entry) error
	Enforce(err error) error
}

// PasswordHasher hashes and verifies account passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// Notifier delivers a notification inside the caller's session.
type Notifier interface {
	Notify(ctx context.Context, sc session.Scope, accountID, title, message string) error
}

// SessionOpener runs work inside a tenant-scoped session.
type SessionOpener interface {
	WithSession(ctx context.Context, id tenant.ID, fn func(ctx context.Context, s session.Scope) error) error
}

// Account is the decrypted view of an account row.
type Account struct {
	ID           uuid.UUID          `json:"id"`
	Email        string             `json:"email"`
	FullName     string             `json:"full_name,omitempty"`
	IsActive     bool               `json:"is_active"`
	AnonymizedAt *time.Time         `json:"anonymized_at,omitempty"`
	Category     retention.Category `json:"retention_category,omitempty"`
	ExpiresAt    *time.Time         `json:"retention_expires_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// CreateInput describes a new account.
type CreateInput struct {
	Email    string
	FullName string
	Password string
	// Category overrides the personal-data retention policy.
	Category retention.Category
}

// UpdateInput carries optional changes; nil fields are left alone.
type UpdateInput struct {
	Email    *string
	FullName *string
	Password *string
	IsActive *bool
}

// ListOptions pages through accounts ordered by creation.
type ListOptions struct {
	Limit  int
	Offset int
}

type accountRow struct {
	ID           string     `db:"id"`
	Email        string     `db:"email"`
	FullName     *string    `db:"full_name"`
	PasswordHash *string    `db:"password_hash"`
	IsActive     bool       `db:"is_active"`
	AnonymizedAt *time.Time `db:"anonymized_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

var columns = []string{"id", "email", "full_name", "password_hash", "is_active", "anonymized_at", "created_at", "updated_at"}

// Service manages accounts inside tenant schemas.
type Service struct {
	sessions  SessionOpener
	crypto    Encryptor
	retention Tracker
	audit     Auditor
	passwords PasswordHasher
	notifier  Notifier
	lookupKey []byte
	dummyHash func() string
	logger    *zap.Logger
	now       func() time.Time
}

// Deps aggregates constructor inputs.
type Deps struct {
	Sessions  SessionOpener
	Crypto    Encryptor
	Retention Tracker
	Audit     Auditor
	Passwords PasswordHasher
	// Notifier, when set, receives a welcome message for every new account.
	Notifier Notifier
	// LookupSecret keys the email hash used for uniqueness and lookup.
	LookupSecret string
	Logger       *zap.Logger
}

// NewService constructs a Service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		sessions:  deps.Sessions,
		crypto:    deps.Crypto,
		retention: deps.Retention,
		audit:     deps.Audit,
		passwords: deps.Passwords,
		notifier:  deps.Notifier,
		lookupKey: []byte(deps.LookupSecret),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.dummyHash = sync.OnceValue(func() string {
		h, err := s.passwords.Hash(uuid.NewString())
		if err != nil {
			logger.Warn("failed to prepare dummy password hash", zap.Error(err))
			return ""
		}
		return h
	})
	return s
}

// Create stores a new account with encrypted email and name and registers it
// for retention.
func (s *Service) Create(ctx context.Context, tenantID tenant.ID, in CreateInput) (Account, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return Account{}, err
	}
	category := in.Category
	if category == "" {
		category = retention.CategoryFor(retention.PersonalData)
	}
	if !category.Valid() {
		return Account{}, fmt.Errorf("%w: %q", retention.ErrUnknownCategory, category)
	}
	var passwordHash any
	if in.Password != "" {
		h, err := s.passwords.Hash(in.Password)
		if err != nil {
			return Account{}, fmt.Errorf("hash password: %w", err)
		}
		passwordHash = h
	}

	var out Account
	err = s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		sealedEmail, err := s.crypto.EncryptString(ctx, email)
		if err != nil {
			return fmt.Errorf("encrypt email: %w", err)
		}
		sealedName, err := s.sealOptional(ctx, in.FullName)
		if err != nil {
			return err
		}
		now := s.now()
		query, args := database.Builder().Insert(table).
			Columns("id", "email_hash", "email", "full_name", "password_hash", "is_active", "created_at", "updated_at").
			Values(uuid.NewString(), s.emailHash(email), sealedEmail, sealedName, passwordHash, true, now, now).
			OnConflict(
				entsql.ConflictColumns("email_hash"),
				entsql.DoNothing(),
			).
			Returning(columns...).
			Query()
		rows, err := sc.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		items, err := pgx.CollectRows(rows, pgx.RowToStructByName[accountRow])
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if len(items) == 0 {
			return ErrEmailTaken
		}
		row := items[0]

		rec, err := s.retention.Track(ctx, sc, retention.TrackInput{
			ResourceType: ResourceAccount,
			ResourceID:   row.ID,
			Category:     category,
			CreatedAt:    row.CreatedAt,
		})
		if err != nil {
			return err
		}
		details := map[string]any{
			"email":              compliance.AnonymizeEmail(email),
			"retention_category": string(category),
		}
		if in.FullName != "" {
			details["full_name"] = compliance.AnonymizeName(in.FullName)
		}
		if err := s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
			Action:       audit.ActionDataCreated,
			ResourceType: ResourceAccount,
			ResourceID:   row.ID,
			Status:       "success",
			Details:      details,
		})); err != nil {
			return err
		}
		if s.notifier != nil {
			if err := s.notifier.Notify(ctx, sc, row.ID, welcomeTitle, welcomeMessage(in.FullName, email)); err != nil {
				return fmt.Errorf("welcome notification: %w", err)
			}
		}

		out, err = row.account(email, in.FullName)
		if err != nil {
			return err
		}
		out.Category = rec.Category
		out.ExpiresAt = rec.ExpiresAt
		return nil
	})
	return out, err
}

// Get returns the decrypted account together with its retention deadline.
func (s *Service) Get(ctx context.Context, tenantID tenant.ID, id uuid.UUID) (Account, error) {
	var out Account
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		row, err := load(ctx, sc, id, false)
		if err != nil {
			return err
		}
		out, err = s.open(ctx, row)
		if err != nil {
			return err
		}
		return s.attachRetention(ctx, sc, &out)
	})
	return out, err
}

// List returns a page of decrypted accounts.
func (s *Service) List(ctx context.Context, tenantID tenant.ID, opts ListOptions) ([]Account, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	limit = min(limit, maxListLimit)
	offset := max(opts.Offset, 0)

	var out []Account
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		b := database.Builder()
		query, args := b.Select(columns...).From(b.Table(table)).
			OrderBy("created_at", "id").
			Limit(limit).
			Offset(offset).
			Query()
		rows, err := sc.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query accounts: %w", err)
		}
		items, err := pgx.CollectRows(rows, pgx.RowToStructByName[accountRow])
		if err != nil {
			return fmt.Errorf("scan accounts: %w", err)
		}
		out = make([]Account, 0, len(items))
		for _, row := range items {
			acc, err := s.open(ctx, row)
			if err != nil {
				return err
			}
			out = append(out, acc)
		}
		return nil
	})
	return out, err
}

// Update applies in. Encrypted fields that are not being replaced but were
// sealed under a retired key are re-encrypted under the active key.
func (s *Service) Update(ctx context.Context, tenantID tenant.ID, id uuid.UUID, in UpdateInput) (Account, error) {
	var out Account
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		row, err := load(ctx, sc, id, true)
		if err != nil {
			return err
		}
		if row.AnonymizedAt != nil {
			return ErrAnonymized
		}

		upd := database.Builder().Update(table).Set("updated_at", s.now())
		var changed []string
		reencrypted := 0

		if in.Email != nil {
			email, err := normalizeEmail(*in.Email)
			if err != nil {
				return err
			}
			sealed, err := s.crypto.EncryptString(ctx, email)
			if err != nil {
				return fmt.Errorf("encrypt email: %w", err)
			}
			upd = upd.Set("email", sealed).Set("email_hash", s.emailHash(email))
			changed = append(changed, "email")
		} else if sealed, ok, err := s.reseal(ctx, row.Email); err != nil {
			return err
		} else if ok {
			upd = upd.Set("email", sealed)
			reencrypted++
		}

		if in.FullName != nil {
			sealed, err := s.sealOptional(ctx, *in.FullName)
			if err != nil {
				return err
			}
			upd = upd.Set("full_name", sealed)
			changed = append(changed, "full_name")
		} else if row.FullName != nil {
			if sealed, ok, err := s.reseal(ctx, *row.FullName); err != nil {
				return err
			} else if ok {
				upd = upd.Set("full_name", sealed)
				reencrypted++
			}
		}

		if in.Password != nil {
			h, err := s.passwords.Hash(*in.Password)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			upd = upd.Set("password_hash", h)
			changed = append(changed, "password")
		}
		if in.IsActive != nil {
			upd = upd.Set("is_active", *in.IsActive)
			changed = append(changed, "is_active")
		}

		query, args := upd.Where(entsql.EQ("id", id.String())).Query()
		if _, err := sc.Exec(ctx, query, args...); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrEmailTaken
			}
			return fmt.Errorf("update account: %w", err)
		}
		if reencrypted > 0 {
			s.logger.Debug("re-encrypted account fields under active key",
				zap.String("tenant_id", tenantID.String()),
				zap.String("account_id", id.String()),
				zap.Int("fields", reencrypted),
			)
		}

		if err := s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
			Action:       audit.ActionDataUpdated,
			ResourceType: ResourceAccount,
			ResourceID:   id.String(),
			Status:       "success",
			Details:      map[string]any{"fields": changed, "reencrypted": reencrypted},
		})); err != nil {
			return err
		}

		row, err = load(ctx, sc, id, false)
		if err != nil {
			return err
		}
		out, err = s.open(ctx, row)
		if err != nil {
			return err
		}
		return s.attachRetention(ctx, sc, &out)
	})
	return out, err
}

// Delete removes the account and closes its retention record.
func (s *Service) Delete(ctx context.Context, tenantID tenant.ID, id uuid.UUID) error {
	return s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		deleted, err := deleteRow(ctx, sc, id)
		if err != nil {
			return err
		}
		if !deleted {
			return ErrNotFound
		}
		rec, err := s.retention.Get(ctx, sc, ResourceAccount, id.String())
		switch {
		case errors.Is(err, retention.ErrNotFound):
		case err != nil:
			return err
		default:
			if _, err := s.retention.MarkDeleted(ctx, sc, rec, ReasonErased); err != nil {
				return err
			}
		}
		return s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
			Action:       audit.ActionDataDeleted,
			ResourceType: ResourceAccount,
			ResourceID:   id.String(),
			Status:       "success",
			Details:      map[string]any{"reason": ReasonErased},
		}))
	})
}

// VerifyPassword checks credentials for an active account. Both outcomes are
// audited; the failure entry survives because the session still commits.
func (s *Service) VerifyPassword(ctx context.Context, tenantID tenant.ID, email, password string) (Account, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return Account{}, ErrInvalidCredentials
	}
	var (
		out    Account
		failed bool
	)
	err = s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		b := database.Builder()
		query, args := b.Select(columns...).From(b.Table(table)).
			Where(entsql.EQ("email_hash", s.emailHash(normalized))).
			Query()
		rows, err := sc.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query account: %w", err)
		}
		items, err := pgx.CollectRows(rows, pgx.RowToStructByName[accountRow])
		if err != nil {
			return fmt.Errorf("scan account: %w", err)
		}

		entry := audit.Entry{
			Action:       audit.ActionLogin,
			ResourceType: ResourceAccount,
			Status:       "success",
			Details:      map[string]any{"email": compliance.AnonymizeEmail(normalized)},
		}
		switch {
		case len(items) == 0, !items[0].IsActive, items[0].PasswordHash == nil:
			// Same hashing cost as a real check, so timing does not reveal
			// whether the email is registered.
			_ = s.passwords.Compare(s.dummyHash(), password)
			failed = true
		default:
			entry.ResourceID = items[0].ID
			if err := s.passwords.Compare(*items[0].PasswordHash, password); err != nil {
				failed = true
			}
		}
		if failed {
			entry.Action = audit.ActionLoginFailed
			entry.Status = "failure"
			entry.Severity = audit.SeverityWarning
			return s.audit.Enforce(s.audit.Append(ctx, sc, entry))
		}
		if err := s.audit.Enforce(s.audit.Append(ctx, sc, entry)); err != nil {
			return err
		}
		out, err = s.open(ctx, items[0])
		return err
	})
	if err != nil {
		return Account{}, err
	}
	if failed {
		return Account{}, ErrInvalidCredentials
	}
	return out, nil
}

// Name identifies the account data in exports.
func (s *Service) Name() string { return "accounts" }

// ExportUserData returns the decrypted account whose id is userID, or nil.
func (s *Service) ExportUserData(ctx context.Context, sc session.Scope, userID string) (any, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, nil
	}
	row, err := load(ctx, sc, id, false)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	acc, err := s.open(ctx, row)
	if err != nil {
		return nil, err
	}
	if err := s.attachRetention(ctx, sc, &acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// AnonymizeUserData replaces the email with a pseudonym, clears name and
// password and deactivates the account. The row stays so references hold.
func (s *Service) AnonymizeUserData(ctx context.Context, sc session.Scope, userID string) (int, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return 0, nil
	}
	pseudo := compliance.Pseudonymize(ResourceAccount, id.String()) + "@anonymized.invalid"
	sealed, err := s.crypto.EncryptString(ctx, pseudo)
	if err != nil {
		return 0, fmt.Errorf("encrypt pseudonym: %w", err)
	}
	now := s.now()
	query, args := database.Builder().Update(table).
		Set("email", sealed).
		Set("email_hash", s.emailHash(pseudo)).
		SetNull("full_name").
		SetNull("password_hash").
		Set("is_active", false).
		Set("anonymized_at", now).
		Set("updated_at", now).
		Where(entsql.And(entsql.EQ("id", id.String()), entsql.IsNull("anonymized_at"))).
		Query()
	tag, err := sc.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("anonymize account: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PurgeResource deletes the account behind an expired retention record. A
// missing account counts as purged.
func (s *Service) PurgeResource(ctx context.Context, sc session.Scope, rec retention.Record) error {
	id, err := uuid.Parse(rec.ResourceID)
	if err != nil {
		return fmt.Errorf("%w: account id %q", ErrInvalidInput, rec.ResourceID)
	}
	_, err = deleteRow(ctx, sc, id)
	return err
}

func (s *Service) open(ctx context.Context, row accountRow) (Account, error) {
	email, err := s.crypto.DecryptString(ctx, row.Email)
	if err != nil {
		s.logger.Error("failed to decrypt account email", zap.String("account_id", row.ID), zap.Error(err))
		return Account{}, fmt.Errorf("decrypt email: %w", err)
	}
	var name string
	if row.FullName != nil {
		name, err = s.crypto.DecryptString(ctx, *row.FullName)
		if err != nil {
			s.logger.Error("failed to decrypt account name", zap.String("account_id", row.ID), zap.Error(err))
			return Account{}, fmt.Errorf("decrypt full name: %w", err)
		}
	}
	return row.account(email, name)
}

func (s *Service) attachRetention(ctx context.Context, q session.Querier, acc *Account) error {
	rec, err := s.retention.Get(ctx, q, ResourceAccount, acc.ID.String())
	if errors.Is(err, retention.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	acc.Category = rec.Category
	acc.ExpiresAt = rec.ExpiresAt
	return nil
}

// reseal re-encrypts sealed under the active key when it is stale. Values
// written before encryption was enabled are sealed as they are.
func (s *Service) reseal(ctx context.Context, sealed string) (string, bool, error) {
	if !encryption.IsEnvelope(sealed) {
		fresh, err := s.crypto.EncryptString(ctx, sealed)
		if err != nil {
			return "", false, fmt.Errorf("encrypt legacy value: %w", err)
		}
		return fresh, true, nil
	}
	current, err := s.crypto.IsCurrent(ctx, sealed)
	if err != nil {
		return "", false, fmt.Errorf("inspect ciphertext: %w", err)
	}
	if current {
		return "", false, nil
	}
	plain, err := s.crypto.DecryptString(ctx, sealed)
	if err != nil {
		return "", false, fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	fresh, err := s.crypto.EncryptString(ctx, plain)
	if err != nil {
		return "", false, fmt.Errorf("re-encrypt: %w", err)
	}
	return fresh, true, nil
}

func (s *Service) sealOptional(ctx context.Context, v string) (any, error) {
	if v == "" {
		return nil, nil
	}
	sealed, err := s.crypto.EncryptString(ctx, v)
	if err != nil {
		return nil, fmt.Errorf("encrypt full name: %w", err)
	}
	return sealed, nil
}

func (s *Service) emailHash(email string) string {
	mac := hmac.New(sha256.New, s.lookupKey)
	mac.Write([]byte(email))
	return hex.EncodeToString(mac.Sum(nil))
}

func (r accountRow) account(email, name string) (Account, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return Account{}, fmt.Errorf("parse account id: %w", err)
	}
	return Account{
		ID:           id,
		Email:        email,
		FullName:     name,
		IsActive:     r.IsActive,
		AnonymizedAt: r.AnonymizedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func load(ctx context.Context, q session.Querier, id uuid.UUID, forUpdate bool) (accountRow, error) {
	b := database.Builder()
	sel := b.Select(columns...).From(b.Table(table)).Where(entsql.EQ("id", id.String()))
	if forUpdate {
		sel = sel.ForUpdate()
	}
	query, args := sel.Query()
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return accountRow{}, fmt.Errorf("query account: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[accountRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return accountRow{}, ErrNotFound
	}
	if err != nil {
		return accountRow{}, fmt.Errorf("scan account: %w", err)
	}
	return row, nil
}

func deleteRow(ctx context.Context, q session.Querier, id uuid.UUID) (bool, error) {
	query, args := database.Builder().Delete(table).Where(entsql.EQ("id", id.String())).Query()
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete account: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("%w: email is malformed", ErrInvalidInput)
	}
	return email, nil
}

func welcomeMessage(fullName, email string) string {
	name := strings.TrimSpace(fullName)
	if name == "" {
		name = email
	}
	return fmt.Sprintf("Welcome %s! We're glad to have you on board.", name)
}
