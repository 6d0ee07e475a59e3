package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/bengobox/tenancy-service/internal/retention"
	"github.com/bengobox/tenancy-service/internal/session"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrInvalidInput = errors.New("invalid notification input")
)

const (
	// ResourceNotification names notifications in the retention ledger and the audit log.
	ResourceNotification = "notification"
	// ReasonErased is recorded when a notification is deleted on request.
	ReasonErased = "notification_deleted"

	table               = "notifications"
	foreignKeyViolation = "23503"
	maxTitleLength      = 200
	maxListLimit        = 200
)

// Encryptor seals message bodies at rest.
type Encryptor interface {
	EncryptString(ctx context.Context, s string) (string, error)
	DecryptString(ctx context.Context, encoded string) (string, error)
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

// SessionOpener runs work inside a tenant-scoped session.
type SessionOpener interface {
	WithSession(ctx context.Context, id tenant.ID, fn func(ctx context.Context, s session.Scope) error) error
}

// Notification is the decrypted view of a notification row.
type Notification struct {
	ID        int64     `json:"id"`
	AccountID string    `json:"account_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateInput describes a new notification for one account.
type CreateInput struct {
	AccountID string `json:"account_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
}

// ListOptions pages through an account's notifications, newest first.
type ListOptions struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}

type row struct {
	ID        int64     `db:"id"`
	AccountID string    `db:"account_id"`
	Title     string    `db:"title"`
	Message   string    `db:"message"`
	IsRead    bool      `db:"is_read"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

var columns = []string{"id", "account_id", "title", "message", "is_read", "created_at", "updated_at"}

// Service manages per-account notifications inside tenant schemas.
type Service struct {
	sessions  SessionOpener
	crypto    Encryptor
	retention Tracker
	audit     Auditor
	logger    *zap.Logger
	now       func() time.Time
}

// Deps aggregates constructor inputs.
type Deps struct {
	Sessions  SessionOpener
	Crypto    Encryptor
	Retention Tracker
	Audit     Auditor
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
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a notification in its own session.
func (s *Service) Create(ctx context.Context, tenantID tenant.ID, in CreateInput) (Notification, error) {
	if err := validate(in); err != nil {
		return Notification{}, err
	}
	var out Notification
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		var err error
		out, err = s.create(ctx, sc, in)
		return err
	})
	return out, err
}

// Notify creates a notification inside an existing session, so it commits or
// rolls back together with the caller's work.
func (s *Service) Notify(ctx context.Context, sc session.Scope, accountID, title, message string) error {
	in := CreateInput{AccountID: accountID, Title: title, Message: message}
	if err := validate(in); err != nil {
		return err
	}
	_, err := s.create(ctx, sc, in)
	return err
}

func (s *Service) create(ctx context.Context, sc session.Scope, in CreateInput) (Notification, error) {
	sealed, err := s.crypto.EncryptString(ctx, in.Message)
	if err != nil {
		return Notification{}, fmt.Errorf("encrypt message: %w", err)
	}
	now := s.now()
	query, args := database.Builder().Insert(table).
		Columns("account_id", "title", "message", "is_read", "created_at", "updated_at").
		Values(in.AccountID, strings.TrimSpace(in.Title), sealed, false, now, now).
		Returning(columns...).
		Query()
	rows, err := sc.Query(ctx, query, args...)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	r, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[row])
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return Notification{}, fmt.Errorf("%w: unknown account %s", ErrInvalidInput, in.AccountID)
		}
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}

	id := strconv.FormatInt(r.ID, 10)
	if _, err := s.retention.Track(ctx, sc, retention.TrackInput{
		ResourceType: ResourceNotification,
		ResourceID:   id,
		Category:     retention.CategoryFor(retention.Communications),
		CreatedAt:    r.CreatedAt,
	}); err != nil {
		return Notification{}, err
	}
	if err := s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
		Action:       audit.ActionDataCreated,
		ResourceType: ResourceNotification,
		ResourceID:   id,
		Status:       "success",
		Details:      map[string]any{"account_id": r.AccountID},
	})); err != nil {
		return Notification{}, err
	}
	return r.notification(in.Message), nil
}

// List returns a page of the account's notifications.
func (s *Service) List(ctx context.Context, tenantID tenant.ID, accountID string, opts ListOptions) ([]Notification, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return nil, fmt.Errorf("%w: account id %q", ErrInvalidInput, accountID)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	limit = min(limit, maxListLimit)

	var out []Notification
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		preds := []*entsql.Predicate{entsql.EQ("account_id", accountID)}
		if opts.UnreadOnly {
			preds = append(preds, entsql.EQ("is_read", false))
		}
		b := database.Builder()
		query, args := b.Select(columns...).From(b.Table(table)).
			Where(entsql.And(preds...)).
			OrderBy(entsql.Desc("id")).
			Limit(limit).
			Offset(max(opts.Offset, 0)).
			Query()
		var err error
		out, err = s.query(ctx, sc, query, args)
		return err
	})
	return out, err
}

// UnreadCount counts the account's unread notifications.
func (s *Service) UnreadCount(ctx context.Context, tenantID tenant.ID, accountID string) (int, error) {
	if _, err := uuid.Parse(accountID); err != nil {
		return 0, fmt.Errorf("%w: account id %q", ErrInvalidInput, accountID)
	}
	var n int
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		b := database.Builder()
		query, args := b.Select(entsql.Count("*")).From(b.Table(table)).
			Where(entsql.And(entsql.EQ("account_id", accountID), entsql.EQ("is_read", false))).
			Query()
		return sc.QueryRow(ctx, query, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

// Get returns one notification. A non-empty owner restricts the lookup to
// that account, so other accounts' notifications read as missing.
func (s *Service) Get(ctx context.Context, tenantID tenant.ID, id int64, owner string) (Notification, error) {
	var out Notification
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		var err error
		out, err = s.load(ctx, sc, id, owner)
		return err
	})
	return out, err
}

// SetRead flips the read flag.
func (s *Service) SetRead(ctx context.Context, tenantID tenant.ID, id int64, owner string, read bool) (Notification, error) {
	var out Notification
	err := s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		query, args := database.Builder().Update(table).
			Set("is_read", read).
			Set("updated_at", s.now()).
			Where(ownedBy(id, owner)).
			Query()
		tag, err := sc.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update notification: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if err := s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
			Action:       audit.ActionDataUpdated,
			ResourceType: ResourceNotification,
			ResourceID:   strconv.FormatInt(id, 10),
			Status:       "success",
			Details:      map[string]any{"is_read": read},
		})); err != nil {
			return err
		}
		out, err = s.load(ctx, sc, id, owner)
		return err
	})
	return out, err
}

// Delete removes the notification and closes its retention record.
func (s *Service) Delete(ctx context.Context, tenantID tenant.ID, id int64, owner string) error {
	return s.sessions.WithSession(ctx, tenantID, func(ctx context.Context, sc session.Scope) error {
		query, args := database.Builder().Delete(table).Where(ownedBy(id, owner)).Query()
		tag, err := sc.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("delete notification: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		if err := s.closeRecord(ctx, sc, id); err != nil {
			return err
		}
		return s.audit.Enforce(s.audit.Append(ctx, sc, audit.Entry{
			Action:       audit.ActionDataDeleted,
			ResourceType: ResourceNotification,
			ResourceID:   strconv.FormatInt(id, 10),
			Status:       "success",
			Details:      map[string]any{"reason": ReasonErased},
		}))
	})
}

// Name identifies notifications in exports.
func (s *Service) Name() string { return "notifications" }

// ExportUserData returns every notification of the account whose id is
// userID, or nil when there are none.
func (s *Service) ExportUserData(ctx context.Context, sc session.Scope, userID string) (any, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, nil
	}
	b := database.Builder()
	query, args := b.Select(columns...).From(b.Table(table)).
		Where(entsql.EQ("account_id", userID)).
		OrderBy("id").
		Query()
	items, err := s.query(ctx, sc, query, args)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

// AnonymizeUserData deletes the account's notifications. They carry no legal
// value, so nothing is kept.
func (s *Service) AnonymizeUserData(ctx context.Context, sc session.Scope, userID string) (int, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return 0, nil
	}
	rows, err := sc.Query(ctx, "DELETE FROM notifications WHERE account_id = $1 RETURNING id", userID)
	if err != nil {
		return 0, fmt.Errorf("erase notifications: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, fmt.Errorf("erase notifications: %w", err)
	}
	for _, id := range ids {
		if err := s.closeRecord(ctx, sc, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// PurgeResource deletes the notification behind an expired retention record.
// A missing notification counts as purged.
func (s *Service) PurgeResource(ctx context.Context, sc session.Scope, rec retention.Record) error {
	id, err := strconv.ParseInt(rec.ResourceID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: notification id %q", ErrInvalidInput, rec.ResourceID)
	}
	query, args := database.Builder().Delete(table).Where(entsql.EQ("id", id)).Query()
	if _, err := sc.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("purge notification: %w", err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, q session.Querier, id int64, owner string) (Notification, error) {
	b := database.Builder()
	query, args := b.Select(columns...).From(b.Table(table)).Where(ownedBy(id, owner)).Query()
	items, err := s.query(ctx, q, query, args)
	if err != nil {
		return Notification{}, err
	}
	if len(items) == 0 {
		return Notification{}, ErrNotFound
	}
	return items[0], nil
}

func (s *Service) query(ctx context.Context, q session.Querier, query string, args []any) ([]Notification, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByName[row])
	if err != nil {
		return nil, fmt.Errorf("scan notifications: %w", err)
	}
	out := make([]Notification, 0, len(items))
	for _, r := range items {
		msg, err := s.crypto.DecryptString(ctx, r.Message)
		if err != nil {
			s.logger.Error("failed to decrypt notification", zap.Int64("notification_id", r.ID), zap.Error(err))
			return nil, fmt.Errorf("decrypt message: %w", err)
		}
		out = append(out, r.notification(msg))
	}
	return out, nil
}

func (s *Service) closeRecord(ctx context.Context, q session.Querier, id int64) error {
	rec, err := s.retention.Get(ctx, q, ResourceNotification, strconv.FormatInt(id, 10))
	if errors.Is(err, retention.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.retention.MarkDeleted(ctx, q, rec, ReasonErased)
	return err
}

func ownedBy(id int64, owner string) *entsql.Predicate {
	if owner == "" {
		return entsql.EQ("id", id)
	}
	return entsql.And(entsql.EQ("id", id), entsql.EQ("account_id", owner))
}

func validate(in CreateInput) error {
	if _, err := uuid.Parse(in.AccountID); err != nil {
		return fmt.Errorf("%w: account id %q", ErrInvalidInput, in.AccountID)
	}
	title := strings.TrimSpace(in.Title)
	switch {
	case title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	case len(title) > maxTitleLength:
		return fmt.Errorf("%w: title exceeds %d bytes", ErrInvalidInput, maxTitleLength)
	case strings.TrimSpace(in.Message) == "":
		return fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	return nil
}

func (r row) notification(message string) Notification {
	return Notification{
		ID:        r.ID,
		AccountID: r.AccountID,
		Title:     r.Title,
		Message:   message,
		IsRead:    r.IsRead,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
