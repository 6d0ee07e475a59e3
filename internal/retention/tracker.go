package retention

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/bengobox/tenancy-service/internal/session"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateRecord is returned when a live record already tracks the resource.
	ErrDuplicateRecord = errors.New("resource already tracked")
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("retention record not found")
)

const (
	// ReasonExpired is the default deletion reason.
	ReasonExpired = "retention_period_expired"
	// ReasonSuperseded marks records replaced by explicit re-tracking.
	ReasonSuperseded = "superseded"

	table = "retention_records"
)

// Record is a tracked resource and its retention deadline.
type Record struct {
	ID             int64      `json:"id"`
	ResourceType   string     `json:"resource_type"`
	ResourceID     string     `json:"resource_id"`
	Category       Category   `json:"category"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	DeletionReason string     `json:"deletion_reason,omitempty"`
}

type recordRow struct {
	ID             int64      `db:"id"`
	ResourceType   string     `db:"resource_type"`
	ResourceID     string     `db:"resource_id"`
	Category       string     `db:"category"`
	CreatedAt      time.Time  `db:"created_at"`
	ExpiresAt      *time.Time `db:"expires_at"`
	DeletedAt      *time.Time `db:"deleted_at"`
	DeletionReason *string    `db:"deletion_reason"`
}

func (r recordRow) record() Record {
	rec := Record{
		ID:           r.ID,
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		Category:     Category(r.Category),
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		DeletedAt:    r.DeletedAt,
	}
	if r.DeletionReason != nil {
		rec.DeletionReason = *r.DeletionReason
	}
	return rec
}

var columns = []string{"id", "resource_type", "resource_id", "category", "created_at", "expires_at", "deleted_at", "deletion_reason"}

// TrackInput describes a resource to register.
type TrackInput struct {
	ResourceType string
	ResourceID   string
	Category     Category
	// CreatedAt defaults to now.
	CreatedAt time.Time
	// Replace supersedes an existing live record instead of failing.
	Replace bool
}

// SessionOpener runs work inside a tenant-scoped session.
type SessionOpener interface {
	WithSession(ctx context.Context, id tenant.ID, fn func(ctx context.Context, s session.Scope) error) error
}

// Tracker records retention deadlines inside tenant schemas.
type Tracker struct {
	sessions SessionOpener
	pageSize int
	now      func() time.Time
	logger   *zap.Logger
}

// NewTracker constructs a Tracker.
func NewTracker(sessions SessionOpener, pageSize int, logger *zap.Logger) *Tracker {
	if pageSize <= 0 {
		pageSize = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		sessions: sessions,
		pageSize: pageSize,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Track inserts a record with a deadline derived from the category. The
// deadline is computed once here and never again.
func (t *Tracker) Track(ctx context.Context, q session.Querier, in TrackInput) (Record, error) {
	if in.ResourceType == "" || in.ResourceID == "" {
		return Record{}, errors.New("resource type and id are required")
	}
	if !in.Category.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownCategory, in.Category)
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = t.now()
	}
	// Postgres keeps microseconds; truncate so the stored deadline is exact.
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	expiresAt := ExpiryFor(in.Category, createdAt)

	b := database.Builder()
	if in.Replace {
		query, args := b.Update(table).
			Set("deleted_at", t.now()).
			Set("deletion_reason", ReasonSuperseded).
			Where(entsql.And(
				entsql.EQ("resource_type", in.ResourceType),
				entsql.EQ("resource_id", in.ResourceID),
				entsql.IsNull("deleted_at"),
			)).
			Query()
		if _, err := q.Exec(ctx, query, args...); err != nil {
			return Record{}, fmt.Errorf("supersede retention record: %w", err)
		}
	}

	// ON CONFLICT against the partial unique index keeps the caller's
	// transaction usable when the resource is already tracked.
	query, args := b.Insert(table).
		Columns("resource_type", "resource_id", "category", "created_at", "expires_at").
		Values(in.ResourceType, in.ResourceID, string(in.Category), createdAt, expiresAt).
		OnConflict(
			entsql.ConflictColumns("resource_type", "resource_id"),
			entsql.ConflictWhere(entsql.IsNull("deleted_at")),
			entsql.DoNothing(),
		).
		Returning(columns...).
		Query()
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return Record{}, fmt.Errorf("insert retention record: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByName[recordRow])
	if err != nil {
		return Record{}, fmt.Errorf("insert retention record: %w", err)
	}
	if len(items) == 0 {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrDuplicateRecord, in.ResourceType, in.ResourceID)
	}
	return items[0].record(), nil
}

// Get returns the live record for a resource.
func (t *Tracker) Get(ctx context.Context, q session.Querier, resourceType, resourceID string) (Record, error) {
	b := database.Builder()
	query, args := b.Select(columns...).From(b.Table(table)).
		Where(entsql.And(
			entsql.EQ("resource_type", resourceType),
			entsql.EQ("resource_id", resourceID),
			entsql.IsNull("deleted_at"),
		)).
		Query()
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return Record{}, fmt.Errorf("query retention record: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[recordRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan retention record: %w", err)
	}
	return row.record(), nil
}

// Expired yields live records whose deadline is at or before now. Pages are
// read in id order in short sessions; the id ceiling is fixed when iteration
// starts, so records tracked afterwards are left for the next scan. Iteration
// stops at the first error.
func (t *Tracker) Expired(ctx context.Context, tenantID tenant.ID, now time.Time) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var ceiling int64
		err := t.sessions.WithSession(ctx, tenantID, func(ctx context.Context, s session.Scope) error {
			return s.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) FROM retention_records").Scan(&ceiling)
		})
		if err != nil {
			yield(Record{}, fmt.Errorf("read retention ceiling: %w", err))
			return
		}

		var after int64
		for {
			var page []recordRow
			err := t.sessions.WithSession(ctx, tenantID, func(ctx context.Context, s session.Scope) error {
				b := database.Builder()
				query, args := b.Select(columns...).From(b.Table(table)).
					Where(entsql.And(
						entsql.GT("id", after),
						entsql.LTE("id", ceiling),
						entsql.NotNull("expires_at"),
						entsql.LTE("expires_at", now),
						entsql.IsNull("deleted_at"),
					)).
					OrderBy("id").
					Limit(t.pageSize).
					Query()
				rows, err := s.Query(ctx, query, args...)
				if err != nil {
					return err
				}
				page, err = pgx.CollectRows(rows, pgx.RowToStructByName[recordRow])
				return err
			})
			if err != nil {
				yield(Record{}, fmt.Errorf("scan expired records: %w", err))
				return
			}
			for _, row := range page {
				if !yield(row.record(), nil) {
					return
				}
			}
			if len(page) < t.pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// MarkDeleted sets deleted_at on rec. It is idempotent: a record that is
// already deleted keeps its original timestamp and reason, and marked is false.
func (t *Tracker) MarkDeleted(ctx context.Context, q session.Querier, rec Record, reason string) (marked bool, err error) {
	if reason == "" {
		reason = ReasonExpired
	}
	query, args := database.Builder().Update(table).
		Set("deleted_at", t.now()).
		Set("deletion_reason", reason).
		Where(entsql.And(
			entsql.EQ("id", rec.ID),
			entsql.IsNull("deleted_at"),
		)).
		Query()
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("mark retention record deleted: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM retention_records WHERE id = $1)", rec.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check retention record: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}
