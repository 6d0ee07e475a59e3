package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for unknown or soft-deleted tenants.
	ErrNotFound = errors.New("tenant not found")
	// ErrTenantDeleted is returned when provisioning a tenant that was deleted.
	ErrTenantDeleted = errors.New("tenant was deleted and cannot be provisioned again")
	// ErrStillActive is returned when purging a tenant that has not been deleted.
	ErrStillActive = errors.New("tenant is still active")
	// ErrSchemaConflict signals a failure of the provisioning lock itself.
	ErrSchemaConflict = errors.New("tenant schema creation conflict")
)

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

func (s Status) valid() bool {
	switch s {
	case StatusActive, StatusDeleted:
		return true
	}
	return false
}

// Record is a row of core.tenants.
type Record struct {
	ID         ID         `json:"tenant_id"`
	SchemaName string     `json:"schema_name"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

type recordRow struct {
	TenantID   string     `db:"tenant_id"`
	SchemaName string     `db:"schema_name"`
	Status     string     `db:"status"`
	CreatedAt  time.Time  `db:"created_at"`
	DeletedAt  *time.Time `db:"deleted_at"`
}

func (r recordRow) record() Record {
	return Record{
		ID:         ID(r.TenantID),
		SchemaName: r.SchemaName,
		Status:     Status(r.Status),
		CreatedAt:  r.CreatedAt,
		DeletedAt:  r.DeletedAt,
	}
}

var recordColumns = []string{"tenant_id", "schema_name", "status", "created_at", "deleted_at"}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Registry provisions and tracks tenant schemas.
type Registry struct {
	pool     *pgxpool.Pool
	cache    *StatusCache
	baseline []string
	logger   *zap.Logger
}

// RegistryDeps aggregates constructor inputs.
type RegistryDeps struct {
	Pool     *pgxpool.Pool
	Cache    *StatusCache
	Baseline []string
	Logger   *zap.Logger
}

// NewRegistry constructs a Registry.
func NewRegistry(deps RegistryDeps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		pool:     deps.Pool,
		cache:    deps.Cache,
		baseline: deps.Baseline,
		logger:   logger,
	}
}

// Create provisions the tenant: record, schema and baseline tables, in one
// transaction serialised by an advisory lock on the tenant id. Concurrent
// calls for the same id all succeed; created reports whether this call made
// the record.
func (r *Registry) Create(ctx context.Context, id ID) (rec Record, created bool, err error) {
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockTenant(ctx, tx, id); err != nil {
			return err
		}
		existing, err := getRecord(ctx, tx, id)
		switch {
		case err == nil && existing.Status == StatusDeleted:
			return ErrTenantDeleted
		case err == nil:
			rec = existing
		case errors.Is(err, ErrNotFound):
			rec, err = insertRecord(ctx, tx, id)
			if err != nil {
				return err
			}
			created = true
		default:
			return err
		}
		return applyBaseline(ctx, tx, id, r.baseline)
	})
	if err != nil {
		return Record{}, false, err
	}
	if err := r.cache.Remember(ctx, id, StatusActive); err != nil {
		r.logger.Warn("failed to cache tenant status", zap.String("tenant_id", id.String()), zap.Error(err))
	}
	if created {
		r.logger.Info("tenant provisioned", zap.String("tenant_id", id.String()), zap.String("schema", rec.SchemaName))
	}
	return rec, created, nil
}

// Get returns the tenant record regardless of status.
func (r *Registry) Get(ctx context.Context, id ID) (Record, error) {
	return getRecord(ctx, r.pool, id)
}

// EnsureActive fails with ErrNotFound unless the tenant exists and is active.
func (r *Registry) EnsureActive(ctx context.Context, id ID) error {
	status, ok, err := r.cache.Get(ctx, id)
	if err != nil {
		r.logger.Warn("tenant status cache unavailable", zap.String("tenant_id", id.String()), zap.Error(err))
	}
	if !ok {
		rec, err := getRecord(ctx, r.pool, id)
		if err != nil {
			return err
		}
		status = rec.Status
		if err := r.cache.Remember(ctx, id, status); err != nil {
			r.logger.Warn("failed to cache tenant status", zap.String("tenant_id", id.String()), zap.Error(err))
		}
	}
	if status != StatusActive {
		return ErrNotFound
	}
	return nil
}

// List returns all active tenants ordered by creation.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	b := database.Builder()
	query, args := b.Select(recordColumns...).
		From(b.Table("tenants").Schema(database.CoreSchema)).
		Where(entsql.EQ("status", string(StatusActive))).
		OrderBy("created_at", "tenant_id").
		Query()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByName[recordRow])
	if err != nil {
		return nil, fmt.Errorf("scan tenants: %w", err)
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		out = append(out, item.record())
	}
	return out, nil
}

// Delete soft-deletes the tenant. The schema and its data stay in place until
// Purge is called explicitly.
func (r *Registry) Delete(ctx context.Context, id ID) error {
	query, args := database.Builder().Update("tenants").Schema(database.CoreSchema).
		Set("status", string(StatusDeleted)).
		Set("deleted_at", time.Now().UTC()).
		Where(entsql.And(
			entsql.EQ("tenant_id", string(id)),
			entsql.EQ("status", string(StatusActive)),
		)).
		Query()
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := r.cache.Set(ctx, id, StatusDeleted); err != nil {
		r.logger.Warn("failed to cache tenant status", zap.String("tenant_id", id.String()), zap.Error(err))
	}
	r.logger.Info("tenant soft-deleted", zap.String("tenant_id", id.String()))
	return nil
}

// ReplayBaseline re-runs the baseline migrations inside an active tenant's
// schema. Used after the baseline gains new tables.
func (r *Registry) ReplayBaseline(ctx context.Context, id ID) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockTenant(ctx, tx, id); err != nil {
			return err
		}
		rec, err := getRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.Status != StatusActive {
			return ErrNotFound
		}
		return applyBaseline(ctx, tx, id, r.baseline)
	})
}

// Purge irreversibly drops the schema of a soft-deleted tenant. The record
// stays so the identifier is never provisioned again.
func (r *Registry) Purge(ctx context.Context, id ID) error {
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := lockTenant(ctx, tx, id); err != nil {
			return err
		}
		rec, err := getRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.Status != StatusDeleted {
			return ErrStillActive
		}
		if _, err := tx.Exec(ctx, "DROP SCHEMA IF EXISTS "+id.Schema()+" CASCADE"); err != nil {
			return fmt.Errorf("drop tenant schema: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Warn("tenant schema purged", zap.String("tenant_id", id.String()))
	return nil
}

func lockTenant(ctx context.Context, tx pgx.Tx, id ID) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", "tenant:"+id.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaConflict, err)
	}
	return nil
}

func getRecord(ctx context.Context, q querier, id ID) (Record, error) {
	b := database.Builder()
	query, args := b.Select(recordColumns...).
		From(b.Table("tenants").Schema(database.CoreSchema)).
		Where(entsql.EQ("tenant_id", string(id))).
		Query()
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return Record{}, fmt.Errorf("query tenant: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[recordRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan tenant: %w", err)
	}
	return row.record(), nil
}

func insertRecord(ctx context.Context, q querier, id ID) (Record, error) {
	query, args := database.Builder().Insert("tenants").Schema(database.CoreSchema).
		Columns("tenant_id", "schema_name", "status", "created_at").
		Values(string(id), id.SchemaName(), string(StatusActive), time.Now().UTC()).
		Returning(recordColumns...).
		Query()
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return Record{}, fmt.Errorf("insert tenant: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[recordRow])
	if err != nil {
		return Record{}, fmt.Errorf("insert tenant: %w", err)
	}
	return row.record(), nil
}

func applyBaseline(ctx context.Context, q querier, id ID, baseline []string) error {
	if _, err := q.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+id.Schema()); err != nil {
		return fmt.Errorf("create tenant schema: %w", err)
	}
	if _, err := q.Exec(ctx, "SELECT set_config('search_path', $1, true)", id.Schema()); err != nil {
		return fmt.Errorf("scope baseline to tenant schema: %w", err)
	}
	for i, stmt := range baseline {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply baseline statement %d: %w", i, err)
		}
	}
	return nil
}
