package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Querier is the subset of pgx used by stores.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Scope is a unit of work bound to exactly one tenant schema.
type Scope interface {
	Querier
	Tenant() tenant.ID
	// Savepoint runs fn in a nested transaction. A failure inside fn rolls
	// back only the savepoint and leaves the outer work usable.
	Savepoint(ctx context.Context, fn func(ctx context.Context, q Querier) error) error
}

// TenantChecker reports whether a tenant may be routed to.
type TenantChecker interface {
	EnsureActive(ctx context.Context, id tenant.ID) error
}

// Router hands out database sessions scoped to a tenant schema.
type Router struct {
	pool    *pgxpool.Pool
	tenants TenantChecker
	logger  *zap.Logger
}

// NewRouter constructs a Router.
func NewRouter(pool *pgxpool.Pool, tenants TenantChecker, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{pool: pool, tenants: tenants, logger: logger}
}

// Open begins a transaction whose search_path is the tenant schema only. The
// setting is transaction-local, so it disappears on commit or rollback and the
// pool additionally resets it when the connection is released.
func (r *Router) Open(ctx context.Context, id tenant.ID) (*Session, error) {
	if err := r.tenants.EnsureActive(ctx, id); err != nil {
		return nil, err
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tenant session: %w", err)
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('search_path', $1, true)", id.Schema()); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("scope session to tenant schema: %w", err)
	}
	return &Session{tx: tx, tenant: id}, nil
}

// WithSession opens a session, runs fn and commits. Any error or panic from fn
// rolls the session back; a panic is re-raised after the rollback.
func (r *Router) WithSession(ctx context.Context, id tenant.ID, fn func(ctx context.Context, s Scope) error) (err error) {
	sess, err := r.Open(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			r.rollback(ctx, sess)
			panic(p)
		}
		if err != nil {
			r.rollback(ctx, sess)
		}
	}()

	if err = fn(ctx, sess); err != nil {
		return err
	}
	if err = sess.Commit(ctx); err != nil {
		return fmt.Errorf("commit tenant session: %w", err)
	}
	return nil
}

func (r *Router) rollback(ctx context.Context, sess *Session) {
	// The caller's context may already be cancelled; rollback must still run.
	if err := sess.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		r.logger.Warn("tenant session rollback failed", zap.String("tenant_id", sess.tenant.String()), zap.Error(err))
	}
}

// Session is a transaction scoped to one tenant schema. It is owned by a
// single request and must not be shared between goroutines.
type Session struct {
	tx     pgx.Tx
	tenant tenant.ID
}

// Tenant returns the tenant the session is bound to.
func (s *Session) Tenant() tenant.ID { return s.tenant }

func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.tx.Exec(ctx, sql, args...)
}

func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.tx.Query(ctx, sql, args...)
}

func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.tx.QueryRow(ctx, sql, args...)
}

// Savepoint implements Scope.
func (s *Session) Savepoint(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	return pgx.BeginFunc(ctx, s.tx, func(sp pgx.Tx) error {
		return fn(ctx, sp)
	})
}

// Commit makes the session's work durable.
func (s *Session) Commit(ctx context.Context) error { return s.tx.Commit(ctx) }

// Rollback discards the session's work. Safe to call after Commit.
func (s *Session) Rollback(ctx context.Context) error { return s.tx.Rollback(ctx) }
