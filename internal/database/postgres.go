package database

import (
	"context"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/bengobox/tenancy-service/internal/config"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const resetTimeout = 2 * time.Second

// NewPool initialises a pgx connection pool backed by PostgreSQL.
//
// Every connection starts with an empty search_path, so an unqualified table
// name resolves to nothing until a tenant session scopes it. Connections are
// reset on release and discarded if the reset fails.
func NewPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	poolCfg.ConnConfig.RuntimeParams["search_path"] = ""
	poolCfg.AfterRelease = func(conn *pgx.Conn) bool {
		return resetConn(conn, logger)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// resetConn restores the connection default search_path before the
// connection goes back to the pool. Returning false destroys the connection.
func resetConn(conn *pgx.Conn, logger *zap.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if _, err := conn.Exec(ctx, "RESET search_path"); err != nil {
		if logger != nil {
			logger.Warn("discarding connection after failed search_path reset", zap.Error(err))
		}
		return false
	}
	return true
}

// Builder returns an ent SQL builder for the Postgres dialect.
func Builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.Postgres)
}
