// Package pgtest connects tests to a real PostgreSQL server. Tests that need
// one are skipped unless TENANCY_TEST_DB_URL is set.
package pgtest

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bengobox/tenancy-service/internal/config"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// EnvURL names the variable holding the test database URL.
const EnvURL = "TENANCY_TEST_DB_URL"

// Pool returns a migrated pool or skips the test.
func Pool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skipf("%s not set; skipping postgres test", EnvURL)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := database.NewPool(ctx, config.DatabaseConfig{
		URL:             url,
		MaxConns:        8,
		ConnMaxLifetime: time.Minute,
		ConnMaxIdleTime: time.Minute,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, database.Migrate(ctx, pool))
	return pool
}

// UniqueTenant returns a tenant identifier that no other test run uses.
func UniqueTenant(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
