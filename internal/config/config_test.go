package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("TENANCY_DB_URL", "postgres://localhost:5432/tenancy")
	t.Setenv("TENANCY_CRYPTO_MASTER_SECRET", strings.Repeat("m", 32))
	t.Setenv("TENANCY_SECURITY_ADMIN_TOKEN_SECRET", "admin-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "development", cfg.App.Environment)
	require.Equal(t, 4110, cfg.HTTP.Port)
	require.Equal(t, int32(20), cfg.Database.MaxConns)
	require.Equal(t, "tenancy", cfg.Redis.Namespace)
	require.Equal(t, 200, cfg.Retention.ScanPageSize)
	require.False(t, cfg.Audit.Strict)
	require.Equal(t, cfg.Crypto.MasterSecret, cfg.Security.LookupHashSecret)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("TENANCY_DB_URL", "")

	_, err := Load()
	require.ErrorContains(t, err, "TENANCY_DB_URL")
}

func TestLoadRejectsShortMasterSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("TENANCY_CRYPTO_MASTER_SECRET", "too-short")

	_, err := Load()
	require.ErrorContains(t, err, "TENANCY_CRYPTO_MASTER_SECRET")
}

func TestLoadRequiresAdminTokenSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("TENANCY_SECURITY_ADMIN_TOKEN_SECRET", "")

	_, err := Load()
	require.ErrorContains(t, err, "ADMIN_TOKEN_SECRET")
}
