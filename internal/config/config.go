package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// minMasterSecretLength is the shortest master secret accepted for KEK derivation.
const minMasterSecretLength = 32

// Config aggregates all runtime settings.
type Config struct {
	App       AppConfig       `envPrefix:"TENANCY_"`
	HTTP      HTTPConfig      `envPrefix:"TENANCY_HTTP_"`
	Database  DatabaseConfig  `envPrefix:"TENANCY_DB_"`
	Redis     RedisConfig     `envPrefix:"TENANCY_REDIS_"`
	Crypto    CryptoConfig    `envPrefix:"TENANCY_CRYPTO_"`
	Retention RetentionConfig `envPrefix:"TENANCY_RETENTION_"`
	Audit     AuditConfig     `envPrefix:"TENANCY_AUDIT_"`
	Security  SecurityConfig  `envPrefix:"TENANCY_SECURITY_"`
}

type AppConfig struct {
	Environment string `env:"ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"tenancy-service"`
}

type HTTPConfig struct {
	Host              string        `env:"HOST" envDefault:"0.0.0.0"`
	Port              int           `env:"PORT" envDefault:"4110"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"25s"`
	AllowedOrigins    []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

type DatabaseConfig struct {
	URL             string        `env:"URL"`
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"20"`
	MinConns        int32         `env:"MIN_CONNS" envDefault:"2"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
	ConnMaxIdleTime time.Duration `env:"CONN_MAX_IDLE_TIME" envDefault:"5m"`
	RunMigrations   bool          `env:"RUN_MIGRATIONS" envDefault:"true"`
}

type RedisConfig struct {
	Enabled   bool          `env:"ENABLED" envDefault:"true"`
	Addr      string        `env:"ADDR" envDefault:"127.0.0.1:6379"`
	Password  string        `env:"PASSWORD"`
	DB        int           `env:"DB" envDefault:"0"`
	EnableTLS bool          `env:"ENABLE_TLS" envDefault:"false"`
	Namespace string        `env:"NAMESPACE" envDefault:"tenancy"`
	StatusTTL time.Duration `env:"STATUS_TTL" envDefault:"5m"`
}

// CryptoConfig carries the master secret used to wrap data keys. The secret is
// never written anywhere; it only seeds the in-memory key-encryption key.
type CryptoConfig struct {
	MasterSecret string `env:"MASTER_SECRET"`
	KeyCacheSize int    `env:"KEY_CACHE_SIZE" envDefault:"64"`
}

type RetentionConfig struct {
	ScanPageSize int `env:"SCAN_PAGE_SIZE" envDefault:"200"`
}

type AuditConfig struct {
	// Strict makes audit failures abort the surrounding transaction.
	Strict bool `env:"STRICT" envDefault:"false"`
}

type SecurityConfig struct {
	AdminTokenSecret string        `env:"ADMIN_TOKEN_SECRET"`
	AdminTokenIssuer string        `env:"ADMIN_TOKEN_ISSUER" envDefault:"tenancy-service"`
	AdminTokenTTL    time.Duration `env:"ADMIN_TOKEN_TTL" envDefault:"1h"`
	LookupHashSecret string        `env:"LOOKUP_HASH_SECRET"`
	Argon2Time       uint32        `env:"ARGON2_TIME" envDefault:"3"`
	Argon2Memory     uint32        `env:"ARGON2_MEMORY" envDefault:"65536"`
	Argon2Threads    uint8         `env:"ARGON2_THREADS" envDefault:"2"`
	Argon2KeyLength  uint32        `env:"ARGON2_KEY_LENGTH" envDefault:"32"`
}

// Load parses environment variables into Config and performs validation.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("TENANCY_DB_URL is required")
	}
	if len(c.Crypto.MasterSecret) < minMasterSecretLength {
		return fmt.Errorf("TENANCY_CRYPTO_MASTER_SECRET must be at least %d bytes", minMasterSecretLength)
	}
	if c.Security.AdminTokenSecret == "" {
		return fmt.Errorf("TENANCY_SECURITY_ADMIN_TOKEN_SECRET is required")
	}
	if c.Security.LookupHashSecret == "" {
		// Fall back to the master secret so email lookups stay stable across restarts.
		c.Security.LookupHashSecret = c.Crypto.MasterSecret
	}
	if c.Retention.ScanPageSize <= 0 {
		c.Retention.ScanPageSize = 200
	}
	return nil
}
