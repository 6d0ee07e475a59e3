package app

import (
	"context"
	"fmt"

	"github.com/bengobox/tenancy-service/internal/account"
	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/cache"
	"github.com/bengobox/tenancy-service/internal/compliance"
	"github.com/bengobox/tenancy-service/internal/config"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/bengobox/tenancy-service/internal/encryption"
	"github.com/bengobox/tenancy-service/internal/notification"
	"github.com/bengobox/tenancy-service/internal/password"
	"github.com/bengobox/tenancy-service/internal/retention"
	"github.com/bengobox/tenancy-service/internal/session"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/bengobox/tenancy-service/internal/token"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Core holds the domain services shared by the HTTP server and tenantctl.
type Core struct {
	Pool          *pgxpool.Pool
	Redis         *redis.Client
	Tenants       *tenant.Registry
	Sessions      *session.Router
	Crypto        *encryption.Manager
	Keys          *KeyRotator
	Audit         *audit.Logger
	Retention     *retention.Tracker
	Sweeper       *retention.Sweeper
	Accounts      *account.Service
	Notifications *notification.Service
	Compliance    *compliance.Service
	Tokens        *token.Service

	logger *zap.Logger
}

// NewCore connects to Postgres and Redis and builds every service. Collectors
// are registered with reg.
func NewCore(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*Core, error) {
	pool, err := database.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Database.RunMigrations {
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	redisClient, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, err
	}

	c := &Core{Pool: pool, Redis: redisClient, logger: logger}
	if err := c.build(ctx, cfg, reg); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) build(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) error {
	logger := c.logger

	c.Tenants = tenant.NewRegistry(tenant.RegistryDeps{
		Pool:     c.Pool,
		Cache:    tenant.NewStatusCache(c.Redis, cfg.Redis.Namespace, cfg.Redis.StatusTTL),
		Baseline: database.TenantBaseline(),
		Logger:   logger,
	})
	c.Sessions = session.NewRouter(c.Pool, c.Tenants, logger)

	crypto, err := encryption.NewManager(encryption.NewPostgresKeyStore(c.Pool), cfg.Crypto.MasterSecret, cfg.Crypto.KeyCacheSize, logger)
	if err != nil {
		return err
	}
	c.Crypto = crypto
	if _, err := crypto.EnsureActiveKey(ctx); err != nil {
		return fmt.Errorf("bootstrap encryption key: %w", err)
	}

	policy := audit.BestEffort
	if cfg.Audit.Strict {
		policy = audit.Strict
	}
	c.Audit = audit.New(audit.Deps{Sessions: c.Sessions, Policy: policy, Logger: logger, Registerer: reg})
	c.Keys = NewKeyRotator(crypto, c.Tenants, c.Audit, logger)
	c.Retention = retention.NewTracker(c.Sessions, cfg.Retention.ScanPageSize, logger)

	c.Notifications = notification.NewService(notification.Deps{
		Sessions:  c.Sessions,
		Crypto:    crypto,
		Retention: c.Retention,
		Audit:     c.Audit,
		Logger:    logger,
	})
	c.Accounts = account.NewService(account.Deps{
		Sessions:     c.Sessions,
		Crypto:       crypto,
		Retention:    c.Retention,
		Audit:        c.Audit,
		Passwords:    password.NewHasher(cfg.Security),
		Notifier:     c.Notifications,
		LookupSecret: cfg.Security.LookupHashSecret,
		Logger:       logger,
	})
	c.Compliance = compliance.NewService(compliance.Deps{
		Sessions:  c.Sessions,
		Crypto:    crypto,
		Retention: c.Retention,
		Audit:     c.Audit,
		Sources:   []compliance.DataSource{c.Accounts, c.Notifications},
		Logger:    logger,
	})

	c.Sweeper = retention.NewSweeper(retention.SweeperDeps{
		Tenants:    c.Tenants,
		Sessions:   c.Sessions,
		Ledger:     c.Retention,
		Audit:      c.Audit,
		Logger:     logger,
		Registerer: reg,
	})
	c.Sweeper.Register(account.ResourceAccount, c.Accounts)
	c.Sweeper.Register(notification.ResourceNotification, c.Notifications)

	c.Tokens, err = token.NewService(cfg.Security)
	return err
}

// Close releases cached key material and connections.
func (c *Core) Close() {
	if c.Crypto != nil {
		c.Crypto.Close()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	c.Pool.Close()
}
