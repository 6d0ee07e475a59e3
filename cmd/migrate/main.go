package main

import (
	"context"
	"log"

	"github.com/bengobox/tenancy-service/internal/config"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/bengobox/tenancy-service/internal/logger"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"github.com/joho/godotenv"
)

// migrate brings the core schema up to date, then replays the tenant baseline
// into every active tenant schema.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zapLogger, err := logger.New(cfg.App.Environment)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zapLogger.Sync() //nolint:errcheck // best effort

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg.Database, zapLogger)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	registry := tenant.NewRegistry(tenant.RegistryDeps{
		Pool:     pool,
		Baseline: database.TenantBaseline(),
		Logger:   zapLogger,
	})
	tenants, err := registry.List(ctx)
	if err != nil {
		log.Fatalf("list tenants: %v", err)
	}
	failed := 0
	for _, rec := range tenants {
		if err := registry.ReplayBaseline(ctx, rec.ID); err != nil {
			failed++
			zapLogger.Error("tenant baseline replay failed", logger.Tenant(rec.ID.String()), logger.ZapError(err))
		}
	}
	if failed > 0 {
		log.Fatalf("migrate: %d of %d tenants failed", failed, len(tenants))
	}
	log.Printf("migrations completed for core schema and %d tenants", len(tenants))
}
