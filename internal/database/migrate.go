package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CoreSchema holds tables shared by all tenants.
const CoreSchema = "core"

// migrationLockKey serialises concurrent core migrations across processes.
const migrationLockKey int64 = 0x74656e616e6379 // "tenancy"

var coreStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS core`,
	`CREATE TABLE IF NOT EXISTS core.tenants (
		tenant_id   TEXT PRIMARY KEY,
		schema_name TEXT NOT NULL UNIQUE,
		status      TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'deleted')),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS tenants_status_idx ON core.tenants (status)`,
	`CREATE TABLE IF NOT EXISTS core.encryption_keys (
		key_id      TEXT PRIMARY KEY,
		version     INTEGER NOT NULL UNIQUE,
		wrapped_key BYTEA NOT NULL,
		algorithm   TEXT NOT NULL DEFAULT 'AES-256-GCM',
		status      TEXT NOT NULL CHECK (status IN ('active', 'retired')),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		retired_at  TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS encryption_keys_single_active
		ON core.encryption_keys (status) WHERE status = 'active'`,
	`CREATE OR REPLACE FUNCTION core.guard_encryption_keys() RETURNS trigger
	LANGUAGE plpgsql AS $$
	BEGIN
		IF TG_OP = 'DELETE' THEN
			RAISE EXCEPTION 'encryption keys are never deleted';
		END IF;
		IF NEW.wrapped_key <> OLD.wrapped_key OR NEW.version <> OLD.version OR NEW.key_id <> OLD.key_id THEN
			RAISE EXCEPTION 'encryption key material is immutable';
		END IF;
		IF OLD.status = 'retired' AND NEW.status <> 'retired' THEN
			RAISE EXCEPTION 'retired encryption keys cannot be reactivated';
		END IF;
		RETURN NEW;
	END
	$$`,
	`DROP TRIGGER IF EXISTS encryption_keys_guard ON core.encryption_keys`,
	`CREATE TRIGGER encryption_keys_guard BEFORE UPDATE OR DELETE ON core.encryption_keys
		FOR EACH ROW EXECUTE FUNCTION core.guard_encryption_keys()`,
}

// tenantStatements are executed with search_path set to the tenant schema, so
// every name below lands inside that schema. All statements are replayable.
var tenantStatements = []string{
	`CREATE TABLE IF NOT EXISTS retention_records (
		id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		resource_type   TEXT NOT NULL,
		resource_id     TEXT NOT NULL,
		category        TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ,
		deleted_at      TIMESTAMPTZ,
		deletion_reason TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS retention_records_live_resource
		ON retention_records (resource_type, resource_id) WHERE deleted_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS retention_records_due
		ON retention_records (expires_at, id) WHERE deleted_at IS NULL AND expires_at IS NOT NULL`,
	`CREATE OR REPLACE FUNCTION guard_retention_records() RETURNS trigger
	LANGUAGE plpgsql AS $$
	BEGIN
		IF TG_OP = 'DELETE' THEN
			RAISE EXCEPTION 'retention records are never deleted';
		END IF;
		IF NEW.expires_at IS DISTINCT FROM OLD.expires_at
			OR NEW.created_at <> OLD.created_at
			OR NEW.category <> OLD.category THEN
			RAISE EXCEPTION 'retention expiry is immutable';
		END IF;
		IF OLD.deleted_at IS NOT NULL AND NEW.deleted_at IS DISTINCT FROM OLD.deleted_at THEN
			RAISE EXCEPTION 'retention deletion is final';
		END IF;
		RETURN NEW;
	END
	$$`,
	`DROP TRIGGER IF EXISTS retention_records_guard ON retention_records`,
	`CREATE TRIGGER retention_records_guard BEFORE UPDATE OR DELETE ON retention_records
		FOR EACH ROW EXECUTE FUNCTION guard_retention_records()`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id            BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		action        TEXT NOT NULL,
		actor         TEXT NOT NULL,
		resource_type TEXT,
		resource_id   TEXT,
		severity      TEXT NOT NULL DEFAULT 'info',
		status        TEXT,
		ip_address    TEXT,
		user_agent    TEXT,
		trace_id      TEXT,
		details       JSONB,
		occurred_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_occurred_at ON audit_logs (occurred_at)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_resource ON audit_logs (resource_type, resource_id)`,
	`CREATE OR REPLACE FUNCTION reject_audit_mutation() RETURNS trigger
	LANGUAGE plpgsql AS $$
	BEGIN
		RAISE EXCEPTION 'audit_logs is append-only';
	END
	$$`,
	`DROP TRIGGER IF EXISTS audit_logs_append_only ON audit_logs`,
	`CREATE TRIGGER audit_logs_append_only BEFORE UPDATE OR DELETE ON audit_logs
		FOR EACH ROW EXECUTE FUNCTION reject_audit_mutation()`,
	`DROP TRIGGER IF EXISTS audit_logs_no_truncate ON audit_logs`,
	`CREATE TRIGGER audit_logs_no_truncate BEFORE TRUNCATE ON audit_logs
		FOR EACH STATEMENT EXECUTE FUNCTION reject_audit_mutation()`,

	`CREATE TABLE IF NOT EXISTS consents (
		id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		user_id      TEXT NOT NULL,
		consent_type TEXT NOT NULL,
		granted      BOOLEAN NOT NULL,
		granted_at   TIMESTAMPTZ,
		revoked_at   TIMESTAMPTZ,
		ip_address   TEXT,
		user_agent   TEXT,
		consent_text TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS consents_user_type ON consents (user_id, consent_type)`,

	`CREATE TABLE IF NOT EXISTS data_subject_requests (
		id           BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		user_id      TEXT NOT NULL,
		request_type TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ,
		processed_by TEXT,
		notes        TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS data_subject_requests_user ON data_subject_requests (user_id)`,

	`CREATE TABLE IF NOT EXISTS accounts (
		id            UUID PRIMARY KEY,
		email_hash    TEXT NOT NULL UNIQUE,
		email         TEXT NOT NULL,
		full_name     TEXT,
		password_hash TEXT,
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		anonymized_at TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		account_id UUID NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
		title      TEXT NOT NULL,
		message    TEXT NOT NULL,
		is_read    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_account ON notifications (account_id, id)`,
	`CREATE INDEX IF NOT EXISTS notifications_unread ON notifications (account_id) WHERE NOT is_read`,
}

// TenantBaseline returns the ordered statements that build a tenant schema.
func TenantBaseline() []string {
	out := make([]string, len(tenantStatements))
	copy(out, tenantStatements)
	return out
}

// Migrate creates or updates the shared core schema. Safe to run from several
// processes at once.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockKey); err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}
		for i, stmt := range coreStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("run core migration %d: %w", i, err)
			}
		}
		return nil
	})
}
