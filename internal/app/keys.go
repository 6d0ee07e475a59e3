package app

import (
	"context"

	"github.com/bengobox/tenancy-service/internal/audit"
	"github.com/bengobox/tenancy-service/internal/encryption"
	"github.com/bengobox/tenancy-service/internal/tenant"
	"go.uber.org/zap"
)

type keyManager interface {
	Rotate(ctx context.Context) (encryption.Key, error)
	Keys(ctx context.Context) ([]encryption.Key, error)
}

type tenantLister interface {
	List(ctx context.Context) ([]tenant.Record, error)
}

type auditRecorder interface {
	Record(ctx context.Context, tenantID tenant.ID, entry audit.Entry) error
}

// KeyRotator rotates the data key and leaves a key_rotated entry in every
// active tenant's audit log, since keys are shared across tenants.
type KeyRotator struct {
	keys    keyManager
	tenants tenantLister
	audit   auditRecorder
	logger  *zap.Logger
}

func NewKeyRotator(keys keyManager, tenants tenantLister, auditor auditRecorder, logger *zap.Logger) *KeyRotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyRotator{keys: keys, tenants: tenants, audit: auditor, logger: logger}
}

// Rotate installs a new active key. The rotation stands even if some audit
// entries cannot be written; those failures are logged.
func (k *KeyRotator) Rotate(ctx context.Context) (encryption.Key, error) {
	key, err := k.keys.Rotate(ctx)
	if err != nil {
		return encryption.Key{}, err
	}
	tenants, err := k.tenants.List(ctx)
	if err != nil {
		k.logger.Warn("key rotated but tenants could not be listed for audit", zap.String("key_id", key.ID), zap.Error(err))
		return key, nil
	}
	for _, rec := range tenants {
		err := k.audit.Record(ctx, rec.ID, audit.Entry{
			Action:       audit.ActionKeyRotated,
			ResourceType: "encryption_key",
			ResourceID:   key.ID,
			Severity:     audit.SeverityWarning,
			Status:       "success",
			Details:      map[string]any{"version": key.Version},
		})
		if err != nil {
			k.logger.Warn("failed to audit key rotation",
				zap.String("tenant_id", rec.ID.String()),
				zap.String("key_id", key.ID),
				zap.Error(err),
			)
		}
	}
	return key, nil
}

func (k *KeyRotator) Keys(ctx context.Context) ([]encryption.Key, error) {
	return k.keys.Keys(ctx)
}
