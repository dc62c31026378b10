package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/memhive/memhive/pkg/errors"
)

// AuditRepository persists terminal worker health events, the opt-in
// sink a Hive can wire up via internal/hive/persist so a run's worker
// outcomes survive process exit.
type AuditRepository interface {
	Record(ctx context.Context, rec *AuditRecord) error
	ListByRun(ctx context.Context, hiveRunID string) ([]AuditRecord, error)
}

// GormAuditRepository implements AuditRepository on top of GORM, the way
// every other repository in this codebase is built (see factory.go).
type GormAuditRepository struct {
	db *gorm.DB
}

// NewGormAuditRepository returns a GormAuditRepository, auto-migrating
// the AuditRecord table if it does not already exist.
func NewGormAuditRepository(db *gorm.DB) (*GormAuditRepository, error) {
	if err := db.AutoMigrate(&AuditRecord{}); err != nil {
		return nil, errors.Wrap(errors.CodeDatabaseError, "failed to migrate audit records table", err)
	}
	return &GormAuditRepository{db: db}, nil
}

// Record inserts rec.
func (r *GormAuditRepository) Record(ctx context.Context, rec *AuditRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return errors.Wrap(errors.CodeDatabaseError, "failed to record audit event", err)
	}
	return nil
}

// ListByRun returns every audit record for hiveRunID, oldest first.
func (r *GormAuditRepository) ListByRun(ctx context.Context, hiveRunID string) ([]AuditRecord, error) {
	var records []AuditRecord
	err := r.db.WithContext(ctx).
		Where("hive_run_id = ?", hiveRunID).
		Order("id asc").
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(errors.CodeDatabaseError, "failed to list audit records", err)
	}
	return records, nil
}
