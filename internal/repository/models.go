package repository

import "time"

// AuditEventKind mirrors hive.HealthEventKind for the subset of events
// worth persisting: only the terminal ones (CLOSED/FAILED), per
// SPEC_FULL.md's audit sink being an opt-in record of how a Hive's
// workers finished, not a live mirror of every health signal.
type AuditEventKind string

const (
	AuditEventClosed AuditEventKind = "closed"
	AuditEventFailed AuditEventKind = "failed"
)

// AuditRecord is a GORM model capturing one worker's terminal outcome.
type AuditRecord struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	HiveRunID string `gorm:"index;size:64"`
	WorkerID  uint64 `gorm:"index"`
	Kind      AuditEventKind `gorm:"size:16"`
	ClassName string `gorm:"size:128"`
	Message   string `gorm:"type:text"`
	CreatedAt time.Time
}

// TableName pins the table name so migrations are stable across GORM
// naming-strategy changes.
func (AuditRecord) TableName() string { return "memhive_audit_records" }
