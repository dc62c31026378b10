package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/memhive/memhive/pkg/errors"
)

func newMockAuditRepo(t *testing.T) (*GormAuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &GormAuditRepository{db: gormDB}, mock
}

func TestGormAuditRepositoryRecord(t *testing.T) {
	repo, mock := newMockAuditRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "memhive_audit_records"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	rec := &AuditRecord{
		HiveRunID: "run-1",
		WorkerID:  42,
		Kind:      AuditEventClosed,
	}
	err := repo.Record(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGormAuditRepositoryRecordWrapsDatabaseError(t *testing.T) {
	repo, mock := newMockAuditRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "memhive_audit_records"`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := repo.Record(context.Background(), &AuditRecord{HiveRunID: "run-1", WorkerID: 1})
	require.Error(t, err)
	assert.Equal(t, errors.CodeDatabaseError, errors.GetErrorCode(err))
}

func TestGormAuditRepositoryListByRun(t *testing.T) {
	repo, mock := newMockAuditRepo(t)

	rows := sqlmock.NewRows([]string{"id", "hive_run_id", "worker_id", "kind", "class_name", "message", "created_at"}).
		AddRow(1, "run-1", 42, "closed", "", "", nil)
	mock.ExpectQuery(`SELECT \* FROM "memhive_audit_records" WHERE hive_run_id = \$1`).
		WithArgs("run-1").
		WillReturnRows(rows)

	records, err := repo.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(42), records[0].WorkerID)
}
