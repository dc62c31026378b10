// Package persist adapts internal/repository's audit storage into a
// hive.HealthSink so a Hive's terminal worker outcomes (CLOSED/FAILED)
// survive process exit. Wiring this in is optional: a Hive built
// without hive.WithHealthSink behaves exactly as spec.md describes,
// with no persistence at all.
package persist

import (
	"context"

	"github.com/memhive/memhive/internal/hive"
	"github.com/memhive/memhive/internal/repository"
	"github.com/memhive/memhive/pkg/utils"
)

// AuditSink persists every terminal health event it observes via an
// AuditRepository, logging (but not propagating) storage failures so a
// database hiccup never takes down the Hive's health listener.
type AuditSink struct {
	repo      repository.AuditRepository
	hiveRunID string
	logger    utils.Logger
}

// NewAuditSink returns an AuditSink that tags every record with
// hiveRunID, letting ListByRun later reconstruct one run's full worker
// history.
func NewAuditSink(repo repository.AuditRepository, hiveRunID string, logger utils.Logger) *AuditSink {
	if logger == nil {
		logger = utils.GetGlobalLogger()
	}
	return &AuditSink{repo: repo, hiveRunID: hiveRunID, logger: logger}
}

// OnTerminal implements hive.HealthSink.
func (s *AuditSink) OnTerminal(evt hive.HealthEvent) {
	kind := repository.AuditEventClosed
	if evt.Kind == hive.HealthError {
		kind = repository.AuditEventFailed
	}

	rec := &repository.AuditRecord{
		HiveRunID: s.hiveRunID,
		WorkerID:  evt.WorkerID,
		Kind:      kind,
		ClassName: evt.ClassName,
		Message:   evt.Message,
	}

	if err := s.repo.Record(context.Background(), rec); err != nil {
		s.logger.Warn("persist: failed to record worker %d outcome: %v", evt.WorkerID, err)
	}
}
