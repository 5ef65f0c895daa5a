package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mediaforge/orchestrator/internal/db"
)

// JobEventLogRepository stores the per-job structured event trail (progress
// updates, handler errors, provider responses) surfaced by the admin read
// endpoints in SPEC_FULL.md's SUPPLEMENTED FEATURES.
type JobEventLogRepository interface {
	Append(ctx context.Context, entry *db.JobEventLog) error
	ListByJob(ctx context.Context, jobRecordID uuid.UUID) ([]db.JobEventLog, error)
}

type gormJobEventLogRepository struct {
	db *gorm.DB
}

// NewJobEventLogRepository returns a JobEventLogRepository backed by gormDB.
func NewJobEventLogRepository(gormDB *gorm.DB) JobEventLogRepository {
	return &gormJobEventLogRepository{db: gormDB}
}

func (r *gormJobEventLogRepository) Append(ctx context.Context, entry *db.JobEventLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("jobeventlogs: append: %w", err)
	}
	return nil
}

func (r *gormJobEventLogRepository) ListByJob(ctx context.Context, jobRecordID uuid.UUID) ([]db.JobEventLog, error) {
	var entries []db.JobEventLog
	if err := r.db.WithContext(ctx).
		Where("job_record_id = ?", jobRecordID).
		Order("timestamp ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("jobeventlogs: list by job: %w", err)
	}
	return entries, nil
}
