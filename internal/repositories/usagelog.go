package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mediaforge/orchestrator/internal/db"
)

// UsageLogRepository records the billable-action audit trail (spec.md's
// SUPPLEMENTED FEATURES §1 in SPEC_FULL.md). Writes are idempotent on
// JobRecordID so a retried MarkActionLogged can never double-bill.
type UsageLogRepository interface {
	Record(ctx context.Context, entry *db.UsageLog) error
	ListByExecution(ctx context.Context, executionID uuid.UUID) ([]db.UsageLog, error)
}

type gormUsageLogRepository struct {
	db *gorm.DB
}

// NewUsageLogRepository returns a UsageLogRepository backed by gormDB.
func NewUsageLogRepository(gormDB *gorm.DB) UsageLogRepository {
	return &gormUsageLogRepository{db: gormDB}
}

func (r *gormUsageLogRepository) Record(ctx context.Context, entry *db.UsageLog) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_record_id"}},
			DoNothing: true,
		}).
		Create(entry).Error
	if err != nil {
		return fmt.Errorf("usagelogs: record: %w", err)
	}
	return nil
}

func (r *gormUsageLogRepository) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]db.UsageLog, error) {
	var entries []db.UsageLog
	if err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("recorded_at ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("usagelogs: list by execution: %w", err)
	}
	return entries, nil
}
