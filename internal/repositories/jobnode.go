package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mediaforge/orchestrator/internal/db"
)

// JobNodeRepository is the C2 Execution Store's surface for JobNode rows.
// Like ExecutionRepository, transitions beyond Create are guarded
// compare-and-swap updates keyed on the row's current status, which is what
// makes every completion/failure write safe to retry on duplicate delivery
// (spec.md §8 invariant 1, §9).
type JobNodeRepository interface {
	CreateMany(ctx context.Context, nodes []*db.JobNode) error
	GetByRecordID(ctx context.Context, recordID uuid.UUID) (*db.JobNode, error)
	GetByExecutionAndJobID(ctx context.Context, executionID uuid.UUID, jobID string) (*db.JobNode, error)
	ListByExecution(ctx context.Context, executionID uuid.UUID) ([]db.JobNode, error)

	// MarkProcessing transitions pending -> processing and stamps the
	// QueueTicketID in the same write, the "if-still-pending" guard from
	// spec.md §4.4 that prevents double-emission of the same job.
	MarkProcessing(ctx context.Context, recordID uuid.UUID, ticketID uuid.UUID, startedAt time.Time) error

	// MarkCompleted transitions processing -> completed. Guarded so that a
	// racing webhook+poll completion pair is idempotent (spec.md §4.7).
	MarkCompleted(ctx context.Context, recordID uuid.UUID, result string, completedAt time.Time) error

	// MarkFailed transitions pending|processing -> failed. Pending->failed
	// covers dependency-cascade failures; processing->failed covers handler
	// and provider errors.
	MarkFailed(ctx context.Context, recordID uuid.UUID, errMsg string, completedAt time.Time) error

	// MarkAsyncStarted records a provider job id and waiting strategy without
	// completing the job (spec.md §4.5 "async-started").
	MarkAsyncStarted(ctx context.Context, recordID uuid.UUID, strategy, providerJobID string, nextPollAt *time.Time) error

	UpdateProgress(ctx context.Context, recordID uuid.UUID, stage string, percent int) error
	AdvancePoll(ctx context.Context, recordID uuid.UUID, nextPollAt time.Time) error

	// MarkActionLogged flags a job's billable action as recorded, guarded on
	// ActionLogged currently being false (spec.md §8 invariant 4).
	MarkActionLogged(ctx context.Context, recordID uuid.UUID) error

	// MarkWebhookDelivered guards on WebhookDeliveredAt being NULL.
	MarkWebhookDelivered(ctx context.Context, recordID uuid.UUID, at time.Time) error

	// ListPollable returns processing jobs on the polling strategy whose
	// NextPollAt has elapsed — the poller's work queue (spec.md §4.7).
	ListPollable(ctx context.Context, now time.Time) ([]db.JobNode, error)
}

type gormJobNodeRepository struct {
	db *gorm.DB
}

// NewJobNodeRepository returns a JobNodeRepository backed by gormDB.
func NewJobNodeRepository(gormDB *gorm.DB) JobNodeRepository {
	return &gormJobNodeRepository{db: gormDB}
}

func (r *gormJobNodeRepository) CreateMany(ctx context.Context, nodes []*db.JobNode) error {
	if len(nodes) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&nodes).Error; err != nil {
		return fmt.Errorf("jobnodes: create many: %w", err)
	}
	return nil
}

func (r *gormJobNodeRepository) GetByRecordID(ctx context.Context, recordID uuid.UUID) (*db.JobNode, error) {
	var node db.JobNode
	err := r.db.WithContext(ctx).First(&node, "id = ?", recordID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobnodes: get by record id: %w", err)
	}
	return &node, nil
}

func (r *gormJobNodeRepository) GetByExecutionAndJobID(ctx context.Context, executionID uuid.UUID, jobID string) (*db.JobNode, error) {
	var node db.JobNode
	err := r.db.WithContext(ctx).
		First(&node, "execution_id = ? AND job_id = ?", executionID, jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobnodes: get by execution+job id: %w", err)
	}
	return &node, nil
}

func (r *gormJobNodeRepository) ListByExecution(ctx context.Context, executionID uuid.UUID) ([]db.JobNode, error) {
	var nodes []db.JobNode
	if err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at ASC").
		Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("jobnodes: list by execution: %w", err)
	}
	return nodes, nil
}

func (r *gormJobNodeRepository) MarkProcessing(ctx context.Context, recordID, ticketID uuid.UUID, startedAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&db.JobNode{}).
		Where("id = ? AND status = ?", recordID, "pending").
		Updates(map[string]interface{}{
			"status":          "processing",
			"queue_ticket_id": ticketID,
			"started_at":      startedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("jobnodes: mark processing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *gormJobNodeRepository) MarkCompleted(ctx context.Context, recordID uuid.UUID, result string, completedAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&db.JobNode{}).
		Where("id = ? AND status = ?", recordID, "processing").
		Updates(map[string]interface{}{
			"status":       "completed",
			"result":       result,
			"completed_at": completedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("jobnodes: mark completed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *gormJobNodeRepository) MarkFailed(ctx context.Context, recordID uuid.UUID, errMsg string, completedAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&db.JobNode{}).
		Where("id = ? AND status IN ?", recordID, []string{"pending", "processing"}).
		Updates(map[string]interface{}{
			"status":       "failed",
			"error":        errMsg,
			"completed_at": completedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("jobnodes: mark failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *gormJobNodeRepository) MarkAsyncStarted(ctx context.Context, recordID uuid.UUID, strategy, providerJobID string, nextPollAt *time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&db.JobNode{}).
		Where("id = ? AND status = ?", recordID, "processing").
		Updates(map[string]interface{}{
			"waiting_strategy": strategy,
			"provider_job_id":  providerJobID,
			"next_poll_at":     nextPollAt,
		})
	if res.Error != nil {
		return fmt.Errorf("jobnodes: mark async started: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *gormJobNodeRepository) UpdateProgress(ctx context.Context, recordID uuid.UUID, stage string, percent int) error {
	res := r.db.WithContext(ctx).
		Model(&db.JobNode{}).
		Where("id = ?", recordID).
		Updates(map[string]interface{}{
			"progress_stage":   stage,
			"progress_percent": percent,
		})
	if res.Error != nil {
		return fmt.Errorf("jobnodes: update progress: %w", res.Error)
	}
	return nil
}

func (r *gormJobNodeRepository) AdvancePoll(ctx context.Context, recordID uuid.UUID, nextPollAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&db.JobNode{}).
		Where("id = ? AND status = ?", recordID, "processing").
		Updates(map[string]interface{}{
			"next_poll_at": nextPollAt,
			"attempts":     gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("jobnodes: advance poll: %w", res.Error)
	}
	return nil
}

func (r *gormJobNodeRepository) MarkActionLogged(ctx context.Context, recordID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&db.JobNode{}).
		Where("id = ? AND action_logged = ?", recordID, false).
		Update("action_logged", true)
	if res.Error != nil {
		return fmt.Errorf("jobnodes: mark action logged: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *gormJobNodeRepository) MarkWebhookDelivered(ctx context.Context, recordID uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&db.JobNode{}).
		Where("id = ? AND webhook_delivered_at IS NULL", recordID).
		Update("webhook_delivered_at", at)
	if res.Error != nil {
		return fmt.Errorf("jobnodes: mark webhook delivered: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *gormJobNodeRepository) ListPollable(ctx context.Context, now time.Time) ([]db.JobNode, error) {
	var nodes []db.JobNode
	if err := r.db.WithContext(ctx).
		Where("status = ? AND waiting_strategy = ? AND next_poll_at <= ?", "processing", "polling", now).
		Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("jobnodes: list pollable: %w", err)
	}
	return nodes, nil
}
