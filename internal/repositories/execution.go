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

// ExecutionRepository is the C2 Execution Store's read/write surface for
// Execution rows. Every transition it exposes beyond Create is a guarded
// compare-and-swap: callers pass the expected current status and the write
// only lands if a row still matches it, giving duplicate-delivery safety for
// free (spec.md §9 "Duplicate-delivery tolerance").
type ExecutionRepository interface {
	Create(ctx context.Context, exec *db.Execution) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error)

	// MarkProcessing flips a pending execution to processing. Called on
	// admission; on an execution that is no longer pending it changes
	// nothing and returns ErrStaleTransition.
	MarkProcessing(ctx context.Context, id uuid.UUID) error

	// MarkTerminal writes the final status/result/error/completedAt, guarded
	// on the row currently being non-terminal. A second caller racing to
	// reach terminal state (e.g. two overlapping reaction passes) observes
	// ErrStaleTransition and treats it as a no-op.
	MarkTerminal(ctx context.Context, id uuid.UUID, status, result, errMsg string, completedAt time.Time) error

	// MarkWebhookDelivered sets WebhookDeliveredAt, guarded on it being NULL.
	MarkWebhookDelivered(ctx context.Context, id uuid.UUID, at time.Time) error

	ListNonTerminal(ctx context.Context) ([]db.Execution, error)
	List(ctx context.Context, opts ListOptions) ([]db.Execution, int64, error)
}

type gormExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository returns an ExecutionRepository backed by gormDB.
func NewExecutionRepository(gormDB *gorm.DB) ExecutionRepository {
	return &gormExecutionRepository{db: gormDB}
}

func (r *gormExecutionRepository) Create(ctx context.Context, exec *db.Execution) error {
	if err := r.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("executions: create: %w", err)
	}
	return nil
}

func (r *gormExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Execution, error) {
	var exec db.Execution
	err := r.db.WithContext(ctx).First(&exec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executions: get by id: %w", err)
	}
	return &exec, nil
}

func (r *gormExecutionRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.Execution{}).
		Where("id = ? AND status = ?", id, "pending").
		Update("status", "processing")
	if result.Error != nil {
		return fmt.Errorf("executions: mark processing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *gormExecutionRepository) MarkTerminal(ctx context.Context, id uuid.UUID, status, result, errMsg string, completedAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&db.Execution{}).
		Where("id = ? AND status NOT IN ?", id, []string{"completed", "failed"}).
		Updates(map[string]interface{}{
			"status":       status,
			"result":       result,
			"error":        errMsg,
			"completed_at": completedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("executions: mark terminal: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *gormExecutionRepository) MarkWebhookDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&db.Execution{}).
		Where("id = ? AND webhook_delivered_at IS NULL", id).
		Update("webhook_delivered_at", at)
	if res.Error != nil {
		return fmt.Errorf("executions: mark webhook delivered: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// ListNonTerminal returns every execution not yet in a terminal state, used
// by the orchestrator's startup recovery pass (spec.md §4.4 "Recovery").
func (r *gormExecutionRepository) ListNonTerminal(ctx context.Context) ([]db.Execution, error) {
	var execs []db.Execution
	if err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []string{"completed", "failed"}).
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("executions: list non-terminal: %w", err)
	}
	return execs, nil
}

func (r *gormExecutionRepository) List(ctx context.Context, opts ListOptions) ([]db.Execution, int64, error) {
	var execs []db.Execution
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Execution{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&execs).Error; err != nil {
		return nil, 0, fmt.Errorf("executions: list: %w", err)
	}
	return execs, total, nil
}
