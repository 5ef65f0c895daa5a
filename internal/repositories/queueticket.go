package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mediaforge/orchestrator/internal/db"
)

// QueueTicketRepository is the storage surface C1's queue.Queue is built on.
// State transitions (created -> active -> completed|failed|expired) are all
// guarded compare-and-swap writes so two workers racing to claim or finish
// the same ticket can never both succeed (spec.md §4.1 "delivery to a single
// worker at a time within the visibility window").
type QueueTicketRepository interface {
	Create(ctx context.Context, ticket *db.QueueTicket) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.QueueTicket, error)

	// ClaimNext atomically claims up to n visible, created-or-released
	// tickets for topic, setting state=active, lockedBy=workerID,
	// lockedAt=now, visibleAt=now+visibility. Returns the claimed rows.
	ClaimNext(ctx context.Context, topic, workerID string, n int, visibility time.Duration) ([]db.QueueTicket, error)

	// Complete transitions active -> completed, guarded on the ticket still
	// being locked by workerID (the visibility timeout may have reassigned
	// it to someone else already).
	Complete(ctx context.Context, id uuid.UUID, workerID string) error

	// Fail records an attempt failure. Attempts is counted at claim time; if
	// it is still below maxAttempts, the ticket is released back to created
	// with an exponential backoff delay on VisibleAt; otherwise it is marked
	// failed terminally.
	Fail(ctx context.Context, id uuid.UUID, workerID, errMsg string, backoff time.Duration) error

	// ReclaimExpiredLeases resets tickets whose visibility window elapsed
	// while still active back to created, for redelivery (lost-worker
	// recovery).
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error)

	// ArchiveExpired marks as expired any ticket past ExpireAt that never
	// reached a terminal state (spec.md §4.1(d)).
	ArchiveExpired(ctx context.Context, now time.Time) (int64, error)

	// CountVisibleByTopic returns, per topic, the number of tickets a worker
	// could claim right now (state=created, visible_at<=now). Sampled by the
	// reaper tick to drive the queue depth gauge.
	CountVisibleByTopic(ctx context.Context, now time.Time) (map[string]int64, error)
}

type gormQueueTicketRepository struct {
	db *gorm.DB
}

// NewQueueTicketRepository returns a QueueTicketRepository backed by gormDB.
func NewQueueTicketRepository(gormDB *gorm.DB) QueueTicketRepository {
	return &gormQueueTicketRepository{db: gormDB}
}

func (r *gormQueueTicketRepository) Create(ctx context.Context, ticket *db.QueueTicket) error {
	if err := r.db.WithContext(ctx).Create(ticket).Error; err != nil {
		return fmt.Errorf("queuetickets: create: %w", err)
	}
	return nil
}

func (r *gormQueueTicketRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.QueueTicket, error) {
	var t db.QueueTicket
	err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queuetickets: get by id: %w", err)
	}
	return &t, nil
}

// ClaimNext runs inside a transaction: select candidate ids, then update each
// guarded on state still matching, so two workers selecting the same row
// concurrently leave exactly one winner (the loser's RowsAffected is 0 and
// it is skipped, same CAS discipline as the rest of this package).
func (r *gormQueueTicketRepository) ClaimNext(ctx context.Context, topic, workerID string, n int, visibility time.Duration) ([]db.QueueTicket, error) {
	var claimed []db.QueueTicket

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []db.QueueTicket
		now := time.Now().UTC()
		if err := tx.
			Where("topic = ? AND state = ? AND visible_at <= ?", topic, "created", now).
			Order("created_at ASC").
			Limit(n).
			Find(&candidates).Error; err != nil {
			return fmt.Errorf("select candidates: %w", err)
		}

		for _, c := range candidates {
			res := tx.Model(&db.QueueTicket{}).
				Where("id = ? AND state = ?", c.ID, "created").
				Updates(map[string]interface{}{
					"state":      "active",
					"locked_by":  workerID,
					"locked_at":  now,
					"visible_at": now.Add(visibility),
					"attempts":   gorm.Expr("attempts + 1"),
				})
			if res.Error != nil {
				return fmt.Errorf("claim ticket %s: %w", c.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				continue // another worker won the race
			}
			c.State = "active"
			c.LockedBy = workerID
			claimed = append(claimed, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queuetickets: claim next: %w", err)
	}
	return claimed, nil
}

func (r *gormQueueTicketRepository) Complete(ctx context.Context, id uuid.UUID, workerID string) error {
	res := r.db.WithContext(ctx).
		Model(&db.QueueTicket{}).
		Where("id = ? AND state = ? AND locked_by = ?", id, "active", workerID).
		Update("state", "completed")
	if res.Error != nil {
		return fmt.Errorf("queuetickets: complete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *gormQueueTicketRepository) Fail(ctx context.Context, id uuid.UUID, workerID, errMsg string, backoff time.Duration) error {
	var t db.QueueTicket
	if err := r.db.WithContext(ctx).First(&t, "id = ? AND locked_by = ?", id, workerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrStaleTransition
		}
		return fmt.Errorf("queuetickets: fail: load: %w", err)
	}

	updates := map[string]interface{}{"last_error": errMsg}
	if t.Attempts >= t.MaxAttempts {
		updates["state"] = "failed"
	} else {
		updates["state"] = "created"
		updates["visible_at"] = time.Now().UTC().Add(backoff)
		updates["locked_by"] = ""
	}

	res := r.db.WithContext(ctx).
		Model(&db.QueueTicket{}).
		Where("id = ? AND state = ? AND locked_by = ?", id, "active", workerID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("queuetickets: fail: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *gormQueueTicketRepository) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&db.QueueTicket{}).
		Where("state = ? AND visible_at <= ?", "active", now).
		Updates(map[string]interface{}{
			"state":     "created",
			"locked_by": "",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("queuetickets: reclaim expired leases: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *gormQueueTicketRepository) ArchiveExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&db.QueueTicket{}).
		Where("state IN ? AND expire_at <= ?", []string{"created", "active"}, now).
		Update("state", "expired")
	if res.Error != nil {
		return 0, fmt.Errorf("queuetickets: archive expired: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *gormQueueTicketRepository) CountVisibleByTopic(ctx context.Context, now time.Time) (map[string]int64, error) {
	var rows []struct {
		Topic string
		Count int64
	}
	if err := r.db.WithContext(ctx).
		Model(&db.QueueTicket{}).
		Select("topic, count(*) as count").
		Where("state = ? AND visible_at <= ?", "created", now).
		Group("topic").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("queuetickets: count visible by topic: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Topic] = row.Count
	}
	return counts, nil
}
