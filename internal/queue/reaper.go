package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/mediaforge/orchestrator/internal/metrics"
	"github.com/mediaforge/orchestrator/internal/repositories"
)

// Reaper periodically reclaims tickets whose visibility lease expired while
// a worker held them (the worker crashed or was killed mid-ticket) and
// archives tickets past their ExpireAt, mirroring the teacher's gocron-driven
// scheduler tick pattern (server/internal/scheduler/scheduler.go).
type Reaper struct {
	cron    gocron.Scheduler
	tickets repositories.QueueTicketRepository
	logger  *zap.Logger
}

// NewReaper creates a Reaper. Call Start to begin ticking.
func NewReaper(tickets repositories.QueueTicketRepository, logger *zap.Logger) (*Reaper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("queue: create reaper scheduler: %w", err)
	}
	return &Reaper{cron: s, tickets: tickets, logger: logger.Named("queue-reaper")}, nil
}

// Start registers the reclaim and archive jobs and starts the scheduler.
func (r *Reaper) Start(ctx context.Context) error {
	_, err := r.cron.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() { r.tick(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("queue: schedule reaper job: %w", err)
	}
	r.cron.Start()
	r.logger.Info("queue reaper started")
	return nil
}

// Stop shuts the reaper down, waiting for any in-flight tick to finish.
func (r *Reaper) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("queue: reaper shutdown: %w", err)
	}
	return nil
}

func (r *Reaper) tick(ctx context.Context) {
	now := time.Now().UTC()

	reclaimed, err := r.tickets.ReclaimExpiredLeases(ctx, now)
	if err != nil {
		r.logger.Error("reclaim expired leases failed", zap.Error(err))
	} else if reclaimed > 0 {
		r.logger.Info("reclaimed expired lease tickets", zap.Int64("count", reclaimed))
	}

	archived, err := r.tickets.ArchiveExpired(ctx, now)
	if err != nil {
		r.logger.Error("archive expired tickets failed", zap.Error(err))
	} else if archived > 0 {
		r.logger.Info("archived expired tickets", zap.Int64("count", archived))
	}

	if counts, err := r.tickets.CountVisibleByTopic(ctx, now); err != nil {
		r.logger.Error("count visible tickets failed", zap.Error(err))
	} else {
		for topic, count := range counts {
			metrics.QueueDepth.WithLabelValues(topic).Set(float64(count))
		}
	}
}
