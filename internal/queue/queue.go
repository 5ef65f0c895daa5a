// Package queue implements the Persistent Queue (C1): a durable, per-topic
// FIFO with at-least-once delivery, visibility timeouts, exponential-backoff
// retry, and expiration. It is the only mechanism by which the Orchestrator
// (C4) hands work to the Pipeline Worker (C5); every other component talks
// to it only through Send/Work/Ack/Fail.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mediaforge/orchestrator/internal/db"
	"github.com/mediaforge/orchestrator/internal/metrics"
	"github.com/mediaforge/orchestrator/internal/repositories"
)

// ErrNoTicketAvailable is returned by Work when the wait deadline elapses
// with nothing to deliver.
var ErrNoTicketAvailable = errors.New("queue: no ticket available")

// Topics used internally alongside operation-name topics (spec.md §3).
const (
	TopicWebhookDelivery    = "webhook-delivery"
	TopicJobWebhookDelivery = "job-webhook-delivery"
)

// defaultVisibility is how long a claimed ticket stays invisible to other
// workers before it is assumed lost and reclaimed.
const defaultVisibility = 5 * time.Minute

// Ticket is the in-memory view of a claimed QueueTicket handed to a worker.
type Ticket struct {
	ID        uuid.UUID
	Topic     string
	Payload   json.RawMessage
	Attempts  int
	CreatedAt time.Time
}

// Config tunes Queue behavior.
type Config struct {
	Visibility  time.Duration // default defaultVisibility
	ExpireAfter time.Duration // default 24h
	MaxAttempts int           // default 5
	// RedisClient, if non-nil, is used to publish/subscribe "ticket
	// available" notifications per topic, cutting worker wake-up latency
	// below the poll interval (spec.md's queue is poll-based by contract;
	// this is purely a latency optimization, never a correctness dependency).
	RedisClient *redis.Client
}

// Queue is the C1 implementation. Workers obtain it via the worker package
// and call Work in a loop; the orchestrator calls Send when emitting ready
// jobs or webhook deliveries.
type Queue struct {
	tickets repositories.QueueTicketRepository
	cfg     Config
	logger  *zap.Logger
}

// New returns a Queue backed by tickets, applying cfg defaults where zero.
func New(tickets repositories.QueueTicketRepository, cfg Config, logger *zap.Logger) *Queue {
	if cfg.Visibility <= 0 {
		cfg.Visibility = defaultVisibility
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Queue{tickets: tickets, cfg: cfg, logger: logger.Named("queue")}
}

// Send enqueues payload onto topic durably. It fails only on backing-store
// unavailability (spec.md §4.1 "Errors").
func (q *Queue) Send(ctx context.Context, topic string, payload interface{}) (uuid.UUID, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("queue: marshal payload: %w", err)
	}

	now := time.Now().UTC()
	t := &db.QueueTicket{
		Topic:       topic,
		Payload:     string(body),
		State:       "created",
		MaxAttempts: q.cfg.MaxAttempts,
		VisibleAt:   now,
		ExpireAt:    now.Add(q.cfg.ExpireAfter),
	}
	if err := q.tickets.Create(ctx, t); err != nil {
		return uuid.Nil, fmt.Errorf("queue: send: %w", err)
	}

	q.notify(ctx, topic)
	q.logger.Debug("ticket sent", zap.String("topic", topic), zap.String("ticket_id", t.ID.String()))
	return t.ID, nil
}

// Work blocks (up to wait) for the next available ticket on topic, claimed
// under workerID. Returns ErrNoTicketAvailable if wait elapses with nothing
// to deliver. Callers must eventually call Ack or Fail; a ticket that gets
// neither is handed out again once its visibility window elapses.
func (q *Queue) Work(ctx context.Context, topic, workerID string, wait time.Duration) (*Ticket, error) {
	deadline := time.Now().Add(wait)

	sub := q.subscribe(ctx, topic)
	if sub != nil {
		defer sub.Close()
	}

	pollInterval := 250 * time.Millisecond
	for {
		claimed, err := q.tickets.ClaimNext(ctx, topic, workerID, 1, q.cfg.Visibility)
		if err != nil {
			return nil, fmt.Errorf("queue: work: claim: %w", err)
		}
		if len(claimed) > 0 {
			t := claimed[0]
			ticket := &Ticket{ID: t.ID, Topic: t.Topic, Payload: json.RawMessage(t.Payload), Attempts: t.Attempts, CreatedAt: t.CreatedAt}
			metrics.TicketAgeSeconds.WithLabelValues(topic).Observe(time.Since(t.CreatedAt).Seconds())
			return ticket, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrNoTicketAvailable
		}

		waitFor := pollInterval
		if sub != nil {
			remaining := time.Until(deadline)
			if remaining < waitFor {
				waitFor = remaining
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-sub.Channel():
			case <-time.After(waitFor):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Ack marks a ticket completed. Call after the handler or poller successfully
// finished the work it represents.
func (q *Queue) Ack(ctx context.Context, ticketID uuid.UUID, workerID string) error {
	if err := q.tickets.Complete(ctx, ticketID, workerID); err != nil {
		if errors.Is(err, repositories.ErrStaleTransition) {
			q.logger.Warn("ack on stale ticket, likely already reclaimed", zap.String("ticket_id", ticketID.String()))
			return nil
		}
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// Fail records a processing failure. The ticket is retried with exponential
// backoff until MaxAttempts, then marked terminally failed (spec.md §4.1(c)).
func (q *Queue) Fail(ctx context.Context, ticketID uuid.UUID, workerID string, cause error) error {
	t, err := q.tickets.GetByID(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("queue: fail: load ticket: %w", err)
	}
	backoff := backoffFor(t.Attempts)

	if err := q.tickets.Fail(ctx, ticketID, workerID, cause.Error(), backoff); err != nil {
		if errors.Is(err, repositories.ErrStaleTransition) {
			return nil
		}
		return fmt.Errorf("queue: fail: %w", err)
	}
	return nil
}

// backoffFor computes exponential backoff with a cap, 1s * 2^attempts up to 5m.
func backoffFor(attempts int) time.Duration {
	d := time.Second * time.Duration(1<<uint(attempts))
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

func (q *Queue) notify(ctx context.Context, topic string) {
	if q.cfg.RedisClient == nil {
		return
	}
	if err := q.cfg.RedisClient.Publish(ctx, channelName(topic), "1").Err(); err != nil {
		q.logger.Debug("redis publish failed, workers fall back to polling", zap.Error(err))
	}
}

func (q *Queue) subscribe(ctx context.Context, topic string) *redis.PubSub {
	if q.cfg.RedisClient == nil {
		return nil
	}
	return q.cfg.RedisClient.Subscribe(ctx, channelName(topic))
}

func channelName(topic string) string {
	return "mediaforge:queue:" + topic
}
