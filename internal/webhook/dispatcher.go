// Package webhook implements the Webhook Dispatcher (C8): the consumer of
// the webhook-delivery and job-webhook-delivery queue topics that POSTs
// execution- and job-terminal notifications to caller-supplied URLs, signed
// with HMAC-SHA256 when a secret is configured (spec.md §4.8).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediaforge/orchestrator/internal/metrics"
	"github.com/mediaforge/orchestrator/internal/queue"
	"github.com/mediaforge/orchestrator/internal/repositories"
)

// signatureHeader carries the hex HMAC-SHA256 signature of the raw request
// body, computed with the execution's WebhookSecret (spec.md §4.8).
const signatureHeader = "X-Signature"

// executionDeliveryPayload mirrors the shape an execution-terminal webhook
// carries (spec.md §4.8 "Execution completion notification").
type executionDeliveryPayload struct {
	ExecutionID uuid.UUID `json:"executionId"`
	Status      string    `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// jobDeliveryPayload mirrors a per-job completion webhook (spec.md §4.8
// "Per-job completion notification", opt-in via sendJobWebhook).
type jobDeliveryPayload struct {
	ExecutionID uuid.UUID `json:"executionId"`
	JobID       string    `json:"jobId"`
	Operation   string    `json:"operation"`
	Status      string    `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type executionTicketPayload struct {
	ExecutionID uuid.UUID `json:"executionId"`
}

type jobTicketPayload struct {
	ExecutionID uuid.UUID `json:"executionId"`
	JobID       string    `json:"jobId"`
}

// Dispatcher consumes both webhook topics and delivers the resulting HTTP
// POST, retrying through the underlying queue's own backoff/MaxAttempts
// budget on failure (spec.md §4.8 "retried with exponential backoff, at
// least 5 attempts, after which delivery is abandoned").
type Dispatcher struct {
	id          string
	q           *queue.Queue
	executions  repositories.ExecutionRepository
	jobNodes    repositories.JobNodeRepository
	client      *http.Client
	waitTimeout time.Duration
	logger      *zap.Logger
}

// New returns a Dispatcher identified by id, used as the queue's lock owner.
func New(id string, q *queue.Queue, executions repositories.ExecutionRepository, jobNodes repositories.JobNodeRepository, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		id:          id,
		q:           q,
		executions:  executions,
		jobNodes:    jobNodes,
		client:      &http.Client{Timeout: 10 * time.Second},
		waitTimeout: 10 * time.Second,
		logger:      logger.Named("webhook"),
	}
}

// RunExecutionDeliveries pulls from the execution webhook topic until ctx is
// canceled.
func (d *Dispatcher) RunExecutionDeliveries(ctx context.Context) {
	d.run(ctx, queue.TopicWebhookDelivery, d.processExecutionTicket)
}

// RunJobDeliveries pulls from the per-job webhook topic until ctx is
// canceled.
func (d *Dispatcher) RunJobDeliveries(ctx context.Context) {
	d.run(ctx, queue.TopicJobWebhookDelivery, d.processJobTicket)
}

func (d *Dispatcher) run(ctx context.Context, topic string, process func(context.Context, *queue.Ticket)) {
	logger := d.logger.With(zap.String("topic", topic))
	logger.Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("dispatcher stopping")
			return
		default:
		}

		ticket, err := d.q.Work(ctx, topic, d.id, d.waitTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrNoTicketAvailable) || errors.Is(err, context.Canceled) {
				continue
			}
			logger.Error("work pull failed", zap.Error(err))
			continue
		}

		process(ctx, ticket)
	}
}

func (d *Dispatcher) processExecutionTicket(ctx context.Context, ticket *queue.Ticket) {
	var payload executionTicketPayload
	if err := json.Unmarshal(ticket.Payload, &payload); err != nil {
		d.logger.Error("failed to decode execution ticket payload, failing", zap.Error(err))
		_ = d.q.Fail(ctx, ticket.ID, d.id, err)
		return
	}

	logger := d.logger.With(zap.String("execution_id", payload.ExecutionID.String()))

	exec, err := d.executions.GetByID(ctx, payload.ExecutionID)
	if err != nil {
		logger.Error("execution not found, acking ticket", zap.Error(err))
		_ = d.q.Ack(ctx, ticket.ID, d.id)
		return
	}

	// Dedup: a previous delivery attempt already succeeded.
	if exec.WebhookDeliveredAt != nil || exec.Webhook == "" {
		_ = d.q.Ack(ctx, ticket.ID, d.id)
		return
	}

	body, err := json.Marshal(executionDeliveryPayload{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Result:      rawOrNil(exec.Result),
		Error:       exec.Error,
		CompletedAt: exec.CompletedAt,
	})
	if err != nil {
		logger.Error("marshal execution payload failed, failing", zap.Error(err))
		_ = d.q.Fail(ctx, ticket.ID, d.id, err)
		return
	}

	if err := d.deliver(ctx, exec.Webhook, string(exec.WebhookSecret), body); err != nil {
		metrics.WebhookDeliveries.WithLabelValues("execution", "failed").Inc()
		logger.Warn("execution webhook delivery failed", zap.Error(err))
		_ = d.q.Fail(ctx, ticket.ID, d.id, err)
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("execution", "delivered").Inc()

	if err := d.executions.MarkWebhookDelivered(ctx, exec.ID, time.Now().UTC()); err != nil && !errors.Is(err, repositories.ErrStaleTransition) {
		logger.Error("mark webhook delivered failed", zap.Error(err))
	}
	_ = d.q.Ack(ctx, ticket.ID, d.id)
}

func (d *Dispatcher) processJobTicket(ctx context.Context, ticket *queue.Ticket) {
	var payload jobTicketPayload
	if err := json.Unmarshal(ticket.Payload, &payload); err != nil {
		d.logger.Error("failed to decode job ticket payload, failing", zap.Error(err))
		_ = d.q.Fail(ctx, ticket.ID, d.id, err)
		return
	}

	logger := d.logger.With(zap.String("execution_id", payload.ExecutionID.String()), zap.String("job_id", payload.JobID))

	exec, err := d.executions.GetByID(ctx, payload.ExecutionID)
	if err != nil {
		logger.Error("execution not found, acking ticket", zap.Error(err))
		_ = d.q.Ack(ctx, ticket.ID, d.id)
		return
	}
	if exec.Webhook == "" {
		_ = d.q.Ack(ctx, ticket.ID, d.id)
		return
	}

	node, err := d.jobNodes.GetByExecutionAndJobID(ctx, payload.ExecutionID, payload.JobID)
	if err != nil {
		logger.Error("job node not found, acking ticket", zap.Error(err))
		_ = d.q.Ack(ctx, ticket.ID, d.id)
		return
	}

	if node.WebhookDeliveredAt != nil {
		_ = d.q.Ack(ctx, ticket.ID, d.id)
		return
	}

	body, err := json.Marshal(jobDeliveryPayload{
		ExecutionID: exec.ID,
		JobID:       node.JobID,
		Operation:   node.Operation,
		Status:      node.Status,
		Result:      rawOrNil(node.Result),
		Error:       node.Error,
		CompletedAt: node.CompletedAt,
	})
	if err != nil {
		logger.Error("marshal job payload failed, failing", zap.Error(err))
		_ = d.q.Fail(ctx, ticket.ID, d.id, err)
		return
	}

	if err := d.deliver(ctx, exec.Webhook, string(exec.WebhookSecret), body); err != nil {
		metrics.WebhookDeliveries.WithLabelValues("job", "failed").Inc()
		logger.Warn("job webhook delivery failed", zap.Error(err))
		_ = d.q.Fail(ctx, ticket.ID, d.id, err)
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("job", "delivered").Inc()

	if err := d.jobNodes.MarkWebhookDelivered(ctx, node.ID, time.Now().UTC()); err != nil && !errors.Is(err, repositories.ErrStaleTransition) {
		logger.Error("mark webhook delivered failed", zap.Error(err))
	}
	_ = d.q.Ack(ctx, ticket.ID, d.id)
}

// deliver POSTs body to target, signing it when secret is non-empty. A
// non-2xx response or transport error is returned for the queue's own
// backoff to retry.
func (d *Dispatcher) deliver(ctx context.Context, target, secret string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mediaforge-orchestrator-webhook/1.0")
	if secret != "" {
		req.Header.Set(signatureHeader, "sha256="+sign(body, secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: deliver: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
