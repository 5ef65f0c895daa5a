// Package worker implements the Pipeline Worker (C5): a generic loop that
// consumes queued jobs, invokes the matching operation handler, and writes
// the resulting state transition (spec.md §4.5).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mediaforge/orchestrator/internal/db"
	"github.com/mediaforge/orchestrator/internal/handlers"
	"github.com/mediaforge/orchestrator/internal/metrics"
	"github.com/mediaforge/orchestrator/internal/orchestrator"
	"github.com/mediaforge/orchestrator/internal/queue"
	"github.com/mediaforge/orchestrator/internal/repositories"
	"github.com/mediaforge/orchestrator/internal/resolver"
)

// ticketPayload mirrors the JSON shape the orchestrator's emit writes onto a
// queue ticket (spec.md §4.4 "Emit").
type ticketPayload struct {
	ExecutionID  uuid.UUID                     `json:"executionId"`
	JobRecordID  uuid.UUID                     `json:"jobRecordId"`
	JobID        string                        `json:"jobId"`
	Operation    string                        `json:"operation"`
	Params       json.RawMessage               `json:"params"`
	Dependencies map[string]resolver.DepResult `json:"dependencies"`
}

// jobParams is the subset of a job's params the worker itself inspects,
// independent of operation-specific shapes.
type jobParams struct {
	SendJobWebhook  bool              `json:"sendJobWebhook,omitempty"`
	ProviderAPIKeys map[string]string `json:"-"`
}

// Worker runs the pipeline loop for a single topic. Run one Worker per
// topic per desired concurrency level — spec.md §4.5 "one worker process
// per operation topic (conceptually N instances ... for parallelism)".
type Worker struct {
	id           string
	topic        string
	q            *queue.Queue
	jobNodes     repositories.JobNodeRepository
	usageLogs    repositories.UsageLogRepository
	eventLogs    repositories.JobEventLogRepository
	handlers     *handlers.Registry
	orchestrator *orchestrator.Orchestrator
	waitTimeout  time.Duration
	logger       *zap.Logger
}

// New returns a Worker for topic, identified by id (used as the queue's
// lock owner for visibility-timeout bookkeeping).
func New(
	id, topic string,
	q *queue.Queue,
	jobNodes repositories.JobNodeRepository,
	usageLogs repositories.UsageLogRepository,
	eventLogs repositories.JobEventLogRepository,
	registry *handlers.Registry,
	orch *orchestrator.Orchestrator,
	waitTimeout time.Duration,
	logger *zap.Logger,
) *Worker {
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Second
	}
	return &Worker{
		id: id, topic: topic, q: q, jobNodes: jobNodes, usageLogs: usageLogs, eventLogs: eventLogs,
		handlers: registry, orchestrator: orch, waitTimeout: waitTimeout,
		logger: logger.Named("worker").With(zap.String("topic", topic), zap.String("worker_id", id)),
	}
}

// Run pulls tickets from the worker's topic until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		default:
		}

		ticket, err := w.q.Work(ctx, w.topic, w.id, w.waitTimeout)
		if err != nil {
			if errors.Is(err, queue.ErrNoTicketAvailable) || errors.Is(err, context.Canceled) {
				continue
			}
			w.logger.Error("work pull failed", zap.Error(err))
			continue
		}

		w.processTicket(ctx, ticket)
	}
}

var tracer = otel.Tracer("github.com/mediaforge/orchestrator/internal/worker")

func (w *Worker) processTicket(ctx context.Context, ticket *queue.Ticket) {
	var payload ticketPayload
	if err := json.Unmarshal(ticket.Payload, &payload); err != nil {
		w.logger.Error("failed to decode ticket payload, failing ticket", zap.Error(err))
		_ = w.q.Fail(ctx, ticket.ID, w.id, err)
		return
	}

	ctx, span := tracer.Start(ctx, "worker.process "+payload.Operation, trace.WithAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.operation", payload.Operation),
		attribute.String("execution.id", payload.ExecutionID.String()),
	))
	defer span.End()

	logger := w.logger.With(zap.String("job_id", payload.JobID), zap.String("execution_id", payload.ExecutionID.String()))

	node, err := w.jobNodes.GetByRecordID(ctx, payload.JobRecordID)
	if err != nil {
		logger.Error("job node not found, acking ticket", zap.Error(err))
		_ = w.q.Ack(ctx, ticket.ID, w.id)
		return
	}

	// Duplicate delivery: the job already moved past processing (another
	// worker already claimed and finished an earlier copy of this ticket).
	if node.Status != "processing" {
		logger.Debug("job not in processing state, skipping duplicate delivery", zap.String("status", node.Status))
		_ = w.q.Ack(ctx, ticket.ID, w.id)
		return
	}

	// A ticket other than the one stamped on the JobNode was sent by an
	// emitter that lost the MarkProcessing race; only the stamped ticket runs.
	if node.QueueTicketID == nil || *node.QueueTicketID != ticket.ID {
		logger.Debug("ticket is not the job's recorded queue ticket, skipping")
		_ = w.q.Ack(ctx, ticket.ID, w.id)
		return
	}

	handler, err := w.handlers.Lookup(payload.Operation)
	if err != nil {
		w.failJob(ctx, *node, ticket.ID, err.Error())
		return
	}

	var jp jobParams
	_ = json.Unmarshal(payload.Params, &jp) // best-effort; absent fields default false

	progress := func(stage string, percent int) {
		if err := w.jobNodes.UpdateProgress(ctx, node.ID, stage, percent); err != nil {
			logger.Warn("progress update failed", zap.Error(err))
		}
	}

	outcome, err := handler.Handle(ctx, handlers.Input{
		ExecutionID:  payload.ExecutionID,
		JobID:        payload.JobID,
		Operation:    payload.Operation,
		Params:       payload.Params,
		Dependencies: payload.Dependencies,
		Progress:     progress,
	})
	if err != nil {
		logger.Warn("handler returned error", zap.Error(err))
		w.failJob(ctx, *node, ticket.ID, err.Error())
		return
	}

	switch {
	case outcome.Sync != nil:
		w.completeJob(ctx, *node, ticket.ID, *outcome.Sync, jp.SendJobWebhook)
	case outcome.Async != nil:
		w.startAsyncJob(ctx, *node, ticket.ID, *outcome.Async)
	default:
		logger.Error("handler returned neither sync nor async outcome")
		w.failJob(ctx, *node, ticket.ID, "handler returned empty outcome")
	}
}

func (w *Worker) completeJob(ctx context.Context, node db.JobNode, ticketID uuid.UUID, result handlers.SyncResult, sendJobWebhook bool) {
	resultJSON, err := json.Marshal(map[string]interface{}{"status": "completed", "outputs": result.Outputs, "metadata": result.Metadata})
	if err != nil {
		w.failJob(ctx, node, ticketID, fmt.Sprintf("marshal result: %v", err))
		return
	}

	now := time.Now().UTC()
	if err := w.jobNodes.MarkCompleted(ctx, node.ID, string(resultJSON), now); err != nil && !errors.Is(err, repositories.ErrStaleTransition) {
		w.logger.Error("mark completed failed", zap.Error(err))
		return
	}
	observeJobDuration(node, "completed", now)
	w.logEvent(ctx, node.ID, "info", "job completed")

	_ = w.q.Ack(ctx, ticketID, w.id)

	if err := w.orchestrator.CheckAndEmitDependentJobs(ctx, node.ExecutionID, node.JobID); err != nil {
		w.logger.Error("checkAndEmitDependentJobs failed", zap.Error(err))
	}

	if sendJobWebhook {
		if _, err := w.q.Send(ctx, queue.TopicJobWebhookDelivery, map[string]string{
			"executionId": node.ExecutionID.String(),
			"jobId":       node.JobID,
		}); err != nil {
			w.logger.Error("failed to enqueue job webhook delivery", zap.Error(err))
		}
	}

	w.recordUsage(ctx, node)
}

func (w *Worker) startAsyncJob(ctx context.Context, node db.JobNode, ticketID uuid.UUID, result handlers.AsyncResult) {
	if err := w.jobNodes.MarkAsyncStarted(ctx, node.ID, string(result.Strategy), result.ProviderJobID, result.NextPollAt); err != nil && !errors.Is(err, repositories.ErrStaleTransition) {
		w.logger.Error("mark async started failed", zap.Error(err))
	}
	w.logEvent(ctx, node.ID, "info", fmt.Sprintf("async job started, waiting strategy %q", result.Strategy))
	_ = w.q.Ack(ctx, ticketID, w.id)
}

func (w *Worker) failJob(ctx context.Context, node db.JobNode, ticketID uuid.UUID, errMsg string) {
	now := time.Now().UTC()
	if err := w.jobNodes.MarkFailed(ctx, node.ID, errMsg, now); err != nil && !errors.Is(err, repositories.ErrStaleTransition) {
		w.logger.Error("mark failed write failed", zap.Error(err))
		return
	}
	observeJobDuration(node, "failed", now)
	w.logEvent(ctx, node.ID, "error", errMsg)

	// The JobNode status is the authority on outcome; acknowledge the
	// ticket so the queue's own retry budget doesn't re-deliver a job the
	// store already considers terminal (spec.md §4.5 step 4 "error").
	_ = w.q.Ack(ctx, ticketID, w.id)

	if err := w.orchestrator.CheckAndEmitDependentJobs(ctx, node.ExecutionID, node.JobID); err != nil {
		w.logger.Error("checkAndEmitDependentJobs failed", zap.Error(err))
	}
}

// logEvent appends a best-effort entry to the job's event trail; a logging
// failure never blocks the state transition it describes.
func (w *Worker) logEvent(ctx context.Context, jobRecordID uuid.UUID, level, message string) {
	if err := w.eventLogs.Append(ctx, &db.JobEventLog{
		JobRecordID: jobRecordID,
		Level:       level,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		w.logger.Warn("event log append failed", zap.String("job_record_id", jobRecordID.String()), zap.Error(err))
	}
}

func (w *Worker) recordUsage(ctx context.Context, node db.JobNode) {
	if err := w.jobNodes.MarkActionLogged(ctx, node.ID); err != nil {
		if errors.Is(err, repositories.ErrStaleTransition) {
			return // already logged by a previous delivery
		}
		w.logger.Error("mark action logged failed", zap.Error(err))
		return
	}

	if err := w.usageLogs.Record(ctx, &db.UsageLog{
		ExecutionID: node.ExecutionID,
		JobRecordID: node.ID,
		Operation:   node.Operation,
		RecordedAt:  time.Now().UTC(),
	}); err != nil {
		w.logger.Error("usage log record failed", zap.Error(err))
	}
}

// observeJobDuration records the time a job spent between its StartedAt
// stamp and reaching a terminal state. Jobs that never reached processing
// (StartedAt nil) are not observed.
func observeJobDuration(node db.JobNode, status string, terminalAt time.Time) {
	if node.StartedAt == nil {
		return
	}
	metrics.JobDurationSeconds.WithLabelValues(node.Operation, status).Observe(terminalAt.Sub(*node.StartedAt).Seconds())
}
