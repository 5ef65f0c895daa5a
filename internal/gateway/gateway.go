// Package gateway implements the Async Completion Gateway (C7): the webhook
// ingress and poller that both resolve to complete(jobRecordId, outputs[])
// or fail(jobRecordId, error), driving the JobNode state machine forward
// for jobs that started asynchronously (spec.md §4.7).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediaforge/orchestrator/internal/db"
	"github.com/mediaforge/orchestrator/internal/orchestrator"
	"github.com/mediaforge/orchestrator/internal/provider"
	"github.com/mediaforge/orchestrator/internal/repositories"
	"github.com/mediaforge/orchestrator/internal/resolver"
	"github.com/mediaforge/orchestrator/internal/storage"
)

// Gateway drives async job completion from both ingresses described in
// spec.md §4.7: webhook callbacks and the polling loop.
type Gateway struct {
	jobNodes     repositories.JobNodeRepository
	eventLogs    repositories.JobEventLogRepository
	providers    *provider.Registry
	storage      storage.Storage
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger
}

// New returns a Gateway wired to its collaborators.
func New(jobNodes repositories.JobNodeRepository, eventLogs repositories.JobEventLogRepository, providers *provider.Registry, store storage.Storage, orch *orchestrator.Orchestrator, logger *zap.Logger) *Gateway {
	return &Gateway{jobNodes: jobNodes, eventLogs: eventLogs, providers: providers, storage: store, orchestrator: orch, logger: logger.Named("gateway")}
}

// logEvent appends a best-effort entry to the job's event trail; a logging
// failure never blocks the state transition it describes.
func (g *Gateway) logEvent(ctx context.Context, jobRecordID uuid.UUID, level, message string) {
	if err := g.eventLogs.Append(ctx, &db.JobEventLog{
		JobRecordID: jobRecordID,
		Level:       level,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}); err != nil {
		g.logger.Warn("event log append failed", zap.String("job_record_id", jobRecordID.String()), zap.Error(err))
	}
}

// operationOutputType maps an OperationKind to the MediaOutput type its
// primary output carries, used when normalizing a provider's raw response.
var operationOutputType = map[string]string{
	"generate":               "video",
	"generateImage":          "image",
	"generateAudio":          "audio",
	"removeBackground":       "video",
	"removeImageBackground":  "image",
	"reframe":                "video",
	"lipSync":                "video",
}

// Complete is invoked by either ingress once a provider job is known to
// have finished successfully. Idempotent on jobRecordId: a second call
// after the job is already completed is a silent no-op (spec.md §4.7
// "Completion is idempotent on JobNode id").
func (g *Gateway) Complete(ctx context.Context, jobRecordID uuid.UUID, outputs []resolver.MediaOutput) error {
	node, err := g.jobNodes.GetByRecordID(ctx, jobRecordID)
	if err != nil {
		return fmt.Errorf("gateway: complete: load job node: %w", err)
	}
	if node.Status == "completed" {
		return nil
	}

	uploaded := make([]resolver.MediaOutput, 0, len(outputs))
	for i, out := range outputs {
		ext := extensionFor(out.Type, out.MimeType)
		path := storage.JobOutputPath(node.ExecutionID.String(), jobIDSuffix(node.JobID, i), ext)
		cdnURL, err := g.storage.UploadFromURL(ctx, path, out.URL, storage.UploadOptions{ContentType: out.MimeType})
		if err != nil {
			return fmt.Errorf("gateway: complete: upload output %d: %w", i, err)
		}
		uploaded = append(uploaded, resolver.MediaOutput{Type: out.Type, URL: cdnURL, MimeType: out.MimeType})
	}

	resultJSON, err := json.Marshal(map[string]interface{}{"status": "completed", "outputs": uploaded})
	if err != nil {
		return fmt.Errorf("gateway: complete: marshal result: %w", err)
	}

	now := time.Now().UTC()
	if err := g.jobNodes.MarkCompleted(ctx, jobRecordID, string(resultJSON), now); err != nil {
		if errors.Is(err, repositories.ErrStaleTransition) {
			return nil
		}
		return fmt.Errorf("gateway: complete: mark completed: %w", err)
	}
	g.logEvent(ctx, jobRecordID, "info", "job completed")

	return g.orchestrator.CheckAndEmitDependentJobs(ctx, node.ExecutionID, node.JobID)
}

// Fail is invoked when a provider job is known to have failed (spec.md
// §4.7 "Failure action").
func (g *Gateway) Fail(ctx context.Context, jobRecordID uuid.UUID, errMsg string) error {
	node, err := g.jobNodes.GetByRecordID(ctx, jobRecordID)
	if err != nil {
		return fmt.Errorf("gateway: fail: load job node: %w", err)
	}
	if node.Status == "failed" || node.Status == "completed" {
		return nil
	}

	if err := g.jobNodes.MarkFailed(ctx, jobRecordID, errMsg, time.Now().UTC()); err != nil {
		if errors.Is(err, repositories.ErrStaleTransition) {
			return nil
		}
		return fmt.Errorf("gateway: fail: mark failed: %w", err)
	}
	g.logEvent(ctx, jobRecordID, "error", errMsg)

	return g.orchestrator.CheckAndEmitDependentJobs(ctx, node.ExecutionID, node.JobID)
}

func jobIDSuffix(jobID string, index int) string {
	if index == 0 {
		return jobID
	}
	return fmt.Sprintf("%s-%d", jobID, index)
}

func extensionFor(outputType, mimeType string) string {
	switch mimeType {
	case "video/mp4":
		return "mp4"
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "audio/mpeg":
		return "mp3"
	case "application/json":
		return "json"
	}
	switch outputType {
	case "video":
		return "mp4"
	case "image":
		return "png"
	case "audio":
		return "mp3"
	case "transcript":
		return "json"
	}
	return "bin"
}

// OutputTypeForOperation looks up the MediaOutput type an operation's
// primary output carries, used by the poller to tag a provider's raw
// response before calling Complete. Falls back to "video" for an unknown
// operation.
func OutputTypeForOperation(operation string) string {
	if t, ok := operationOutputType[operation]; ok {
		return t
	}
	return "video"
}
