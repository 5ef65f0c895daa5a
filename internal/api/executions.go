package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediaforge/orchestrator/internal/db"
	"github.com/mediaforge/orchestrator/internal/orchestrator"
	"github.com/mediaforge/orchestrator/internal/repositories"
)

var validate = validator.New()

// ExecuteRequest is the execute-request boundary (spec.md §6 "Execute
// request"): plan + {webhook?, webhookSecret?, organizationId?, apiKeyId?,
// providerApiKeys?}.
type ExecuteRequest struct {
	Jobs            []json.RawMessage          `json:"jobs" validate:"required,min=1"`
	BaseExecutionID *uuid.UUID                 `json:"baseExecutionId,omitempty"`
	Webhook         string                     `json:"webhook,omitempty" validate:"omitempty,url"`
	WebhookSecret   string                     `json:"webhookSecret,omitempty"`
	OrganizationID  string                     `json:"organizationId,omitempty"`
	APIKeyID        string                     `json:"apiKeyId,omitempty"`
	ProviderAPIKeys map[string]string          `json:"providerApiKeys,omitempty"`
}

type jobStatusView struct {
	ID        string          `json:"id"`
	Operation string          `json:"operation"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type executionStatusView struct {
	ID          uuid.UUID       `json:"id"`
	Status      string          `json:"status"`
	Jobs        []jobStatusView `json:"jobs"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   string          `json:"createdAt"`
	CompletedAt *string         `json:"completedAt,omitempty"`
}

// ExecutionHandler serves the execute and status/read endpoints.
type ExecutionHandler struct {
	orchestrator *orchestrator.Orchestrator
	executions   repositories.ExecutionRepository
	jobNodes     repositories.JobNodeRepository
	logger       *zap.Logger
}

// NewExecutionHandler returns an ExecutionHandler.
func NewExecutionHandler(orch *orchestrator.Orchestrator, executions repositories.ExecutionRepository, jobNodes repositories.JobNodeRepository, logger *zap.Logger) *ExecutionHandler {
	return &ExecutionHandler{orchestrator: orch, executions: executions, jobNodes: jobNodes, logger: logger.Named("api.executions")}
}

// Create handles POST /executions.
func (h *ExecutionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validate.Struct(req); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	jobs := make([]orchestrator.JobSpec, 0, len(req.Jobs))
	for _, raw := range req.Jobs {
		var job orchestrator.JobSpec
		if err := json.Unmarshal(raw, &job); err != nil {
			ErrBadRequest(w, "invalid job entry: "+err.Error())
			return
		}
		jobs = append(jobs, job)
	}

	providerKeysJSON, err := json.Marshal(req.ProviderAPIKeys)
	if err != nil {
		ErrInternal(w)
		return
	}

	plan := orchestrator.Plan{Jobs: jobs, BaseExecutionID: req.BaseExecutionID}
	id, err := h.orchestrator.CreateExecution(r.Context(), plan, orchestrator.CreateOptions{
		Webhook:         req.Webhook,
		WebhookSecret:   req.WebhookSecret,
		OrganizationID:  req.OrganizationID,
		APIKeyID:        req.APIKeyID,
		ProviderAPIKeys: providerKeysJSON,
		BaseExecutionID: req.BaseExecutionID,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidPlan) {
			ErrUnprocessable(w, err.Error())
			return
		}
		h.logger.Error("create execution failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, envelope{"id": id})
}

// Status handles GET /executions/{id}.
func (h *ExecutionHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid execution id")
		return
	}

	exec, err := h.executions.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("get execution failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	nodes, err := h.jobNodes.ListByExecution(r.Context(), id)
	if err != nil {
		h.logger.Error("list job nodes failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, toStatusView(*exec, nodes))
}

// List handles GET /executions.
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := repositories.ListOptions{Limit: 50, Offset: 0}
	execs, total, err := h.executions.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("list executions failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	views := make([]envelope, 0, len(execs))
	for _, e := range execs {
		views = append(views, envelope{"id": e.ID, "status": e.Status, "createdAt": e.CreatedAt})
	}
	Ok(w, envelope{"executions": views, "total": total})
}

// JobLogs handles GET /executions/{id}/jobs/{jobId}/logs.
func (h *ExecutionHandler) JobLogs(eventLogs repositories.JobEventLogRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		execID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			ErrBadRequest(w, "invalid execution id")
			return
		}
		jobID := chi.URLParam(r, "jobId")

		node, err := h.jobNodes.GetByExecutionAndJobID(r.Context(), execID, jobID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				ErrNotFound(w)
				return
			}
			ErrInternal(w)
			return
		}

		logs, err := eventLogs.ListByJob(r.Context(), node.ID)
		if err != nil {
			h.logger.Error("list job logs failed", zap.Error(err))
			ErrInternal(w)
			return
		}
		Ok(w, logs)
	}
}

func toStatusView(exec db.Execution, nodes []db.JobNode) executionStatusView {
	jobs := make([]jobStatusView, 0, len(nodes))
	for _, n := range nodes {
		jobs = append(jobs, jobStatusView{
			ID:        n.JobID,
			Operation: n.Operation,
			Status:    n.Status,
			Result:    rawOrNil(n.Result),
			Error:     n.Error,
		})
	}

	view := executionStatusView{
		ID:        exec.ID,
		Status:    exec.Status,
		Jobs:      jobs,
		Result:    rawOrNil(exec.Result),
		Error:     exec.Error,
		CreatedAt: exec.CreatedAt.Format(time.RFC3339),
	}
	if exec.CompletedAt != nil {
		s := exec.CompletedAt.Format(time.RFC3339)
		view.CompletedAt = &s
	}
	return view
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
