// Package orchestrator implements the Orchestrator (C4): the DAG state
// machine that admits plans, emits ready jobs, reacts to completions, and
// computes terminal execution state. It exposes the three operations
// spec.md §4.4 names (CreateExecution, EmitReadyJobs,
// CheckAndEmitDependentJobs) plus Recover, the startup pass that re-runs
// EmitReadyJobs for every non-terminal execution.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mediaforge/orchestrator/internal/db"
	"github.com/mediaforge/orchestrator/internal/metrics"
	"github.com/mediaforge/orchestrator/internal/queue"
	"github.com/mediaforge/orchestrator/internal/repositories"
	"github.com/mediaforge/orchestrator/internal/resolver"
)

// Orchestrator owns the DAG state machine described in spec.md §4.4.
type Orchestrator struct {
	executions repositories.ExecutionRepository
	jobNodes   repositories.JobNodeRepository
	q          *queue.Queue
	logger     *zap.Logger
}

// New returns an Orchestrator wired to its stores and queue.
func New(executions repositories.ExecutionRepository, jobNodes repositories.JobNodeRepository, q *queue.Queue, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{executions: executions, jobNodes: jobNodes, q: q, logger: logger.Named("orchestrator")}
}

// emitPayload is the JSON body of a queue ticket on an operation topic.
type emitPayload struct {
	ExecutionID  uuid.UUID                    `json:"executionId"`
	JobRecordID  uuid.UUID                    `json:"jobRecordId"`
	JobID        string                       `json:"jobId"`
	Operation    string                       `json:"operation"`
	Params       json.RawMessage              `json:"params"`
	Dependencies map[string]resolver.DepResult `json:"dependencies"`
}

// CreateExecution admits a plan: persists the Execution and its JobNodes
// atomically, then emits every initially-ready job (spec.md §4.4 "Plan
// admission").
func (o *Orchestrator) CreateExecution(ctx context.Context, plan Plan, opts CreateOptions) (uuid.UUID, error) {
	var baseJobIDs map[string]struct{}
	if opts.BaseExecutionID != nil {
		baseNodes, err := o.jobNodes.ListByExecution(ctx, *opts.BaseExecutionID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("orchestrator: list base execution job nodes: %w", err)
		}
		baseJobIDs = make(map[string]struct{}, len(baseNodes))
		for _, n := range baseNodes {
			baseJobIDs[n.JobID] = struct{}{}
		}
	}

	if err := plan.validate(baseJobIDs); err != nil {
		return uuid.Nil, err
	}

	planSnapshot, err := json.Marshal(plan)
	if err != nil {
		return uuid.Nil, fmt.Errorf("orchestrator: marshal plan snapshot: %w", err)
	}

	exec := &db.Execution{
		Status:          "pending",
		Plan:            string(planSnapshot),
		BaseExecutionID: opts.BaseExecutionID,
		Webhook:         opts.Webhook,
		WebhookSecret:   db.EncryptedString(opts.WebhookSecret),
		OrganizationID:  opts.OrganizationID,
		APIKeyID:        opts.APIKeyID,
		ProviderAPIKeys: db.EncryptedString(marshalOrEmpty(opts.ProviderAPIKeys)),
	}
	if err := o.executions.Create(ctx, exec); err != nil {
		return uuid.Nil, fmt.Errorf("orchestrator: create execution: %w", err)
	}

	nodes := make([]*db.JobNode, 0, len(plan.Jobs))
	for _, j := range plan.Jobs {
		deps, err := json.Marshal(j.Dependencies)
		if err != nil {
			return uuid.Nil, fmt.Errorf("orchestrator: marshal job dependencies: %w", err)
		}
		params := j.Params
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		nodes = append(nodes, &db.JobNode{
			ExecutionID:  exec.ID,
			JobID:        j.ID,
			Operation:    j.Operation,
			Params:       string(params),
			Dependencies: string(deps),
			Status:       "pending",
		})
	}
	if err := o.jobNodes.CreateMany(ctx, nodes); err != nil {
		return uuid.Nil, fmt.Errorf("orchestrator: create job nodes: %w", err)
	}

	if err := o.executions.MarkProcessing(ctx, exec.ID); err != nil && !errors.Is(err, repositories.ErrStaleTransition) {
		o.logger.Error("mark execution processing failed", zap.String("execution_id", exec.ID.String()), zap.Error(err))
	}

	if err := o.emitReadyJobs(ctx, exec.ID, opts.BaseExecutionID); err != nil {
		o.logger.Error("initial emitReadyJobs failed", zap.String("execution_id", exec.ID.String()), zap.Error(err))
	}

	return exec.ID, nil
}

// EmitReadyJobs scans an execution's pending jobs and emits every one whose
// dependencies are already completed. Used on admission and on recovery
// (spec.md §4.4 "Recovery").
func (o *Orchestrator) EmitReadyJobs(ctx context.Context, executionID uuid.UUID, baseExecutionID *uuid.UUID) error {
	return o.emitReadyJobs(ctx, executionID, baseExecutionID)
}

func (o *Orchestrator) emitReadyJobs(ctx context.Context, executionID uuid.UUID, baseExecutionID *uuid.UUID) error {
	nodes, err := o.jobNodes.ListByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: list job nodes: %w", err)
	}

	byJobID := indexByJobID(nodes)

	var baseByJobID map[string]db.JobNode
	if baseExecutionID != nil {
		baseNodes, err := o.jobNodes.ListByExecution(ctx, *baseExecutionID)
		if err != nil {
			return fmt.Errorf("orchestrator: list base execution job nodes: %w", err)
		}
		baseByJobID = indexByJobID(baseNodes)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range nodes {
		node := nodes[i]
		if node.Status != "pending" || node.QueueTicketID != nil {
			continue
		}
		if !dependenciesCompleted(node, byJobID, baseByJobID) {
			continue
		}
		g.Go(func() error {
			return o.emit(gctx, node, byJobID, baseByJobID)
		})
	}
	return g.Wait()
}

// emit resolves a ready job's params and writes its queue ticket, flipping
// it to processing in the same logical step (spec.md §4.4 "Emit").
func (o *Orchestrator) emit(ctx context.Context, node db.JobNode, byJobID, baseByJobID map[string]db.JobNode) error {
	depResults, err := collectDepResults(node, byJobID, baseByJobID)
	if err != nil {
		return o.failJob(ctx, node, err.Error())
	}

	effective, err := resolver.Resolve(json.RawMessage(node.Params), depResults)
	if err != nil {
		return o.failJob(ctx, node, err.Error())
	}

	payload := emitPayload{
		ExecutionID:  node.ExecutionID,
		JobRecordID:  node.ID,
		JobID:        node.JobID,
		Operation:    node.Operation,
		Params:       effective,
		Dependencies: depResults,
	}

	ticketID, err := o.q.Send(ctx, node.Operation, payload)
	if err != nil {
		return fmt.Errorf("orchestrator: emit: send ticket for job %s: %w", node.JobID, err)
	}

	if err := o.jobNodes.MarkProcessing(ctx, node.ID, ticketID, time.Now().UTC()); err != nil {
		if errors.Is(err, repositories.ErrStaleTransition) {
			o.logger.Debug("job already emitted, skipping double-emission", zap.String("job_id", node.JobID))
			return nil
		}
		return fmt.Errorf("orchestrator: emit: mark processing for job %s: %w", node.JobID, err)
	}
	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, node db.JobNode, errMsg string) error {
	if err := o.jobNodes.MarkFailed(ctx, node.ID, errMsg, time.Now().UTC()); err != nil {
		if errors.Is(err, repositories.ErrStaleTransition) {
			return nil
		}
		return fmt.Errorf("orchestrator: mark job %s failed: %w", node.JobID, err)
	}
	return o.CheckAndEmitDependentJobs(ctx, node.ExecutionID, node.JobID)
}

// CheckAndEmitDependentJobs reacts to a terminal job transition: cascades
// failure to dependents, emits newly-ready dependents, and computes the
// execution's terminal state once every job is terminal (spec.md §4.4
// "Reaction").
func (o *Orchestrator) CheckAndEmitDependentJobs(ctx context.Context, executionID uuid.UUID, completedJobID string) error {
	exec, err := o.executions.GetByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: load execution: %w", err)
	}

	var baseByJobID map[string]db.JobNode
	if exec.BaseExecutionID != nil {
		baseNodes, err := o.jobNodes.ListByExecution(ctx, *exec.BaseExecutionID)
		if err != nil {
			return fmt.Errorf("orchestrator: list base execution job nodes: %w", err)
		}
		baseByJobID = indexByJobID(baseNodes)
	}

	// Fixed-point loop: a single pass may complete jobs that make further
	// pending jobs ready or failed, so repeat until nothing changes
	// (spec.md §4.4 "the cascade is implemented by repeating the reaction
	// until fixed-point").
	for {
		nodes, err := o.jobNodes.ListByExecution(ctx, executionID)
		if err != nil {
			return fmt.Errorf("orchestrator: list job nodes: %w", err)
		}
		byJobID := indexByJobID(nodes)

		changed, err := o.reactOnce(ctx, nodes, byJobID, baseByJobID)
		if err != nil {
			return err
		}
		if !changed {
			break
		}
	}

	return o.maybeFinalize(ctx, executionID)
}

// reactOnce evaluates every pending job once: cascades failures and emits
// newly-ready jobs in parallel. Returns whether any job's state changed.
func (o *Orchestrator) reactOnce(ctx context.Context, nodes []db.JobNode, byJobID, baseByJobID map[string]db.JobNode) (bool, error) {
	var changed bool
	g, gctx := errgroup.WithContext(ctx)

	for i := range nodes {
		node := nodes[i]
		if node.Status != "pending" {
			continue
		}
		deps, err := decodeDependencies(node.Dependencies)
		if err != nil {
			return false, fmt.Errorf("orchestrator: decode dependencies for job %s: %w", node.JobID, err)
		}

		if hasFailedDependency(deps, byJobID, baseByJobID) {
			changed = true
			node := node
			g.Go(func() error {
				return o.failJob(gctx, node, errDependencyFailedMsg)
			})
			continue
		}

		if allDependenciesCompleted(deps, byJobID, baseByJobID) {
			changed = true
			node := node
			g.Go(func() error {
				return o.emit(gctx, node, byJobID, baseByJobID)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return false, err
	}
	return changed, nil
}

func (o *Orchestrator) maybeFinalize(ctx context.Context, executionID uuid.UUID) error {
	nodes, err := o.jobNodes.ListByExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: list job nodes for finalize: %w", err)
	}
	if !allTerminal(nodes) {
		return nil
	}

	status, result, errMsg := computeTerminalState(nodes)

	if err := o.executions.MarkTerminal(ctx, executionID, status, result, errMsg, time.Now().UTC()); err != nil {
		if errors.Is(err, repositories.ErrStaleTransition) {
			return nil
		}
		return fmt.Errorf("orchestrator: mark execution terminal: %w", err)
	}
	metrics.ExecutionsTotal.WithLabelValues(status).Inc()

	exec, err := o.executions.GetByID(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: reload execution after finalize: %w", err)
	}
	if exec.Webhook != "" {
		if _, err := o.q.Send(ctx, queue.TopicWebhookDelivery, map[string]string{"executionId": executionID.String()}); err != nil {
			o.logger.Error("failed to enqueue execution webhook delivery", zap.String("execution_id", executionID.String()), zap.Error(err))
		}
	}
	return nil
}

func marshalOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

func indexByJobID(nodes []db.JobNode) map[string]db.JobNode {
	m := make(map[string]db.JobNode, len(nodes))
	for _, n := range nodes {
		m[n.JobID] = n
	}
	return m
}

func decodeDependencies(raw string) ([]string, error) {
	var deps []string
	if raw == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

func dependenciesCompleted(node db.JobNode, byJobID, baseByJobID map[string]db.JobNode) bool {
	deps, err := decodeDependencies(node.Dependencies)
	if err != nil {
		return false
	}
	return allDependenciesCompleted(deps, byJobID, baseByJobID)
}

func allDependenciesCompleted(deps []string, byJobID, baseByJobID map[string]db.JobNode) bool {
	for _, dep := range deps {
		n, ok := lookupDep(dep, byJobID, baseByJobID)
		if !ok || n.Status != "completed" {
			return false
		}
	}
	return true
}

func hasFailedDependency(deps []string, byJobID, baseByJobID map[string]db.JobNode) bool {
	for _, dep := range deps {
		n, ok := lookupDep(dep, byJobID, baseByJobID)
		if ok && n.Status == "failed" {
			return true
		}
	}
	return false
}

func lookupDep(id string, byJobID, baseByJobID map[string]db.JobNode) (db.JobNode, bool) {
	if n, ok := byJobID[id]; ok {
		return n, true
	}
	if baseByJobID != nil {
		if n, ok := baseByJobID[id]; ok {
			return n, true
		}
	}
	return db.JobNode{}, false
}

func collectDepResults(node db.JobNode, byJobID, baseByJobID map[string]db.JobNode) (map[string]resolver.DepResult, error) {
	deps, err := decodeDependencies(node.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: decode dependencies: %w", err)
	}

	results := make(map[string]resolver.DepResult, len(deps))
	for _, dep := range deps {
		n, ok := lookupDep(dep, byJobID, baseByJobID)
		if !ok || n.Status != "completed" {
			continue // resolver reports DependencyMissingError for sentinels that actually reference it
		}
		var dr resolver.DepResult
		if n.Result != "" {
			if err := json.Unmarshal([]byte(n.Result), &dr); err != nil {
				return nil, fmt.Errorf("orchestrator: decode result of dependency %q: %w", dep, err)
			}
		}
		results[dep] = dr
	}
	return results, nil
}

func allTerminal(nodes []db.JobNode) bool {
	for _, n := range nodes {
		if n.Status != "completed" && n.Status != "failed" {
			return false
		}
	}
	return true
}

// computeTerminalState implements spec.md §4.4 "Execution terminal state".
func computeTerminalState(nodes []db.JobNode) (status, result, errMsg string) {
	var rootFailures []db.JobNode
	var anyFailed bool

	for _, n := range nodes {
		if n.Status == "failed" {
			anyFailed = true
			if n.Error != errDependencyFailedMsg {
				rootFailures = append(rootFailures, n)
			}
		}
	}

	if anyFailed {
		switch len(rootFailures) {
		case 0:
			return "failed", "", "Execution failed due to dependency errors"
		case 1:
			f := rootFailures[0]
			return "failed", "", fmt.Sprintf("Job '%s' failed: %s", f.Operation, f.Error)
		default:
			parts := make([]string, len(rootFailures))
			for i, f := range rootFailures {
				parts[i] = fmt.Sprintf("%s (%s)", f.Operation, f.Error)
			}
			msg := fmt.Sprintf("%d jobs failed: ", len(rootFailures))
			for i, p := range parts {
				if i > 0 {
					msg += ", "
				}
				msg += p
			}
			return "failed", "", msg
		}
	}

	return "completed", leafResult(nodes), ""
}

// leafResult picks the result of the leaf job (one no other job depends on)
// with the latest CompletedAt among completed leaves, normalizing to
// {url, status: "completed"} when a primary URL is extractable.
func leafResult(nodes []db.JobNode) string {
	dependedOn := make(map[string]struct{})
	for _, n := range nodes {
		deps, _ := decodeDependencies(n.Dependencies)
		for _, d := range deps {
			dependedOn[d] = struct{}{}
		}
	}

	var leaves []db.JobNode
	for _, n := range nodes {
		if n.Status != "completed" {
			continue
		}
		if _, isDependedOn := dependedOn[n.JobID]; isDependedOn {
			continue
		}
		leaves = append(leaves, n)
	}
	if len(leaves) == 0 {
		return ""
	}

	sort.Slice(leaves, func(i, j int) bool {
		ti, tj := completedAtOrZero(leaves[i]), completedAtOrZero(leaves[j])
		return ti.After(tj)
	})
	chosen := leaves[0]

	var dr resolver.DepResult
	if err := json.Unmarshal([]byte(chosen.Result), &dr); err != nil {
		return chosen.Result // raw job result, unparseable into the normalized shape
	}

	url := ""
	if len(dr.Outputs) > 0 {
		url = dr.Outputs[0].URL
	} else if dr.URL != "" {
		url = dr.URL
	}
	if url == "" {
		return chosen.Result
	}

	normalized, err := json.Marshal(map[string]string{"url": url, "status": "completed"})
	if err != nil {
		return chosen.Result
	}
	return string(normalized)
}

func completedAtOrZero(n db.JobNode) time.Time {
	if n.CompletedAt == nil {
		return time.Time{}
	}
	return *n.CompletedAt
}
