// Package handlers implements the Operation Handlers (C6): per-operation
// logic invoked by the Pipeline Worker. Every handler is either sync
// (resolve, call, upload, return completed) or async (start, return a
// waiting strategy) — spec.md §4.6.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mediaforge/orchestrator/internal/provider"
	"github.com/mediaforge/orchestrator/internal/resolver"
)

// ErrUnknownOperation is returned by Registry.Lookup for an unregistered
// OperationKind.
var ErrUnknownOperation = errors.New("handlers: unknown operation")

// Progress reports a handler's coarse progress; it updates JobNode.progress
// without completing the job.
type Progress func(stage string, percent int)

// Input is everything a handler needs to process one job (spec.md §4.5 step 3).
type Input struct {
	ExecutionID     uuid.UUID
	JobID           string
	Operation       string
	Params          json.RawMessage
	Dependencies    map[string]resolver.DepResult
	ProviderAPIKeys map[string]string
	WebhookURL      string // gateway's ingress URL for this job, for webhook-capable providers
	Progress        Progress
}

// SyncResult is returned by a handler that completed within the call.
type SyncResult struct {
	Outputs  []resolver.MediaOutput
	Metadata map[string]interface{}
}

// AsyncResult is returned by a handler that started long-running work
// elsewhere; the job remains processing until C7 observes completion.
type AsyncResult struct {
	Strategy      provider.WaitingStrategy
	ProviderJobID string
	NextPollAt    *time.Time
}

// Outcome is the discriminated result of Handler.Handle: exactly one of Sync
// or Async is set on success.
type Outcome struct {
	Sync  *SyncResult
	Async *AsyncResult
}

// Handler is the operation contract exposed to the worker; identical for
// sync and async operations (spec.md §4.6 "The operation contract exposed
// to the worker is identical in both cases").
type Handler interface {
	Handle(ctx context.Context, in Input) (*Outcome, error)
}

// Registry resolves an OperationKind to its Handler.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds operation to handler. Call once per OperationKind at
// startup wiring time.
func (r *Registry) Register(operation string, handler Handler) {
	r.handlers[operation] = handler
}

// Lookup returns the Handler registered for operation.
func (r *Registry) Lookup(operation string) (Handler, error) {
	h, ok := r.handlers[operation]
	if !ok {
		return nil, ErrUnknownOperation
	}
	return h, nil
}
