// Package provider defines the external generation-provider adapter contract
// (spec.md §6 "Provider adapter contract") and a reference HTTP-based
// implementation guarded by a circuit breaker and rate limiter.
package provider

import (
	"context"
	"encoding/json"
	"errors"
)

// JobStatus is the normalized status an adapter reports for a provider job.
type JobStatus string

const (
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// WaitingStrategy mirrors JobNode.WaitingStrategy.
type WaitingStrategy string

const (
	StrategySync    WaitingStrategy = "sync"
	StrategyWebhook WaitingStrategy = "webhook"
	StrategyPolling WaitingStrategy = "polling"
	StrategyNone    WaitingStrategy = "none"
)

// ErrUnknownModel is returned when a model id has no registered capability.
var ErrUnknownModel = errors.New("provider: unknown model")

// Capability describes a model's declared behavior, used by operation
// handlers to choose a waiting strategy (spec.md §4.6).
type Capability struct {
	ModelID          string
	SupportsWebhooks bool
	DefaultStrategy  WaitingStrategy
	// ParamSchema is a JSON Schema (draft 2020-12) validated against the
	// job's params before startGeneration is called.
	ParamSchema json.RawMessage
}

// StartResult is returned by Adapter.StartGeneration.
type StartResult struct {
	ProviderJobID string
}

// StatusResult is returned by Adapter.GetJobStatus.
type StatusResult struct {
	Status JobStatus
	Error  string
}

// Adapter is the contract every generation provider implements. The core
// never inspects provider-specific payloads beyond what Adapter normalizes.
type Adapter interface {
	Name() string
	StartGeneration(ctx context.Context, modelID string, params json.RawMessage, webhookURL string) (StartResult, error)
	GetJobStatus(ctx context.Context, providerJobID string) (StatusResult, error)
	GetRawJobResponse(ctx context.Context, providerJobID string) (json.RawMessage, error)
}

// Registry resolves a model id to its Capability and owning Adapter.
type Registry struct {
	capabilities map[string]Capability
	adapters     map[string]Adapter // modelID -> adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		capabilities: make(map[string]Capability),
		adapters:     make(map[string]Adapter),
	}
}

// Register adds a model's capability descriptor and owning adapter.
func (r *Registry) Register(cap Capability, adapter Adapter) {
	r.capabilities[cap.ModelID] = cap
	r.adapters[cap.ModelID] = adapter
}

// Capability returns the registered capability for modelID.
func (r *Registry) Capability(modelID string) (Capability, error) {
	c, ok := r.capabilities[modelID]
	if !ok {
		return Capability{}, ErrUnknownModel
	}
	return c, nil
}

// Adapter returns the registered adapter for modelID.
func (r *Registry) Adapter(modelID string) (Adapter, error) {
	a, ok := r.adapters[modelID]
	if !ok {
		return nil, ErrUnknownModel
	}
	return a, nil
}
