package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mediaforge/orchestrator/internal/provider"
)

// GenerationHandler covers every provider-bound async operation: generate,
// generateImage, generateAudio, removeBackground, removeImageBackground,
// reframe, lipSync (spec.md §4.6, "Async handlers" + "removeBackground:
// always async"). It validates params against the model's declared schema,
// starts the provider job, and picks a waiting strategy from the model's
// declared capability — it never waits for completion itself.
type GenerationHandler struct {
	Registry *provider.Registry
}

// NewGenerationHandler returns a GenerationHandler backed by registry.
func NewGenerationHandler(registry *provider.Registry) *GenerationHandler {
	return &GenerationHandler{Registry: registry}
}

type generationParams struct {
	Model string `json:"model"`
}

func (h *GenerationHandler) Handle(ctx context.Context, in Input) (*Outcome, error) {
	var gp generationParams
	if err := json.Unmarshal(in.Params, &gp); err != nil {
		return nil, fmt.Errorf("handlers: %s: decode params: %w", in.Operation, err)
	}
	if gp.Model == "" {
		return nil, fmt.Errorf("handlers: %s: params.model is required", in.Operation)
	}

	cap, err := h.Registry.Capability(gp.Model)
	if err != nil {
		return nil, fmt.Errorf("handlers: %s: %w", in.Operation, err)
	}

	if err := provider.ValidateParams(cap, in.Params); err != nil {
		return nil, fmt.Errorf("handlers: %s: %w", in.Operation, err)
	}

	adapter, err := h.Registry.Adapter(gp.Model)
	if err != nil {
		return nil, fmt.Errorf("handlers: %s: %w", in.Operation, err)
	}

	webhookURL := ""
	strategy := cap.DefaultStrategy
	if strategy == provider.StrategyWebhook && cap.SupportsWebhooks {
		webhookURL = in.WebhookURL
	} else {
		strategy = provider.StrategyPolling
	}

	if in.Progress != nil {
		in.Progress("starting", 0)
	}

	started, err := adapter.StartGeneration(ctx, gp.Model, in.Params, webhookURL)
	if err != nil {
		return nil, fmt.Errorf("handlers: %s: start generation: %w", in.Operation, err)
	}

	async := &AsyncResult{Strategy: strategy, ProviderJobID: started.ProviderJobID}
	if strategy == provider.StrategyPolling {
		next := time.Now().UTC().Add(5 * time.Second)
		async.NextPollAt = &next
	}
	return &Outcome{Async: async}, nil
}
