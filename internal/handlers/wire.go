package handlers

import (
	"github.com/mediaforge/orchestrator/internal/mediaservice"
	"github.com/mediaforge/orchestrator/internal/provider"
	"github.com/mediaforge/orchestrator/internal/storage"
)

// generationOperations are every OperationKind dispatched through
// GenerationHandler — the provider-bound async operations whose start/wait
// behavior is identical and differs only in the model registry entry chosen
// by params.model (spec.md §4.6).
var generationOperations = []string{
	"generate",
	"generateImage",
	"generateAudio",
	"removeBackground",
	"removeImageBackground",
	"reframe",
	"lipSync",
}

// RegisterAll wires every OperationKind in spec.md §6 to its handler.
func RegisterAll(registry *Registry, providers *provider.Registry, media *mediaservice.Client, store storage.Storage) {
	gen := NewGenerationHandler(providers)
	for _, op := range generationOperations {
		registry.Register(op, gen)
	}

	registry.Register("transcribe", NewTranscribeHandler(media, providers, store))
	registry.Register("merge", NewMergeHandler(media, store))
	registry.Register("layer", NewLayerHandler(media, store))
	registry.Register("addSubtitles", NewSubtitlesHandler(media, store))
}
