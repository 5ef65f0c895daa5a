package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mediaforge/orchestrator/internal/mediaservice"
	"github.com/mediaforge/orchestrator/internal/resolver"
	"github.com/mediaforge/orchestrator/internal/storage"
)

type timelineItemParams struct {
	Media    string  `json:"media"`
	Duration float64 `json:"duration,omitempty"`
}

type layerEntryParams struct {
	Media          string               `json:"media,omitempty"`
	Main           bool                 `json:"main,omitempty"`
	Placement      string               `json:"placement,omitempty"`
	ChromaKeyColor string               `json:"chromaKeyColor,omitempty"`
	Similarity     float64              `json:"similarity,omitempty"`
	Blend          float64              `json:"blend,omitempty"`
	IsTimeline     bool                 `json:"isTimeline,omitempty"`
	Timeline       []timelineItemParams `json:"timeline,omitempty"`
}

type layerParams struct {
	MainLayer *int               `json:"mainLayer,omitempty"`
	Layers    []layerEntryParams `json:"layers"`
}

// LayerHandler composites a base layer with overlays, including chroma-key
// and timeline-layer support (spec.md §4.6 "layer").
type LayerHandler struct {
	Media   *mediaservice.Client
	Storage storage.Storage
}

// NewLayerHandler returns a LayerHandler wired to its collaborators.
func NewLayerHandler(media *mediaservice.Client, store storage.Storage) *LayerHandler {
	return &LayerHandler{Media: media, Storage: store}
}

func (h *LayerHandler) Handle(ctx context.Context, in Input) (*Outcome, error) {
	var lp layerParams
	if err := json.Unmarshal(in.Params, &lp); err != nil {
		return nil, fmt.Errorf("handlers: layer: decode params: %w", err)
	}
	if len(lp.Layers) == 0 {
		return nil, fmt.Errorf("handlers: layer: params.layers is required and non-empty")
	}

	mainLayer := resolveMainLayer(lp)

	req := mediaservice.LayerRequest{MainLayer: mainLayer, Layers: make([]mediaservice.LayerEntry, 0, len(lp.Layers))}
	for _, l := range lp.Layers {
		entry := mediaservice.LayerEntry{
			Media:          l.Media,
			Main:           l.Main,
			Placement:      l.Placement,
			ChromaKeyColor: l.ChromaKeyColor,
			Similarity:     l.Similarity,
			Blend:          l.Blend,
			IsTimeline:     l.IsTimeline,
		}
		for _, t := range l.Timeline {
			entry.Timeline = append(entry.Timeline, mediaservice.TimelineEntry{Media: t.Media, Duration: t.Duration})
		}
		req.Layers = append(req.Layers, entry)
	}

	if in.Progress != nil {
		in.Progress("compositing", 10)
	}
	result, err := h.Media.Layer(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("handlers: layer: media service: %w", err)
	}

	if in.Progress != nil {
		in.Progress("uploading", 80)
	}
	cdnURL, err := h.Storage.UploadFromURL(ctx, storage.JobOutputPath(in.ExecutionID.String(), in.JobID, "mp4"), result.URL, storage.UploadOptions{ContentType: "video/mp4"})
	if err != nil {
		return nil, fmt.Errorf("handlers: layer: upload output: %w", err)
	}

	return &Outcome{Sync: &SyncResult{
		Outputs: []resolver.MediaOutput{{Type: "video", URL: cdnURL, MimeType: "video/mp4"}},
	}}, nil
}

// resolveMainLayer picks the explicit mainLayer index, falling back to the
// layer flagged main, or the first layer otherwise (spec.md §4.6 "layer").
func resolveMainLayer(lp layerParams) int {
	if lp.MainLayer != nil {
		return *lp.MainLayer
	}
	for i, l := range lp.Layers {
		if l.Main {
			return i
		}
	}
	return 0
}
