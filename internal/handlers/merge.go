package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mediaforge/orchestrator/internal/mediaservice"
	"github.com/mediaforge/orchestrator/internal/resolver"
	"github.com/mediaforge/orchestrator/internal/storage"
)

type mergeItemParams struct {
	Type     string  `json:"type"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration,omitempty"`
	Offset   float64 `json:"offset,omitempty"`
	Volume   float64 `json:"volume,omitempty"`
}

type mergeParams struct {
	Items []mergeItemParams `json:"items"`
}

// MergeHandler concatenates visual items and mixes audio overlays into a
// single MP4 (spec.md §4.6 "merge"). It is a sync handler: the media
// microservice does the actual ffmpeg work and returns before the handler
// returns.
type MergeHandler struct {
	Media   *mediaservice.Client
	Storage storage.Storage
}

// NewMergeHandler returns a MergeHandler wired to its collaborators.
func NewMergeHandler(media *mediaservice.Client, store storage.Storage) *MergeHandler {
	return &MergeHandler{Media: media, Storage: store}
}

func (h *MergeHandler) Handle(ctx context.Context, in Input) (*Outcome, error) {
	var mp mergeParams
	if err := json.Unmarshal(in.Params, &mp); err != nil {
		return nil, fmt.Errorf("handlers: merge: decode params: %w", err)
	}
	if len(mp.Items) == 0 {
		return nil, fmt.Errorf("handlers: merge: params.items is required and non-empty")
	}

	req := mediaservice.MergeRequest{Items: make([]mediaservice.MergeItem, 0, len(mp.Items))}
	for _, item := range mp.Items {
		req.Items = append(req.Items, mediaservice.MergeItem{
			Type:     item.Type,
			URL:      item.URL,
			Duration: item.Duration,
			Offset:   item.Offset,
			Volume:   item.Volume,
		})
	}

	if in.Progress != nil {
		in.Progress("merging", 10)
	}
	result, err := h.Media.Merge(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("handlers: merge: media service: %w", err)
	}

	if in.Progress != nil {
		in.Progress("uploading", 80)
	}
	cdnURL, err := h.Storage.UploadFromURL(ctx, storage.JobOutputPath(in.ExecutionID.String(), in.JobID, "mp4"), result.URL, storage.UploadOptions{ContentType: "video/mp4"})
	if err != nil {
		return nil, fmt.Errorf("handlers: merge: upload output: %w", err)
	}

	return &Outcome{Sync: &SyncResult{
		Outputs: []resolver.MediaOutput{{Type: "video", URL: cdnURL, MimeType: "video/mp4"}},
	}}, nil
}
