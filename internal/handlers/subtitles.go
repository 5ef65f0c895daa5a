package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mediaforge/orchestrator/internal/mediaservice"
	"github.com/mediaforge/orchestrator/internal/resolver"
	"github.com/mediaforge/orchestrator/internal/storage"
)

type subtitlesParams struct {
	Video      string `json:"video"`
	Transcript string `json:"transcript"`
}

// SubtitlesHandler burns a transcript's text into a video as ASS subtitles
// (spec.md §4.6 "addSubtitles"). The transcript param is either a URL
// (already resolved by C3 if it came from a prior job) or inline JSON.
type SubtitlesHandler struct {
	Media   *mediaservice.Client
	Storage storage.Storage
}

// NewSubtitlesHandler returns a SubtitlesHandler wired to its collaborators.
func NewSubtitlesHandler(media *mediaservice.Client, store storage.Storage) *SubtitlesHandler {
	return &SubtitlesHandler{Media: media, Storage: store}
}

func (h *SubtitlesHandler) Handle(ctx context.Context, in Input) (*Outcome, error) {
	var sp subtitlesParams
	if err := json.Unmarshal(in.Params, &sp); err != nil {
		return nil, fmt.Errorf("handlers: addSubtitles: decode params: %w", err)
	}
	if sp.Video == "" {
		return nil, fmt.Errorf("handlers: addSubtitles: params.video is required")
	}
	if sp.Transcript == "" {
		return nil, fmt.Errorf("handlers: addSubtitles: params.transcript is required")
	}

	if in.Progress != nil {
		in.Progress("burning-subtitles", 10)
	}
	result, err := h.Media.BurnSubtitles(ctx, mediaservice.SubtitlesRequest{VideoURL: sp.Video, Transcript: sp.Transcript})
	if err != nil {
		return nil, fmt.Errorf("handlers: addSubtitles: media service: %w", err)
	}

	if in.Progress != nil {
		in.Progress("uploading", 80)
	}
	cdnURL, err := h.Storage.UploadFromURL(ctx, storage.CaptionPath(in.JobID), result.URL, storage.UploadOptions{ContentType: "video/mp4"})
	if err != nil {
		return nil, fmt.Errorf("handlers: addSubtitles: upload output: %w", err)
	}

	return &Outcome{Sync: &SyncResult{
		Outputs: []resolver.MediaOutput{{Type: "video", URL: cdnURL, MimeType: "video/mp4"}},
	}}, nil
}
