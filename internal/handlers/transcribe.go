package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mediaforge/orchestrator/internal/mediaservice"
	"github.com/mediaforge/orchestrator/internal/provider"
	"github.com/mediaforge/orchestrator/internal/resolver"
	"github.com/mediaforge/orchestrator/internal/storage"
)

// maxTranscribePollAttempts bounds the transcribe handler's own internal
// wait loop, distinct from C7's polling — spec.md §4.6 "poll until complete
// (≤60 attempts × 2s)".
const maxTranscribePollAttempts = 60

const transcribePollInterval = 2 * time.Second

// transcriptWord is one normalized word-timing entry, the canonical shape
// spec.md §4.6 requires regardless of the provider's native response shape.
type transcriptWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type transcribeParams struct {
	Model string `json:"model"`
	Video string `json:"video"`
}

// TranscribeHandler is a sync handler from the worker's point of view: it
// performs the whole extract -> transcribe -> poll -> normalize -> upload
// pipeline inline and returns a completed result (spec.md §4.6 "transcribe:
// two-phase").
type TranscribeHandler struct {
	Media    *mediaservice.Client
	Registry *provider.Registry
	Storage  storage.Storage
}

// NewTranscribeHandler returns a TranscribeHandler wired to its collaborators.
func NewTranscribeHandler(media *mediaservice.Client, registry *provider.Registry, store storage.Storage) *TranscribeHandler {
	return &TranscribeHandler{Media: media, Registry: registry, Storage: store}
}

func (h *TranscribeHandler) Handle(ctx context.Context, in Input) (*Outcome, error) {
	var tp transcribeParams
	if err := json.Unmarshal(in.Params, &tp); err != nil {
		return nil, fmt.Errorf("handlers: transcribe: decode params: %w", err)
	}
	if tp.Video == "" {
		return nil, fmt.Errorf("handlers: transcribe: params.video is required")
	}

	if in.Progress != nil {
		in.Progress("extracting-audio", 10)
	}
	audio, err := h.Media.ExtractAudio(ctx, mediaservice.ExtractAudioRequest{VideoURL: tp.Video})
	if err != nil {
		return nil, fmt.Errorf("handlers: transcribe: extract audio: %w", err)
	}

	audioURL, err := h.Storage.UploadFromURL(ctx, storage.AudioPath(in.JobID), audio.URL, storage.UploadOptions{ContentType: "audio/mpeg"})
	if err != nil {
		return nil, fmt.Errorf("handlers: transcribe: upload extracted audio: %w", err)
	}

	cap, err := h.Registry.Capability(tp.Model)
	if err != nil {
		return nil, fmt.Errorf("handlers: transcribe: %w", err)
	}
	adapter, err := h.Registry.Adapter(tp.Model)
	if err != nil {
		return nil, fmt.Errorf("handlers: transcribe: %w", err)
	}

	startParams, err := json.Marshal(map[string]string{"audio": audioURL})
	if err != nil {
		return nil, fmt.Errorf("handlers: transcribe: marshal start params: %w", err)
	}
	if err := provider.ValidateParams(cap, startParams); err != nil {
		return nil, fmt.Errorf("handlers: transcribe: %w", err)
	}

	if in.Progress != nil {
		in.Progress("transcribing", 30)
	}
	started, err := adapter.StartGeneration(ctx, tp.Model, startParams, "")
	if err != nil {
		return nil, fmt.Errorf("handlers: transcribe: start: %w", err)
	}

	var raw json.RawMessage
	for attempt := 0; attempt < maxTranscribePollAttempts; attempt++ {
		status, err := adapter.GetJobStatus(ctx, started.ProviderJobID)
		if err != nil {
			return nil, fmt.Errorf("handlers: transcribe: poll status: %w", err)
		}
		switch status.Status {
		case provider.StatusCompleted:
			raw, err = adapter.GetRawJobResponse(ctx, started.ProviderJobID)
			if err != nil {
				return nil, fmt.Errorf("handlers: transcribe: fetch raw response: %w", err)
			}
		case provider.StatusFailed:
			return nil, fmt.Errorf("handlers: transcribe: provider reported failure: %s", status.Error)
		}
		if raw != nil {
			break
		}

		if in.Progress != nil {
			in.Progress("transcribing", 30+attempt)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(transcribePollInterval):
		}
	}
	if raw == nil {
		return nil, fmt.Errorf("handlers: transcribe: provider job %s did not complete within %d attempts", started.ProviderJobID, maxTranscribePollAttempts)
	}

	words, err := normalizeTranscript(raw)
	if err != nil {
		return nil, fmt.Errorf("handlers: transcribe: normalize: %w", err)
	}

	body, err := json.Marshal(words)
	if err != nil {
		return nil, fmt.Errorf("handlers: transcribe: marshal normalized transcript: %w", err)
	}
	transcriptURL, err := h.Storage.Upload(ctx, storage.TranscriptPath(in.JobID), body, storage.UploadOptions{ContentType: "application/json"})
	if err != nil {
		return nil, fmt.Errorf("handlers: transcribe: upload transcript: %w", err)
	}

	return &Outcome{Sync: &SyncResult{
		Outputs: []resolver.MediaOutput{{Type: "transcript", URL: transcriptURL, MimeType: "application/json"}},
	}}, nil
}

// normalizeTranscript accepts the diverse shapes real transcription
// providers return and maps them to the canonical [{word, start, end}, …].
// Two shapes are recognized: a flat {words: [...]} array, and a segments
// shape with nested word arrays.
func normalizeTranscript(raw json.RawMessage) ([]transcriptWord, error) {
	var flat struct {
		Words []transcriptWord `json:"words"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil && len(flat.Words) > 0 {
		return flat.Words, nil
	}

	var segmented struct {
		Segments []struct {
			Words []transcriptWord `json:"words"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(raw, &segmented); err == nil && len(segmented.Segments) > 0 {
		var words []transcriptWord
		for _, seg := range segmented.Segments {
			words = append(words, seg.Words...)
		}
		return words, nil
	}

	return nil, fmt.Errorf("handlers: transcribe: unrecognized provider transcript shape")
}
