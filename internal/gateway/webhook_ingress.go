package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// callbackPayload is the provider webhook callback body, normalized the
// same way the poller normalizes a raw status response (spec.md §4.7
// "Webhook callback").
type callbackPayload struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Outputs []struct {
		Type     string `json:"type"`
		URL      string `json:"url"`
		MimeType string `json:"mimeType,omitempty"`
	} `json:"outputs"`
	URL string `json:"url,omitempty"` // legacy shape
}

// RegisterRoutes mounts the webhook ingress endpoint at
// /internal/jobs/{jobRecordId}/callback, keyed by jobRecordId per spec.md
// §4.7 "An HTTP endpoint keyed by jobRecordId receives provider callbacks."
//
// No signature verification against the originating provider's scheme
// happens here, and api.NewRouter mounts the route without a verifying
// middleware: every request that reaches the route is trusted.
func (g *Gateway) RegisterRoutes(r chi.Router) {
	r.Post("/internal/jobs/{jobRecordId}/callback", g.handleCallback)
}

func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	jobRecordID, err := uuid.Parse(chi.URLParam(r, "jobRecordId"))
	if err != nil {
		http.Error(w, "invalid jobRecordId", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var payload callbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid callback payload", http.StatusBadRequest)
		return
	}

	logger := g.logger.With(zap.String("job_record_id", jobRecordID.String()))

	switch payload.Status {
	case "completed", "succeeded":
		raw, err := json.Marshal(payload)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		node, err := g.jobNodes.GetByRecordID(r.Context(), jobRecordID)
		if err != nil {
			logger.Error("load job node failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		outputs, err := normalizeProviderOutputs(raw, OutputTypeForOperation(node.Operation))
		if err != nil {
			logger.Error("normalize callback outputs failed", zap.Error(err))
			http.Error(w, "could not normalize outputs", http.StatusUnprocessableEntity)
			return
		}
		if err := g.Complete(r.Context(), jobRecordID, outputs); err != nil {
			logger.Error("gateway complete call failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	case "failed", "error":
		if err := g.Fail(r.Context(), jobRecordID, payload.Error); err != nil {
			logger.Error("gateway fail call failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	default:
		http.Error(w, "unrecognized callback status", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}
