package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPAdapterConfig configures a reference HTTP-based Adapter.
type HTTPAdapterConfig struct {
	Name       string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// RatePerSecond bounds outbound calls to this provider; bursts up to the
	// whole part of this value plus one are allowed.
	RatePerSecond float64
	Logger        *zap.Logger
}

// HTTPAdapter is a generic REST adapter: POST {baseURL}/generations to
// start, GET {baseURL}/generations/{id} to poll. Every outbound call runs
// through a circuit breaker (trips after 5 consecutive failures) and a
// token-bucket limiter, protecting the worker pool from a provider outage
// cascading into exhausted goroutines (spec.md §5 "Cancellation/timeouts").
type HTTPAdapter struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewHTTPAdapter constructs an HTTPAdapter from cfg.
func NewHTTPAdapter(cfg HTTPAdapterConfig) *HTTPAdapter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 5
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if cfg.Logger != nil {
				cfg.Logger.Warn("provider circuit breaker state change",
					zap.String("provider", name), zap.String("from", from.String()), zap.String("to", to.String()))
			}
		},
	})

	return &HTTPAdapter{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		breaker: breaker,
		logger:  cfg.Logger.Named("provider-http").Named(cfg.Name),
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

func (a *HTTPAdapter) StartGeneration(ctx context.Context, modelID string, params json.RawMessage, webhookURL string) (StartResult, error) {
	body := map[string]interface{}{
		"model":  modelID,
		"input":  params,
		"webhook_url": webhookURL,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return StartResult{}, fmt.Errorf("provider %s: marshal start request: %w", a.name, err)
	}

	raw, err := a.call(ctx, http.MethodPost, "/generations", payload)
	if err != nil {
		return StartResult{}, err
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return StartResult{}, fmt.Errorf("provider %s: decode start response: %w", a.name, err)
	}
	return StartResult{ProviderJobID: resp.ID}, nil
}

func (a *HTTPAdapter) GetJobStatus(ctx context.Context, providerJobID string) (StatusResult, error) {
	raw, err := a.call(ctx, http.MethodGet, "/generations/"+providerJobID, nil)
	if err != nil {
		return StatusResult{}, err
	}

	var resp struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return StatusResult{}, fmt.Errorf("provider %s: decode status response: %w", a.name, err)
	}

	status := StatusProcessing
	switch resp.Status {
	case "succeeded", "completed":
		status = StatusCompleted
	case "failed", "canceled", "error":
		status = StatusFailed
	}
	return StatusResult{Status: status, Error: resp.Error}, nil
}

func (a *HTTPAdapter) GetRawJobResponse(ctx context.Context, providerJobID string) (json.RawMessage, error) {
	return a.call(ctx, http.MethodGet, "/generations/"+providerJobID, nil)
}

func (a *HTTPAdapter) call(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("provider %s: rate limiter: %w", a.name, err)
	}

	result, err := a.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if a.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.apiKey)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(respBody))
		}
		return json.RawMessage(respBody), nil
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", a.name, err)
	}
	return result.(json.RawMessage), nil
}
