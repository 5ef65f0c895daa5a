package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/mediaforge/orchestrator/internal/db"
	"github.com/mediaforge/orchestrator/internal/provider"
	"github.com/mediaforge/orchestrator/internal/resolver"
)

// pollAdvance is how far NextPollAt is pushed forward when a provider job
// is still processing (spec.md §4.7 "nextPollAt forward (5s default)").
const pollAdvance = 5 * time.Second

// Poller is the background ingress of C7: it selects processing,
// polling-strategy JobNodes whose NextPollAt elapsed and advances them
// toward completion.
type Poller struct {
	gateway *Gateway
	cron    gocron.Scheduler
	logger  *zap.Logger
}

// NewPoller returns a Poller bound to gw.
func NewPoller(gw *Gateway, logger *zap.Logger) (*Poller, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("gateway: create poller scheduler: %w", err)
	}
	return &Poller{gateway: gw, cron: s, logger: logger.Named("poller")}, nil
}

// Start registers the poll tick and starts the underlying scheduler.
func (p *Poller) Start(ctx context.Context) error {
	_, err := p.cron.NewJob(
		gocron.DurationJob(2*time.Second),
		gocron.NewTask(func() { p.tick(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("gateway: schedule poller tick: %w", err)
	}
	p.cron.Start()
	p.logger.Info("poller started")
	return nil
}

// Stop shuts the poller down, waiting for the in-flight tick to finish.
func (p *Poller) Stop() error {
	if err := p.cron.Shutdown(); err != nil {
		return fmt.Errorf("gateway: poller shutdown: %w", err)
	}
	return nil
}

func (p *Poller) tick(ctx context.Context) {
	now := time.Now().UTC()
	nodes, err := p.gateway.jobNodes.ListPollable(ctx, now)
	if err != nil {
		p.logger.Error("list pollable failed", zap.Error(err))
		return
	}

	for _, node := range nodes {
		p.pollOne(ctx, node)
	}
}

func (p *Poller) pollOne(ctx context.Context, node db.JobNode) {
	logger := p.logger.With(zap.String("job_id", node.JobID), zap.String("provider_job_id", node.ProviderJobID))

	adapter, err := p.findAdapter(node)
	if err != nil {
		logger.Error("no adapter for job, failing", zap.Error(err))
		if err := p.gateway.Fail(ctx, node.ID, err.Error()); err != nil {
			logger.Error("gateway fail call failed", zap.Error(err))
		}
		return
	}

	status, err := adapter.GetJobStatus(ctx, node.ProviderJobID)
	if err != nil {
		logger.Warn("poll status check failed, will retry next tick", zap.Error(err))
		return
	}

	switch status.Status {
	case provider.StatusCompleted:
		raw, err := adapter.GetRawJobResponse(ctx, node.ProviderJobID)
		if err != nil {
			logger.Error("fetch raw job response failed", zap.Error(err))
			return
		}
		outputs, err := normalizeProviderOutputs(raw, OutputTypeForOperation(node.Operation))
		if err != nil {
			logger.Error("normalize provider outputs failed", zap.Error(err))
			if err := p.gateway.Fail(ctx, node.ID, err.Error()); err != nil {
				logger.Error("gateway fail call failed", zap.Error(err))
			}
			return
		}
		if err := p.gateway.Complete(ctx, node.ID, outputs); err != nil {
			logger.Error("gateway complete call failed", zap.Error(err))
		}

	case provider.StatusFailed:
		if err := p.gateway.Fail(ctx, node.ID, status.Error); err != nil {
			logger.Error("gateway fail call failed", zap.Error(err))
		}

	default: // still processing
		next := time.Now().UTC().Add(pollAdvance)
		if err := p.gateway.jobNodes.AdvancePoll(ctx, node.ID, next); err != nil {
			logger.Warn("advance poll failed", zap.Error(err))
		}
	}
}

func (p *Poller) findAdapter(node db.JobNode) (provider.Adapter, error) {
	var params struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal([]byte(node.Params), &params); err != nil || params.Model == "" {
		return nil, fmt.Errorf("gateway: job %s has no resolvable model id: %w", node.JobID, err)
	}
	return p.gateway.providers.Adapter(params.Model)
}

// normalizeProviderOutputs maps a raw provider response to MediaOutput[],
// accepting either the new outputs[] shape or the legacy {url}.
func normalizeProviderOutputs(raw json.RawMessage, outputType string) ([]resolver.MediaOutput, error) {
	var shaped struct {
		Outputs []resolver.MediaOutput `json:"outputs"`
		URL     string                 `json:"url"`
	}
	if err := json.Unmarshal(raw, &shaped); err != nil {
		return nil, fmt.Errorf("gateway: decode provider response: %w", err)
	}
	if len(shaped.Outputs) > 0 {
		return shaped.Outputs, nil
	}
	if shaped.URL != "" {
		return []resolver.MediaOutput{{Type: outputType, URL: shaped.URL}}, nil
	}
	return nil, fmt.Errorf("gateway: provider response has neither outputs[] nor url")
}
