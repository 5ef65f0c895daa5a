package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Recover re-invokes EmitReadyJobs for every non-terminal execution found at
// process start (spec.md §4.4 "Recovery"). Already-queued jobs are left
// alone; the queue's visibility timeout and expiration protect against lost
// workers.
func (o *Orchestrator) Recover(ctx context.Context) error {
	execs, err := o.executions.ListNonTerminal(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: recover: list non-terminal executions: %w", err)
	}

	o.logger.Info("recovering non-terminal executions", zap.Int("count", len(execs)))

	for _, exec := range execs {
		if err := o.emitReadyJobs(ctx, exec.ID, exec.BaseExecutionID); err != nil {
			o.logger.Error("recovery emitReadyJobs failed",
				zap.String("execution_id", exec.ID.String()), zap.Error(err))
		}
	}
	return nil
}
