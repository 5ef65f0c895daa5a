package worker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mediaforge/orchestrator/internal/db"
	"github.com/mediaforge/orchestrator/internal/metrics"
)

func TestObserveJobDuration_SkipsUnstarted(t *testing.T) {
	before := testutil.CollectAndCount(metrics.JobDurationSeconds)
	observeJobDuration(db.JobNode{Operation: "generate"}, "completed", time.Now())
	after := testutil.CollectAndCount(metrics.JobDurationSeconds)
	if after != before {
		t.Fatalf("expected no observation for a node with nil StartedAt, before=%d after=%d", before, after)
	}
}

func TestObserveJobDuration_RecordsStarted(t *testing.T) {
	started := time.Now().Add(-2 * time.Second)
	before := testutil.CollectAndCount(metrics.JobDurationSeconds)
	observeJobDuration(db.JobNode{Operation: "reframe-test-op", StartedAt: &started}, "completed", time.Now())
	after := testutil.CollectAndCount(metrics.JobDurationSeconds)
	if after != before+1 {
		t.Fatalf("expected exactly one new series, before=%d after=%d", before, after)
	}
}
