package orchestrator

import (
	"testing"
	"time"

	"github.com/mediaforge/orchestrator/internal/db"
)

func completedNode(jobID, operation, result string, deps []string, completedAt time.Time) db.JobNode {
	n := db.JobNode{
		JobID:       jobID,
		Operation:   operation,
		Status:      "completed",
		Result:      result,
		CompletedAt: &completedAt,
	}
	n.Dependencies = marshalDeps(deps)
	return n
}

func failedNode(jobID, operation, errMsg string, deps []string) db.JobNode {
	n := db.JobNode{
		JobID:     jobID,
		Operation: operation,
		Status:    "failed",
		Error:     errMsg,
	}
	n.Dependencies = marshalDeps(deps)
	return n
}

func marshalDeps(deps []string) string {
	if deps == nil {
		return "[]"
	}
	out := "["
	for i, d := range deps {
		if i > 0 {
			out += ","
		}
		out += `"` + d + `"`
	}
	return out + "]"
}

func TestComputeTerminalState(t *testing.T) {
	t.Run("single root failure", func(t *testing.T) {
		nodes := []db.JobNode{
			failedNode("a", "generate", "provider timeout", nil),
		}
		status, _, errMsg := computeTerminalState(nodes)
		if status != "failed" {
			t.Fatalf("status = %s, want failed", status)
		}
		want := "Job 'generate' failed: provider timeout"
		if errMsg != want {
			t.Fatalf("errMsg = %q, want %q", errMsg, want)
		}
	})

	t.Run("multiple root failures", func(t *testing.T) {
		nodes := []db.JobNode{
			failedNode("a", "generate", "bad params", nil),
			failedNode("b", "merge", "ffmpeg crashed", nil),
		}
		status, _, errMsg := computeTerminalState(nodes)
		if status != "failed" {
			t.Fatalf("status = %s, want failed", status)
		}
		want := "2 jobs failed: generate (bad params), merge (ffmpeg crashed)"
		if errMsg != want {
			t.Fatalf("errMsg = %q, want %q", errMsg, want)
		}
	})

	t.Run("cascade failure is not counted as a root failure", func(t *testing.T) {
		nodes := []db.JobNode{
			failedNode("a", "generate", "provider down", nil),
			failedNode("b", "merge", errDependencyFailedMsg, []string{"a"}),
		}
		status, _, errMsg := computeTerminalState(nodes)
		if status != "failed" {
			t.Fatalf("status = %s, want failed", status)
		}
		// b cascades from a, so a is still the single root failure.
		want := "Job 'generate' failed: provider down"
		if errMsg != want {
			t.Fatalf("errMsg = %q, want %q", errMsg, want)
		}
	})

	t.Run("completed picks latest leaf", func(t *testing.T) {
		t0 := time.Now().Add(-time.Minute)
		t1 := time.Now()
		nodes := []db.JobNode{
			completedNode("a", "generateImage", `{"outputs":[{"type":"image","url":"https://cdn/a.png"}]}`, nil, t0),
			completedNode("b", "layer", `{"outputs":[{"type":"video","url":"https://cdn/b.mp4"}]}`, []string{"a"}, t1),
		}
		status, result, errMsg := computeTerminalState(nodes)
		if status != "completed" {
			t.Fatalf("status = %s, want completed", status)
		}
		if errMsg != "" {
			t.Fatalf("errMsg = %q, want empty", errMsg)
		}
		want := `{"status":"completed","url":"https://cdn/b.mp4"}`
		if result != want {
			t.Fatalf("result = %s, want %s", result, want)
		}
	})
}

func TestDependenciesCompleted(t *testing.T) {
	byJobID := map[string]db.JobNode{
		"a": {JobID: "a", Status: "completed"},
		"b": {JobID: "b", Status: "processing"},
	}

	node := db.JobNode{JobID: "c", Dependencies: `["a"]`, Status: "pending"}
	if !dependenciesCompleted(node, byJobID, nil) {
		t.Fatal("expected dependencies to be completed")
	}

	node2 := db.JobNode{JobID: "d", Dependencies: `["a","b"]`, Status: "pending"}
	if dependenciesCompleted(node2, byJobID, nil) {
		t.Fatal("expected dependencies to be incomplete while b is processing")
	}
}

func TestHasFailedDependency(t *testing.T) {
	byJobID := map[string]db.JobNode{
		"a": {JobID: "a", Status: "failed"},
	}
	if !hasFailedDependency([]string{"a"}, byJobID, nil) {
		t.Fatal("expected failed dependency to be detected")
	}
	if hasFailedDependency([]string{"missing"}, byJobID, nil) {
		t.Fatal("unknown dependency should not be treated as failed here")
	}
}
