package orchestrator

import (
	"errors"
	"testing"
)

func TestPlanValidate_RejectsUnknownOperation(t *testing.T) {
	p := Plan{Jobs: []JobSpec{{ID: "a", Operation: "frobnicate"}}}
	err := p.validate(nil)
	if !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("validate() = %v, want ErrInvalidPlan", err)
	}
}

func TestPlanValidate_AcceptsKnownOperations(t *testing.T) {
	p := Plan{Jobs: []JobSpec{
		{ID: "a", Operation: "generateImage"},
		{ID: "b", Operation: "layer", Dependencies: []string{"a"}},
	}}
	if err := p.validate(nil); err != nil {
		t.Fatalf("validate() = %v, want nil", err)
	}
}

func TestPlanValidate_DependencyOnBaseExecutionJob(t *testing.T) {
	p := Plan{Jobs: []JobSpec{{ID: "b", Operation: "merge", Dependencies: []string{"a"}}}}

	if err := p.validate(nil); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("validate() with no base ids = %v, want ErrInvalidPlan", err)
	}

	baseJobIDs := map[string]struct{}{"a": {}}
	if err := p.validate(baseJobIDs); err != nil {
		t.Fatalf("validate() with base id present = %v, want nil", err)
	}
}

func TestPlanValidate_DependencyNotInPlanOrBase(t *testing.T) {
	p := Plan{Jobs: []JobSpec{{ID: "b", Operation: "merge", Dependencies: []string{"ghost"}}}}
	baseJobIDs := map[string]struct{}{"a": {}}
	if err := p.validate(baseJobIDs); !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("validate() = %v, want ErrInvalidPlan", err)
	}
}
