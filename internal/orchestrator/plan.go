package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// JobSpec is one vertex of a submitted plan, before persistence.
type JobSpec struct {
	ID           string          `json:"id"`
	Operation    string          `json:"operation"`
	Params       json.RawMessage `json:"params"`
	Dependencies []string        `json:"dependencies"`
}

// jobSpecWire mirrors the wire shape accepted from clients, including the
// type/operation and dependsOn/dependencies alias pairs (spec.md §6
// "Accepted alias pairs"). Output is accepted and discarded — it is
// informational only.
type jobSpecWire struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Operation    string          `json:"operation"`
	Params       json.RawMessage `json:"params"`
	DependsOn    []string        `json:"dependsOn"`
	Dependencies []string        `json:"dependencies"`
	Output       json.RawMessage `json:"output"`
}

// UnmarshalJSON resolves the alias pairs onto the canonical fields.
func (j *JobSpec) UnmarshalJSON(data []byte) error {
	var w jobSpecWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	j.ID = w.ID
	j.Params = w.Params

	j.Operation = w.Operation
	if j.Operation == "" {
		j.Operation = w.Type
	}

	j.Dependencies = w.Dependencies
	if j.Dependencies == nil {
		j.Dependencies = w.DependsOn
	}

	return nil
}

// Plan is the submitted DAG (spec.md §6 "Submitted plan").
type Plan struct {
	Jobs            []JobSpec  `json:"jobs"`
	BaseExecutionID *uuid.UUID `json:"baseExecutionId,omitempty"`
}

// CreateOptions carries the execute-request fields beyond the plan itself
// (spec.md §6 "Execute request").
type CreateOptions struct {
	Webhook         string
	WebhookSecret   string
	OrganizationID  string
	APIKeyID        string
	ProviderAPIKeys json.RawMessage
	BaseExecutionID *uuid.UUID
}

// validOperations is the exact OperationKind enumeration spec.md §6 defines
// — the same set internal/handlers/wire.go registers a handler for. A job
// whose operation isn't in this set is rejected at admission rather than
// persisted and left to expire unconsumed on a topic no worker watches
// (spec.md §7 "unknown operation ... Rejected at admission").
var validOperations = map[string]struct{}{
	"generate":              {},
	"generateImage":         {},
	"generateAudio":         {},
	"transcribe":            {},
	"merge":                 {},
	"layer":                 {},
	"addSubtitles":          {},
	"reframe":               {},
	"lipSync":               {},
	"removeBackground":      {},
	"removeImageBackground": {},
}

// validate enforces spec.md §4.4 plan-admission preconditions: non-empty,
// unique ids, known operations, and dependencies that resolve to a job
// either in this plan or in baseJobIDs (the base execution's job ids, when
// one is referenced — loaded by the caller before calling validate).
func (p Plan) validate(baseJobIDs map[string]struct{}) error {
	if len(p.Jobs) == 0 {
		return fmt.Errorf("%w: plan has no jobs", ErrInvalidPlan)
	}

	seen := make(map[string]struct{}, len(p.Jobs))
	for _, j := range p.Jobs {
		if j.ID == "" {
			return fmt.Errorf("%w: job with empty id", ErrInvalidPlan)
		}
		if _, dup := seen[j.ID]; dup {
			return fmt.Errorf("%w: duplicate job id %q", ErrInvalidPlan, j.ID)
		}
		seen[j.ID] = struct{}{}
		if j.Operation == "" {
			return fmt.Errorf("%w: job %q has no operation", ErrInvalidPlan, j.ID)
		}
		if _, ok := validOperations[j.Operation]; !ok {
			return fmt.Errorf("%w: job %q has unknown operation %q", ErrInvalidPlan, j.ID, j.Operation)
		}
	}

	for _, j := range p.Jobs {
		for _, dep := range j.Dependencies {
			if _, ok := seen[dep]; ok {
				continue
			}
			if _, ok := baseJobIDs[dep]; ok {
				continue
			}
			return fmt.Errorf("%w: job %q depends on unknown id %q", ErrInvalidPlan, j.ID, dep)
		}
	}

	return detectCycle(p.Jobs)
}

func detectCycle(jobs []JobSpec) error {
	deps := make(map[string][]string, len(jobs))
	for _, j := range jobs {
		deps[j.ID] = j.Dependencies
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(jobs))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("%w: cycle detected at job %q", ErrInvalidPlan, id)
			case white:
				if _, known := deps[dep]; known {
					if err := visit(dep); err != nil {
						return err
					}
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, j := range jobs {
		if color[j.ID] == white {
			if err := visit(j.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
