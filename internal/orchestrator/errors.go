package orchestrator

import "errors"

// ErrInvalidPlan is returned by createExecution when a submitted plan fails
// one of spec.md §4.4's admission preconditions (empty, duplicate ids,
// unknown operation, unknown dependency, or a cycle).
var ErrInvalidPlan = errors.New("orchestrator: invalid plan")

// errDependencyFailedMsg is the exact cascade-failure error text spec.md
// §4.4 requires for jobs whose dependency failed, verbatim — both the
// cascade detector and the terminal-message builder compare against it.
const errDependencyFailedMsg = "Dependency job failed"
