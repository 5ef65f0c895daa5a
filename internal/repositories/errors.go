package repositories

import "errors"

// ErrNotFound is returned when a requested row does not exist.
// Callers compare with errors.Is.
var ErrNotFound = errors.New("record not found")

// ErrStaleTransition is returned when a guarded status update (the
// compare-and-swap "if currently in state X" writes described in spec.md
// §4/§9) found the row no longer in the expected state — a duplicate
// delivery or a race with a concurrent writer got there first. Callers
// treat this as a no-op, not a failure.
var ErrStaleTransition = errors.New("record no longer in expected state")
