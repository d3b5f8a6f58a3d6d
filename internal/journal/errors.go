package journal

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound         = errors.New("journal: task not found")
	ErrTaskDead             = errors.New("journal: task is not scheduled on any worker")
	ErrNotScheduledOnWorker = errors.New("journal: task is not scheduled on this worker")
	ErrNotRunningHere       = errors.New("journal: task is not currently running on the expected worker")
	ErrProgramNotFound      = errors.New("journal: program not found")
	ErrWorkerNotFound       = errors.New("journal: worker not found")
	// ErrSuspended signals that a task's execution unwound because it
	// transitioned to the suspended state mid-call (a long clocks.sleep or a
	// notification wait that outlasted its deadline). It is not a failure:
	// the scheduler must shed the task without recording an outcome, the
	// same as ErrNotScheduledOnWorker.
	ErrSuspended = errors.New("journal: task suspended")
)

// ProgramError reports spec.md §7's ProgramIsNotAComponent class: the wasm
// bytes registered for a task's program failed to instantiate or do not
// expose the expected entrypoint. Distinct from a WorkflowPanic because it
// is a validation failure the runtime detects before the guest ever runs,
// not something the guest did.
type ProgramError struct {
	Reason string
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("journal: program is not a valid component: %s", e.Reason)
}
