package txn

import (
	"errors"
	"fmt"
)

var (
	// ErrNestedTransaction is returned when a host call attempts to open a
	// transaction while one is already open for the same task execution.
	// original_source enforces this with a process-global
	// SyncUnsafeCell<bool>; this codebase carries the flag on the
	// per-task-execution Engine instead, per spec.md's explicit guidance
	// against the unsafe global.
	ErrNestedTransaction = errors.New("txn: attempted to start a transaction while already within another")

	// ErrNotInTransaction is returned when ExitTransaction is called without
	// a matching EnterTransaction on the same Engine.
	ErrNotInTransaction = errors.New("txn: no transaction is currently open")
)

// DivergenceError reports a replay fingerprint mismatch: the label (and/or
// is_db flag) recorded for event index Index differs from what the current
// run produced at the same index. This is always fatal to the task — a
// workflow whose code changed in a way that alters its call sequence cannot
// be safely resumed.
type DivergenceError struct {
	TaskID      int64
	Index       int32
	WantLabel   string
	WantIsDB    bool
	GotLabel    string
	GotIsDB     bool
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf(
		"txn: task %d event %d diverged on replay: recorded (%q, is_db=%v), got (%q, is_db=%v)",
		e.TaskID, e.Index, e.WantLabel, e.WantIsDB, e.GotLabel, e.GotIsDB,
	)
}

// WorkflowPanic is raised (via Go panic) when a replayed transaction's
// recorded outcome was itself a panic, so the guest program observes the
// identical failure on every replay instead of silently succeeding with a
// stale envelope.
type WorkflowPanic struct {
	Message string
}

func (p WorkflowPanic) Error() string { return p.Message }
