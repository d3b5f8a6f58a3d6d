// Package journal implements the durable schema: the append-only record of
// every task, host-call event, notification, and worker lease that the rest
// of the engine treats as the single source of truth. Every multi-row state
// transition in this package is expressed as row-level locking SQL against
// Postgres rather than optimistic application logic, because two workers can
// legally race to claim the same ready task and only one may win.
package journal

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a task row.
type TaskState string

const (
	TaskReady     TaskState = "ready"
	TaskActive    TaskState = "active"
	TaskSuspended TaskState = "suspended"
	TaskComplete  TaskState = "complete"
	TaskFailed    TaskState = "failed"
)

// Program is a compiled WebAssembly component registered under a content
// hash, addressable by name for launch convenience.
type Program struct {
	ID        uuid.UUID
	Name      string
	Hash      string
	Wasm      []byte
	CreatedAt time.Time
}

// Task is a single instance of a program running (or queued to run, or
// finished running) against a data payload.
type Task struct {
	ID                int64
	Name              string
	ProgramID         uuid.UUID
	Data              json.RawMessage
	State             TaskState
	RunningOn         *int64
	LastError         *string
	Result            json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
	AttemptStartedAt  *time.Time
	CompletedAt       *time.Time
	// WakeupAt is set iff State is TaskSuspended and the suspension was
	// scheduled for a known instant (a long clocks.sleep); a task suspended
	// purely on a notification wait has no WakeupAt and is only promoted
	// back to ready by WakeSuspendedTasks' notification-exists branch.
	WakeupAt *time.Time
}

// Event is one journaled host-call outcome for a task, recorded exactly once
// and replayed on every subsequent execution of that task.
type Event struct {
	TaskID    int64
	Index     int32
	Label     string
	IsDB      bool
	Data      json.RawMessage
	CreatedAt time.Time
}

// Notification is a pending wakeup for a task, consumed at most once by
// whichever worker is executing that task when it next polls.
type Notification struct {
	ID        int64
	TaskID    int64
	Event     string
	Data      json.RawMessage
	CreatedAt time.Time
}

// LogEntry is a line of guest-emitted diagnostic output, indexed so replay
// never re-emits an entry the guest already produced.
type LogEntry struct {
	TaskID    int64
	Index     int32
	Level     string
	Message   string
	CreatedAt time.Time
}

// Worker is a live or recently-live process holding task leases.
type Worker struct {
	ID         int64
	Hostname   string
	StartedAt  time.Time
	LastSeenAt time.Time
}

// TaskCompleteState distinguishes the two terminal outcomes of a task run.
type TaskCompleteState string

const (
	CompleteOK     TaskCompleteState = "complete"
	CompleteFailed TaskCompleteState = "failed"
)
