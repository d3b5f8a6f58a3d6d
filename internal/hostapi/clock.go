package hostapi

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iopsystems/durable/internal/journal"
)

// Now journals the current instant exactly once so replay always observes
// the same value the live run saw, regardless of how much wall-clock time
// has passed since — the whole reason guest code must read time through
// the host API rather than calling a WASI clock directly.
func (tc *TaskContext) Now(ctx context.Context) (time.Time, error) {
	raw, err := tc.Engine.Transact(ctx, "clocks.now", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
		return json.Marshal(tc.Clock.Now())
	})
	if err != nil {
		return time.Time{}, err
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// Sleep journals the wake-up instant, then — only on live execution, never
// on replay — suspends the task until that instant rather than blocking a
// worker goroutine, so a workflow can sleep for hours without holding a
// worker slot and survives a worker crash mid-sleep exactly like any other
// suspension. Returns journal.ErrSuspended when it does so; the caller
// (the sandbox dispatcher) must unwind without recording any further
// outcome for this task execution attempt.
func (tc *TaskContext) Sleep(ctx context.Context, d time.Duration) error {
	wasReplaying := tc.Engine.IsReplaying()
	raw, err := tc.Engine.Transact(ctx, "clocks.sleep", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
		wake := tc.Clock.Now().Add(d)
		return json.Marshal(wake)
	})
	if err != nil {
		return err
	}
	if wasReplaying {
		return nil
	}
	var wake time.Time
	if err := json.Unmarshal(raw, &wake); err != nil {
		return err
	}
	if time.Until(wake) <= 0 {
		return nil
	}
	if err := tc.Store.SuspendTaskUntil(ctx, tc.TaskID, tc.WorkerID, wake); err != nil {
		return err
	}
	return journal.ErrSuspended
}
