// Package suspend implements the blocking-notification-wait protocol: a
// task waiting on an event either gets it quickly (fast path, no state
// change), times out without ever leaving memory (timed wait only), or is
// moved to the suspended state and freed from its worker slot until a
// notification arrives (indefinite wait only). Transcribed from
// original_source/crates/durable-runtime/src/plugin/durable/notify.rs's
// notification_blocking state machine.
package suspend

import (
	"context"
	"fmt"
	"time"

	"github.com/iopsystems/durable/internal/journal"
)

// OutcomeKind discriminates how a Wait call resolved.
type OutcomeKind string

const (
	// OutcomeNotification means a notification was already pending, or
	// arrived before the deadline; the task keeps running.
	OutcomeNotification OutcomeKind = "notification"
	// OutcomeTimeout means a timed wait's deadline passed with no
	// notification; the caller journals a None outcome and keeps running.
	// Never returned for an indefinite wait.
	OutcomeTimeout OutcomeKind = "timeout"
	// OutcomeSuspend means an indefinite wait's deadline (suspend_timeout)
	// passed with no notification and the task has been moved to the
	// suspended state; the caller must unwind back to the scheduler's spawn
	// loop without journaling anything for this call. Never returned for a
	// timed wait.
	OutcomeSuspend OutcomeKind = "suspend"
	// OutcomeNotScheduled means the task is no longer running on this
	// worker (another worker claimed it, it was deleted, or this worker is
	// shutting down) while this call was waiting.
	OutcomeNotScheduled OutcomeKind = "not-scheduled"
)

type Outcome struct {
	Kind         OutcomeKind
	Notification *journal.Notification
}

// Wait implements the full protocol: poll under lock, then race the
// notification router against the deadline and shutdown flag. Go's select
// has no priority order; a notification still wins over the deadline
// because both deadline branches re-poll under lock before acting.
// indefinite selects spec.md §4.6's two distinct deadline behaviors: true
// means a notification-blocking() call, whose deadline is suspend_timeout
// minus margin and
// attempts a suspend transition (re-polling under lock first so a
// notification landing in the gap — the "barge-in" case — is never lost);
// false means a notification-blocking-timeout() call, whose deadline is the
// guest-supplied timeout and never suspends the task.
func Wait(
	ctx context.Context,
	store journal.Store,
	router *Router,
	shutdown *ShutdownFlag,
	taskID, workerID int64,
	timeout, margin time.Duration,
	indefinite bool,
) (Outcome, error) {
	if n, err := pollUnderLock(ctx, store, taskID); err != nil {
		return Outcome{}, err
	} else if n != nil {
		return Outcome{Kind: OutcomeNotification, Notification: n}, nil
	}

	wait := timeout
	if indefinite {
		wait -= margin
	}
	deadline := time.Now().Add(wait)
	sub, cancel := router.Subscribe(taskID)
	defer cancel()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-sub:
			// A wake signal: take the notification under lock if it is
			// still there.
			if n, err := pollUnderLock(ctx, store, taskID); err != nil {
				return Outcome{}, err
			} else if n != nil {
				return Outcome{Kind: OutcomeNotification, Notification: n}, nil
			}
			// Spurious wake (another task's signal raced onto this
			// channel, or the notification was already consumed by a
			// concurrent poll) — keep waiting for the real deadline.
			continue
		case <-timer.C:
			if indefinite {
				return suspendOrBargeIn(ctx, store, taskID, workerID)
			}
			return timeoutOrBargeIn(ctx, store, taskID)
		case <-shutdown.Wait():
			// The worker is shutting down: shed the task with no DB write at
			// all, per spec.md §5's cancellation contract, rather than
			// racing a suspend/timeout transition against process exit.
			return Outcome{Kind: OutcomeNotScheduled}, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}

func pollUnderLock(ctx context.Context, store journal.Store, taskID int64) (*journal.Notification, error) {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("suspend: begin poll tx: %w", err)
	}
	n, err := store.PollNotification(ctx, tx, taskID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("suspend: poll notification: %w", err)
	}
	if n == nil {
		if err := tx.Rollback(ctx); err != nil {
			return nil, fmt.Errorf("suspend: rollback empty poll: %w", err)
		}
		return nil, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("suspend: commit poll: %w", err)
	}
	return n, nil
}

// suspendOrBargeIn commits the suspend transition unless a notification
// arrived in the window between the deadline firing and this function's
// re-poll. The re-poll runs in its own transaction, which is committed (a
// notification was taken) or rolled back before the suspend UPDATE runs as
// a separate statement; the two are not one atomic step. A notification
// that lands between them is not returned here: it stays queued, and the
// leader's WakeSuspendedTasks scan moves the suspended task back to ready.
func suspendOrBargeIn(ctx context.Context, store journal.Store, taskID, workerID int64) (Outcome, error) {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("suspend: begin barge-in tx: %w", err)
	}
	n, err := store.PollNotification(ctx, tx, taskID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return Outcome{}, fmt.Errorf("suspend: barge-in poll: %w", err)
	}
	if n != nil {
		if err := tx.Commit(ctx); err != nil {
			return Outcome{}, fmt.Errorf("suspend: commit barge-in: %w", err)
		}
		return Outcome{Kind: OutcomeNotification, Notification: n}, nil
	}
	if err := tx.Rollback(ctx); err != nil {
		return Outcome{}, fmt.Errorf("suspend: rollback barge-in: %w", err)
	}

	if err := store.SuspendTask(ctx, taskID, workerID); err != nil {
		if err == journal.ErrNotScheduledOnWorker {
			return Outcome{Kind: OutcomeNotScheduled}, nil
		}
		return Outcome{}, fmt.Errorf("suspend: commit suspend: %w", err)
	}
	return Outcome{Kind: OutcomeSuspend}, nil
}

// timeoutOrBargeIn is suspendOrBargeIn's timed-wait counterpart: it never
// transitions task state, since a timed wait's deadline firing is itself
// the successful (None) outcome spec.md §4.6 step 7 describes — but it
// still re-polls once under lock first, so a notification delivered in the
// same instant as the deadline is reported rather than silently dropped.
func timeoutOrBargeIn(ctx context.Context, store journal.Store, taskID int64) (Outcome, error) {
	n, err := pollUnderLock(ctx, store, taskID)
	if err != nil {
		return Outcome{}, err
	}
	if n != nil {
		return Outcome{Kind: OutcomeNotification, Notification: n}, nil
	}
	return Outcome{Kind: OutcomeTimeout}, nil
}
