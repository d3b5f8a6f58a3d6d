package hostapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/iopsystems/durable/internal/journal"
	"github.com/iopsystems/durable/internal/observability"
	"github.com/iopsystems/durable/internal/suspend"
)

// Notification is the guest-visible shape of a delivered notification.
type Notification struct {
	CreatedAt time.Time       `json:"created_at"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

func fromJournalNotification(n *journal.Notification) Notification {
	return Notification{CreatedAt: n.CreatedAt, Event: n.Event, Data: n.Data}
}

// WaitBlocking implements notification-blocking(): an indefinite wait,
// journaled so replay returns the same notification without re-waiting.
// fn is only invoked on live execution (Engine.Transact replays straight
// from history otherwise); when the wait suspends the task, fn returns
// journal.ErrSuspended and Transact propagates it without journaling
// anything, so the identical call runs in full on the task's next
// execution attempt.
func (tc *TaskContext) WaitBlocking(ctx context.Context) (Notification, error) {
	raw, err := tc.Engine.Transact(ctx, "notify.wait", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
		outcome, werr := suspend.Wait(ctx, tc.Store, tc.Router, tc.Shutdown, tc.TaskID, tc.WorkerID, tc.SuspendTimeout, tc.SuspendMargin, true)
		if werr != nil {
			return nil, werr
		}
		switch outcome.Kind {
		case suspend.OutcomeNotification:
			return json.Marshal(fromJournalNotification(outcome.Notification))
		case suspend.OutcomeSuspend:
			return nil, journal.ErrSuspended
		case suspend.OutcomeNotScheduled:
			return nil, journal.ErrNotScheduledOnWorker
		default:
			return nil, fmt.Errorf("hostapi: unexpected wait outcome %q for blocking wait", outcome.Kind)
		}
	})
	if err != nil {
		return Notification{}, err
	}
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// WaitBlockingTimeout implements notification-blocking-timeout(ns): a
// bounded wait that, unlike WaitBlocking, never suspends the task — on
// expiry it journals and returns a nil Notification rather than unloading
// the workflow, since the protocol only ever suspends on an indefinite
// wait's deadline (spec.md §4.6 step 7).
func (tc *TaskContext) WaitBlockingTimeout(ctx context.Context, timeout time.Duration) (*Notification, error) {
	raw, err := tc.Engine.Transact(ctx, "notify.wait-timeout", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
		outcome, werr := suspend.Wait(ctx, tc.Store, tc.Router, tc.Shutdown, tc.TaskID, tc.WorkerID, timeout, tc.SuspendMargin, false)
		if werr != nil {
			return nil, werr
		}
		switch outcome.Kind {
		case suspend.OutcomeNotScheduled:
			return nil, journal.ErrNotScheduledOnWorker
		case suspend.OutcomeNotification:
			n := fromJournalNotification(outcome.Notification)
			return json.Marshal(&n)
		case suspend.OutcomeTimeout:
			return json.Marshal((*Notification)(nil))
		default:
			return nil, fmt.Errorf("hostapi: unexpected wait outcome %q for timed wait", outcome.Kind)
		}
	})
	if err != nil {
		return nil, err
	}
	var n *Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return n, nil
}

// NotifyErrorKind classifies why a producer's notify() call failed.
type NotifyErrorKind string

const (
	NotifyErrTaskNotFound NotifyErrorKind = "task-not-found"
	NotifyErrTaskDead     NotifyErrorKind = "task-dead"
	NotifyErrOther        NotifyErrorKind = "other"
)

type NotifyError struct {
	Kind    NotifyErrorKind
	Message string
}

func (e *NotifyError) Error() string { return fmt.Sprintf("hostapi: notify %s: %s", e.Kind, e.Message) }

// Notify implements the producer half of the ABI: it enqueues a
// notification for targetTaskID, journaled like any other effect-producing
// host call so a replayed notify() is never delivered twice. Delivery to a
// worker-local waiter is a best-effort fast path via Router; the
// durable_notification channel (and every worker's poll loop) is what
// guarantees eventual delivery even if the router signal is dropped.
func (tc *TaskContext) Notify(ctx context.Context, targetTaskID int64, event string, data json.RawMessage) error {
	_, err := tc.Engine.Transact(ctx, "notify.send", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
		if err := tc.Store.EnqueueNotification(ctx, targetTaskID, event, data); err != nil {
			switch err {
			case journal.ErrTaskNotFound:
				return nil, &NotifyError{Kind: NotifyErrTaskNotFound, Message: err.Error()}
			case journal.ErrTaskDead:
				return nil, &NotifyError{Kind: NotifyErrTaskDead, Message: err.Error()}
			default:
				return nil, &NotifyError{Kind: NotifyErrOther, Message: err.Error()}
			}
		}
		tc.Router.Deliver(targetTaskID)
		observability.NotificationsSentTotal.Inc()
		return json.Marshal(struct{}{})
	})
	return err
}
