package journal

import (
	"context"
	"time"
)

// EventKind discriminates the union of things an EventSource can deliver.
type EventKind string

const (
	EventKindTask         EventKind = "task"
	EventKindTaskSuspend  EventKind = "task-suspend"
	EventKindNotification EventKind = "notification"
	EventKindWorker       EventKind = "worker"
	EventKindLagged       EventKind = "lagged"
)

// SourceEvent is the Go sum type standing in for the original's Event enum
// (Task/TaskSuspend/Notification/Worker/Lagged); only the field matching
// Kind is populated.
type SourceEvent struct {
	Kind         EventKind
	TaskID       int64
	WorkerID     int64
	Notification string
}

// EventSource is the single channel through which the scheduler and
// registry learn about state changes they didn't themselves cause: another
// worker claimed or finished a task, a notification arrived, a worker
// disappeared. Lagged is the only documented recovery signal — a consumer
// that sees it must fall back to a full table rescan, because any events
// delivered during the gap are unrecoverable from the channel alone.
type EventSource interface {
	Next(ctx context.Context) (SourceEvent, error)
}

type pgEventSource struct {
	task   *Forwarder
	notify *Forwarder
	worker *Forwarder

	out chan SourceEvent
}

// NewEventSource merges the three LISTEN/NOTIFY channels into one ordered
// stream, translating each forwarder's Lagged signal into a SourceEvent so
// callers handle it the same way they handle any other event.
func NewEventSource(ctx context.Context, task, notify, worker *Forwarder) EventSource {
	es := &pgEventSource{task: task, notify: notify, worker: worker, out: make(chan SourceEvent, 256)}
	go es.pump(ctx)
	return es
}

func (es *pgEventSource) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-es.task.Messages():
			if id, ok := parseTaskID(p); ok {
				es.emit(ctx, SourceEvent{Kind: EventKindTask, TaskID: id})
			}
		case p := <-es.notify.Messages():
			if id, ok := parseTaskID(p); ok {
				es.emit(ctx, SourceEvent{Kind: EventKindNotification, TaskID: id})
			}
		case p := <-es.worker.Messages():
			if id, ok := parseTaskID(p); ok {
				es.emit(ctx, SourceEvent{Kind: EventKindWorker, WorkerID: id})
			}
		case <-es.task.Lagged():
			es.emit(ctx, SourceEvent{Kind: EventKindLagged})
		case <-es.notify.Lagged():
			es.emit(ctx, SourceEvent{Kind: EventKindLagged})
		case <-es.worker.Lagged():
			es.emit(ctx, SourceEvent{Kind: EventKindLagged})
		}
	}
}

func (es *pgEventSource) emit(ctx context.Context, ev SourceEvent) {
	select {
	case es.out <- ev:
	case <-ctx.Done():
	}
}

func (es *pgEventSource) Next(ctx context.Context) (SourceEvent, error) {
	select {
	case ev := <-es.out:
		return ev, nil
	case <-ctx.Done():
		return SourceEvent{}, ctx.Err()
	}
}

// PollInterval is a rescan cadence constant that no consumer reads: the
// scheduler's backstop tick is its own claimPollInterval, and the registry's
// is leaderScanInterval.
const PollInterval = 2 * time.Second
