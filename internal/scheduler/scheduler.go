// Package scheduler implements the claim-and-run loop: it pulls ready tasks
// off the journal, dispatches each to a sandboxed execution bounded by a
// worker-slot semaphore, and reconciles the outcome (complete, failed, or
// already-suspended) back into the journal. Grounded on the teacher's
// internal/jobs/worker.go (ticker-driven claim loop, registry lookup,
// panic-recovery wrapper around the handler).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iopsystems/durable/internal/detsim"
	"github.com/iopsystems/durable/internal/journal"
	"github.com/iopsystems/durable/internal/observability"
	"github.com/iopsystems/durable/internal/platform/logger"
	"github.com/iopsystems/durable/internal/registry"
	"github.com/iopsystems/durable/internal/txn"
)

// claimPollInterval is the periodic backstop claim attempt alongside the
// event-driven one; keeps the scheduler live even if a durable_task NOTIFY
// is missed.
const claimPollInterval = 1 * time.Second

// Dispatcher sandboxes and runs a single claimed task against its replay
// engine, generalizing the teacher's "job type string -> handler" lookup
// into "claimed task -> WebAssembly component invocation". A nil error
// with suspended=true means either the task already transitioned to
// suspended inside the dispatch (a long sleep or an indefinite notification
// wait past its deadline) or it is no longer scheduled on this worker; in
// both cases the scheduler must not touch its state further.
type Dispatcher interface {
	Run(ctx context.Context, task *journal.Task, engine *txn.Engine) (result json.RawMessage, suspended bool, err error)
}

type Scheduler struct {
	store      journal.Store
	reg        *registry.Registry
	dispatcher Dispatcher
	log        *logger.Logger

	slots chan struct{}
	sched detsim.Scheduler
}

func New(store journal.Store, reg *registry.Registry, dispatcher Dispatcher, log *logger.Logger, workerSlots int) *Scheduler {
	return &Scheduler{
		store:      store,
		reg:        reg,
		dispatcher: dispatcher,
		log:        log,
		slots:      make(chan struct{}, workerSlots),
		sched:      detsim.NoopScheduler,
	}
}

// Run drives the claim loop until ctx is canceled. events carries
// durable_task notifications that should trigger an immediate claim
// attempt in addition to the periodic tick.
func (s *Scheduler) Run(ctx context.Context, events <-chan journal.SourceEvent) {
	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()

	for {
		s.claimUntilStarved(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind != journal.EventKindTask {
				continue
			}
		}
	}
}

// claimUntilStarved keeps claiming ready tasks while slots are free; it
// stops as soon as a claim finds nothing ready or every slot is occupied,
// rather than busy-looping.
func (s *Scheduler) claimUntilStarved(ctx context.Context) {
	for {
		select {
		case s.slots <- struct{}{}:
		default:
			return
		}

		guard, err := s.sched.Acquire(ctx, detsim.Component{Kind: detsim.ComponentSpawnTasks, WorkerID: s.reg.WorkerID()})
		if err != nil {
			<-s.slots
			s.log.Warn("scheduler: claim scheduling denied", "error", err.Error())
			return
		}
		task, err := s.store.ClaimReadyTask(ctx, s.reg.WorkerID())
		guard.Release()
		if err != nil {
			<-s.slots
			s.log.Warn("scheduler: claim failed", "error", err.Error())
			return
		}
		if task == nil {
			<-s.slots
			return
		}
		observability.TasksClaimedTotal.WithLabelValues(fmt.Sprint(s.reg.WorkerID())).Inc()
		observability.ActiveSlots.Set(float64(len(s.slots)))
		s.sched.Notify(detsim.ScheduleEvent{Kind: detsim.EventTaskClaimed, WorkerID: s.reg.WorkerID(), TaskID: task.ID})
		go s.runTask(ctx, task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task *journal.Task) {
	defer func() {
		<-s.slots
		observability.ActiveSlots.Set(float64(len(s.slots)))
	}()

	taskLog := s.log.With("task_id", task.ID, "task_name", task.Name)
	timer := observability.NewTimer()

	engine, err := txn.NewEngine(ctx, s.store, task.ID, s.reg.WorkerID())
	if err != nil {
		taskLog.Error("scheduler: failed to load replay history", "error", err.Error())
		s.fail(ctx, task, s.reg.WorkerID(), fmt.Sprintf("internal error loading history: %s", err.Error()))
		return
	}

	result, suspended, runErr := s.dispatchSafely(ctx, task, engine, taskLog)
	if suspended {
		timer.ObserveDuration(observability.TaskExecutionDuration.WithLabelValues("suspended"))
		observability.TasksSuspendedTotal.Inc()
		s.sched.Notify(detsim.ScheduleEvent{Kind: detsim.EventTaskSuspended, WorkerID: s.reg.WorkerID(), TaskID: task.ID})
		taskLog.Info("scheduler: task suspended")
		return
	}
	if runErr != nil {
		timer.ObserveDuration(observability.TaskExecutionDuration.WithLabelValues("failed"))
		observability.TasksCompletedTotal.WithLabelValues("failed").Inc()
		taskLog.Warn("scheduler: task failed", "error", runErr.Error())
		s.fail(ctx, task, s.reg.WorkerID(), runErr.Error())
		return
	}
	if err := s.store.CompleteTask(ctx, task.ID, s.reg.WorkerID(), result); err != nil {
		taskLog.Error("scheduler: failed to record completion", "error", err.Error())
		return
	}
	timer.ObserveDuration(observability.TaskExecutionDuration.WithLabelValues("completed"))
	observability.TasksCompletedTotal.WithLabelValues("completed").Inc()
	s.sched.Notify(detsim.ScheduleEvent{Kind: detsim.EventTaskCompleted, WorkerID: s.reg.WorkerID(), TaskID: task.ID})
	taskLog.Info("scheduler: task completed")
}

// dispatchSafely wraps the dispatcher call in the same panic-recovery shape
// as the teacher's Worker.Start, converting a guest-triggered or
// host-bug panic into a normal failure outcome unless it is a
// txn.WorkflowPanic (which the engine already journaled deterministically
// and which the caller must still surface as a failed task).
func (s *Scheduler) dispatchSafely(ctx context.Context, task *journal.Task, engine *txn.Engine, log *logger.Logger) (result json.RawMessage, suspended bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if wp, ok := r.(txn.WorkflowPanic); ok {
				err = wp
				return
			}
			log.Error("scheduler: recovered unexpected panic in dispatch", "panic", fmt.Sprint(r))
			err = fmt.Errorf("scheduler: panic: %v", r)
		}
	}()
	return s.dispatcher.Run(ctx, task, engine)
}

func (s *Scheduler) fail(ctx context.Context, task *journal.Task, workerID int64, message string) {
	if err := s.store.FailTask(ctx, task.ID, workerID, message); err != nil {
		s.log.Error("scheduler: failed to record failure", "task_id", task.ID, "error", err.Error())
	}
}
