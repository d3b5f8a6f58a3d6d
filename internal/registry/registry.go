// Package registry manages worker leases and leader election: every
// process that wants to run tasks registers a worker row, refreshes it on a
// heartbeat loop, and recomputes whether it is the leader (the live worker
// with the lowest id) whenever the worker set changes. Grounded on the
// teacher's goroutine-per-concern layout (internal/jobs/worker.go) and its
// retry/backoff idiom (internal/temporalx/client.go's clampBackoff).
package registry

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/iopsystems/durable/internal/detsim"
	"github.com/iopsystems/durable/internal/journal"
	"github.com/iopsystems/durable/internal/observability"
	"github.com/iopsystems/durable/internal/platform/logger"
)

// leaderScanInterval is not an externally observable contract (spec Open
// Question #3); 2s satisfies the liveness bound for any reasonable lease
// TTL without hammering the worker table.
const leaderScanInterval = 2 * time.Second

type Registry struct {
	store    journal.Store
	log      *logger.Logger
	leaseTTL time.Duration
	hb       time.Duration

	self   *journal.Worker
	leader atomic.Bool

	// sched is the fairness seam a deterministic test harness would swap
	// out; production always runs detsim.NoopScheduler.
	sched detsim.Scheduler
}

func New(store journal.Store, log *logger.Logger, heartbeatInterval, leaseTTL time.Duration) *Registry {
	return &Registry{store: store, log: log, leaseTTL: leaseTTL, hb: heartbeatInterval, sched: detsim.NoopScheduler}
}

// Register inserts this process's worker row. Must be called once before
// Run.
func (r *Registry) Register(ctx context.Context, hostname string) error {
	w, err := r.store.RegisterWorker(ctx, hostname)
	if err != nil {
		return err
	}
	r.self = w
	r.sched.Notify(detsim.ScheduleEvent{Kind: detsim.EventWorkerRegistered, WorkerID: w.ID})
	return nil
}

func (r *Registry) WorkerID() int64 {
	if r.self == nil {
		return 0
	}
	return r.self.ID
}

// IsLeader reports whether this process currently holds leadership, safe to
// call from any goroutine.
func (r *Registry) IsLeader() bool { return r.leader.Load() }

// Run drives the heartbeat and leader-recomputation loops until ctx is
// canceled, then deregisters this worker so its in-flight tasks become
// reclaimable immediately instead of waiting out the lease TTL.
func (r *Registry) Run(ctx context.Context, onEvent <-chan journal.SourceEvent) {
	defer func() {
		deleteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.DeleteWorker(deleteCtx, r.WorkerID()); err != nil {
			r.log.Warn("registry: failed to deregister worker on shutdown", "worker_id", r.WorkerID(), "error", err.Error())
		} else {
			r.sched.Notify(detsim.ScheduleEvent{Kind: detsim.EventWorkerDeleted, WorkerID: r.WorkerID()})
		}
	}()

	hbTicker := time.NewTicker(r.jitteredHeartbeat())
	defer hbTicker.Stop()
	leaderTicker := time.NewTicker(leaderScanInterval)
	defer leaderTicker.Stop()

	r.recomputeLeader(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hbTicker.C:
			guard, err := r.sched.Acquire(ctx, detsim.Component{Kind: detsim.ComponentHeartbeat, WorkerID: r.WorkerID()})
			if err != nil {
				r.log.Warn("registry: heartbeat scheduling denied", "error", err.Error())
				hbTicker.Reset(r.jitteredHeartbeat())
				continue
			}
			if err := r.store.HeartbeatWorker(ctx, r.WorkerID()); err != nil {
				r.log.Warn("registry: heartbeat failed", "worker_id", r.WorkerID(), "error", err.Error())
			} else {
				observability.WorkerHeartbeatsTotal.Inc()
			}
			guard.Release()
			hbTicker.Reset(r.jitteredHeartbeat())
		case <-leaderTicker.C:
			r.recomputeLeader(ctx)
		case ev, ok := <-onEvent:
			if !ok {
				onEvent = nil
				continue
			}
			if ev.Kind == journal.EventKindWorker || ev.Kind == journal.EventKindLagged {
				r.recomputeLeader(ctx)
			}
		}
	}
}

func (r *Registry) jitteredHeartbeat() time.Duration {
	jitter := time.Duration(rand.Int64N(int64(r.hb / 4)))
	return r.hb - r.hb/8 + jitter
}

func (r *Registry) recomputeLeader(ctx context.Context) {
	guard, err := r.sched.Acquire(ctx, detsim.Component{Kind: detsim.ComponentLeader, WorkerID: r.WorkerID()})
	if err != nil {
		r.log.Warn("registry: leader scheduling denied", "error", err.Error())
		return
	}
	defer guard.Release()

	validateGuard, err := r.sched.Acquire(ctx, detsim.Component{Kind: detsim.ComponentValidateWorker, WorkerID: r.WorkerID()})
	if err != nil {
		r.log.Warn("registry: worker validation scheduling denied", "error", err.Error())
		return
	}
	live, err := r.store.ListLiveWorkers(ctx, r.leaseTTL)
	validateGuard.Release()
	if err != nil {
		r.log.Warn("registry: failed to list live workers", "error", err.Error())
		return
	}
	leaderID := int64(0)
	for i, w := range live {
		if i == 0 || w.ID < leaderID {
			leaderID = w.ID
		}
	}
	wasLeader := r.leader.Load()
	nowLeader := leaderID == r.WorkerID() && leaderID != 0
	r.leader.Store(nowLeader)
	if nowLeader {
		observability.IsLeader.Set(1)
	} else {
		observability.IsLeader.Set(0)
	}
	if nowLeader != wasLeader {
		r.log.Info("registry: leadership changed", "worker_id", r.WorkerID(), "is_leader", nowLeader)
		r.sched.Notify(detsim.ScheduleEvent{Kind: detsim.EventLeaderChanged, WorkerID: r.WorkerID()})
	}
}

// WakeSuspendedTasks promotes suspended tasks whose notification or
// wakeup_at deadline has arrived back to ready — only the leader calls
// this, mirroring EvictDead's leader-only death-recovery role but for the
// suspend/notify side of spec.md §4.6 rather than worker death.
func (r *Registry) WakeSuspendedTasks(ctx context.Context, limit int) error {
	ids, err := r.store.WakeSuspendedTasks(ctx, limit)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		r.log.Info("registry: woke suspended tasks", "count", len(ids))
		r.sched.Notify(detsim.ScheduleEvent{Kind: detsim.EventTasksWoken, WorkerID: r.WorkerID()})
	}
	return nil
}

// WarnStuckTasks logs tasks that have been active far longer than any
// legitimate host call should block, so an operator notices a wedged
// sandbox before a task silently never completes.
func (r *Registry) WarnStuckTasks(ctx context.Context, olderThan time.Duration) {
	guard, err := r.sched.Acquire(ctx, detsim.Component{Kind: detsim.ComponentStuckNotify, WorkerID: r.WorkerID()})
	if err != nil {
		r.log.Warn("registry: stuck-task scheduling denied", "error", err.Error())
		return
	}
	defer guard.Release()

	stuck, err := r.store.ListStuckTasks(ctx, olderThan)
	if err != nil {
		r.log.Warn("registry: failed to list stuck tasks", "error", err.Error())
		return
	}
	for _, t := range stuck {
		r.log.Warn("registry: task appears stuck", "task_id", t.ID, "task_name", t.Name, "attempt_started_at", t.AttemptStartedAt)
	}
}

// EvictDead removes workers whose lease has expired and reclaims their
// active tasks back to ready — only the leader calls this, per spec.md
// §4.3's death-recovery rule belonging to leadership.
func (r *Registry) EvictDead(ctx context.Context) error {
	guard, err := r.sched.Acquire(ctx, detsim.Component{Kind: detsim.ComponentTaskCleanup, WorkerID: r.WorkerID()})
	if err != nil {
		return err
	}
	defer guard.Release()

	dead, err := r.store.EvictDeadWorkers(ctx, r.leaseTTL)
	if err != nil {
		return err
	}
	if len(dead) == 0 {
		return nil
	}
	for _, id := range dead {
		r.sched.Notify(detsim.ScheduleEvent{Kind: detsim.EventWorkerDeleted, WorkerID: id})
	}
	n, err := r.store.ReclaimDeadTasksFrom(ctx, dead)
	if err != nil {
		return err
	}
	if n > 0 {
		observability.TasksReclaimedTotal.Add(float64(n))
		r.log.Info("registry: reclaimed tasks from dead workers", "worker_count", len(dead), "task_count", n)
	}
	return nil
}
