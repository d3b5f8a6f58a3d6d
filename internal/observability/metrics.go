package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks the worker-process counters and gauges every leader,
// scheduler, and sandbox call site touches. Grounded on cuemby-warren's
// pkg/metrics/metrics.go (package-level prometheus.NewXxx vars registered in
// init, a Timer helper for histogram observations) with names narrowed to
// the durable engine's own vocabulary in place of warren's cluster/raft one.
var (
	TasksClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_tasks_claimed_total",
			Help: "Total number of tasks claimed off the ready queue",
		},
		[]string{"worker_id"},
	)

	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "durable_task_execution_duration_seconds",
			Help:    "Wall-clock time spent inside a single sandbox.Run call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_tasks_completed_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"state"},
	)

	TasksSuspendedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durable_tasks_suspended_total",
			Help: "Total number of task executions that ended suspended or no longer scheduled on this worker",
		},
	)

	TasksReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durable_tasks_reclaimed_total",
			Help: "Total number of tasks reclaimed from a dead worker's lease",
		},
	)

	HostCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_host_calls_total",
			Help: "Total number of journaled host calls by label",
		},
		[]string{"label", "replayed"},
	)

	NotificationsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durable_notifications_sent_total",
			Help: "Total number of notify() calls that enqueued a notification",
		},
	)

	WorkerHeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durable_worker_heartbeats_total",
			Help: "Total number of successful worker lease heartbeats",
		},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "durable_is_leader",
			Help: "Whether this worker currently holds the leader role (1 = leader, 0 = follower)",
		},
	)

	ActiveSlots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "durable_active_slots",
			Help: "Number of worker-slot semaphore tokens currently held by running tasks",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksClaimedTotal,
		TaskExecutionDuration,
		TasksCompletedTotal,
		TasksSuspendedTotal,
		TasksReclaimedTotal,
		HostCallsTotal,
		NotificationsSentTotal,
		WorkerHeartbeatsTotal,
		IsLeader,
		ActiveSlots,
	)
}

// Handler exposes the registered metrics over HTTP for a Prometheus scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation and reports it to a histogram on Stop,
// mirroring cuemby-warren's Timer/ObserveDuration pair.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}
