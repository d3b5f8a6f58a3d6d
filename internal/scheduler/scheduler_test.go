package scheduler

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/iopsystems/durable/internal/journal"
	"github.com/iopsystems/durable/internal/platform/logger"
	"github.com/iopsystems/durable/internal/registry"
	"github.com/iopsystems/durable/internal/txn"
)

type fakeSchedStore struct {
	mu        chan struct{}
	pending   []journal.Task
	completed map[int64]json.RawMessage
	failed    map[int64]string
}

func newFakeSchedStore(tasks ...journal.Task) *fakeSchedStore {
	return &fakeSchedStore{
		mu:        make(chan struct{}, 1),
		pending:   tasks,
		completed: map[int64]json.RawMessage{},
		failed:    map[int64]string{},
	}
}

func (f *fakeSchedStore) ClaimReadyTask(ctx context.Context, workerID int64) (*journal.Task, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}
	t := f.pending[0]
	f.pending = f.pending[1:]
	t.State = journal.TaskActive
	t.RunningOn = &workerID
	return &t, nil
}

func (f *fakeSchedStore) CompleteTask(ctx context.Context, id, workerID int64, result json.RawMessage) error {
	f.completed[id] = result
	return nil
}

func (f *fakeSchedStore) FailTask(ctx context.Context, id, workerID int64, errMsg string) error {
	f.failed[id] = errMsg
	return nil
}

func (f *fakeSchedStore) ReadEvents(ctx context.Context, taskID int64) ([]journal.Event, error) {
	return nil, nil
}

func (f *fakeSchedStore) RegisterWorker(ctx context.Context, hostname string) (*journal.Worker, error) {
	return &journal.Worker{ID: 1, Hostname: hostname}, nil
}

func (f *fakeSchedStore) HeartbeatWorker(ctx context.Context, workerID int64) error { return nil }
func (f *fakeSchedStore) DeleteWorker(ctx context.Context, workerID int64) error    { return nil }
func (f *fakeSchedStore) ListLiveWorkers(ctx context.Context, ttl time.Duration) ([]journal.Worker, error) {
	return nil, nil
}
func (f *fakeSchedStore) EvictDeadWorkers(ctx context.Context, ttl time.Duration) ([]int64, error) {
	return nil, nil
}
func (f *fakeSchedStore) GetProgram(ctx context.Context, id uuid.UUID) (*journal.Program, error) {
	panic("unused")
}
func (f *fakeSchedStore) GetProgramByName(ctx context.Context, name string) (*journal.Program, error) {
	panic("unused")
}
func (f *fakeSchedStore) CreateTask(ctx context.Context, name string, programID uuid.UUID, data json.RawMessage) (*journal.Task, error) {
	panic("unused")
}
func (f *fakeSchedStore) GetTask(ctx context.Context, id int64) (*journal.Task, error) {
	panic("unused")
}
func (f *fakeSchedStore) SuspendTask(ctx context.Context, id, workerID int64) error { panic("unused") }
func (f *fakeSchedStore) SuspendTaskUntil(ctx context.Context, id, workerID int64, wakeupAt time.Time) error {
	panic("unused")
}
func (f *fakeSchedStore) ReclaimDeadTasksFrom(ctx context.Context, deadWorkerIDs []int64) (int64, error) {
	panic("unused")
}
func (f *fakeSchedStore) WakeSuspendedTasks(ctx context.Context, limit int) ([]int64, error) {
	panic("unused")
}
func (f *fakeSchedStore) ListStuckTasks(ctx context.Context, olderThan time.Duration) ([]journal.Task, error) {
	panic("unused")
}
func (f *fakeSchedStore) NextEventIndex(ctx context.Context, taskID int64) (int32, error) {
	panic("unused")
}
func (f *fakeSchedStore) AppendEvent(ctx context.Context, tx pgx.Tx, taskID int64, index int32, label string, isDB bool, data json.RawMessage) error {
	return nil
}
func (f *fakeSchedStore) EnqueueNotification(ctx context.Context, taskID int64, event string, data json.RawMessage) error {
	panic("unused")
}
func (f *fakeSchedStore) PollNotification(ctx context.Context, tx pgx.Tx, taskID int64) (*journal.Notification, error) {
	panic("unused")
}
func (f *fakeSchedStore) AppendLog(ctx context.Context, taskID int64, index int32, level, message string) error {
	panic("unused")
}
func (f *fakeSchedStore) ReadLogs(ctx context.Context, taskID int64) ([]journal.LogEntry, error) {
	panic("unused")
}
func (f *fakeSchedStore) BeginTx(ctx context.Context) (pgx.Tx, error) { panic("unused") }

var _ journal.Store = (*fakeSchedStore)(nil)

type fakeDispatcher struct {
	result    json.RawMessage
	err       error
	suspended bool
	panicVal  any
	calls     atomic.Int32
}

func (d *fakeDispatcher) Run(ctx context.Context, task *journal.Task, engine *txn.Engine) (json.RawMessage, bool, error) {
	d.calls.Add(1)
	if d.panicVal != nil {
		panic(d.panicVal)
	}
	return d.result, d.suspended, d.err
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("development")
	require.NoError(t, err)
	return l
}

func newTestScheduler(t *testing.T, store *fakeSchedStore, d *fakeDispatcher) *Scheduler {
	t.Helper()
	log := testLogger(t)
	reg := registry.New(store, log, time.Second, time.Minute)
	require.NoError(t, reg.Register(context.Background(), "test-host"))
	return New(store, reg, d, log, 4)
}

func TestSchedulerCompletesSuccessfulTask(t *testing.T) {
	store := newFakeSchedStore(journal.Task{ID: 1, Name: "t1"})
	d := &fakeDispatcher{result: json.RawMessage(`"ok"`)}
	s := newTestScheduler(t, store, d)

	s.claimUntilStarved(context.Background())
	require.Eventually(t, func() bool {
		_, ok := store.completed[1]
		return ok
	}, time.Second, time.Millisecond)
}

func TestSchedulerFailsOnDispatcherError(t *testing.T) {
	store := newFakeSchedStore(journal.Task{ID: 2, Name: "t2"})
	d := &fakeDispatcher{err: require.AnError}
	s := newTestScheduler(t, store, d)

	s.claimUntilStarved(context.Background())
	require.Eventually(t, func() bool {
		_, ok := store.failed[2]
		return ok
	}, time.Second, time.Millisecond)
}

func TestSchedulerLeavesSuspendedTaskAlone(t *testing.T) {
	store := newFakeSchedStore(journal.Task{ID: 3, Name: "t3"})
	d := &fakeDispatcher{suspended: true}
	s := newTestScheduler(t, store, d)

	s.claimUntilStarved(context.Background())
	time.Sleep(50 * time.Millisecond)
	_, completed := store.completed[3]
	_, failed := store.failed[3]
	require.False(t, completed)
	require.False(t, failed)
}

func TestSchedulerRecoversPanicAsFailure(t *testing.T) {
	store := newFakeSchedStore(journal.Task{ID: 4, Name: "t4"})
	d := &fakeDispatcher{panicVal: "boom"}
	s := newTestScheduler(t, store, d)

	s.claimUntilStarved(context.Background())
	require.Eventually(t, func() bool {
		_, ok := store.failed[4]
		return ok
	}, time.Second, time.Millisecond)
}
