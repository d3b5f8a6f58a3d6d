package suspend

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/iopsystems/durable/internal/journal"
)

// fakeTx is a no-op pgx.Tx: embedding the (nil) interface lets fakeSuspendStore
// hand one out without implementing pgx.Tx's full surface, since suspend.go
// only ever calls Commit/Rollback on what BeginTx returns.
type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeSuspendStore struct {
	mu            sync.Mutex
	notifications map[int64]*journal.Notification
	suspended     map[int64]bool
	notScheduled  bool
}

func newFakeSuspendStore() *fakeSuspendStore {
	return &fakeSuspendStore{
		notifications: map[int64]*journal.Notification{},
		suspended:     map[int64]bool{},
	}
}

func (f *fakeSuspendStore) setNotification(taskID int64, n *journal.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications[taskID] = n
}

func (f *fakeSuspendStore) BeginTx(ctx context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

func (f *fakeSuspendStore) PollNotification(ctx context.Context, tx pgx.Tx, taskID int64) (*journal.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.notifications[taskID]
	if n != nil {
		delete(f.notifications, taskID)
	}
	return n, nil
}

func (f *fakeSuspendStore) SuspendTask(ctx context.Context, id, workerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notScheduled {
		return journal.ErrNotScheduledOnWorker
	}
	f.suspended[id] = true
	return nil
}

func (f *fakeSuspendStore) SuspendTaskUntil(ctx context.Context, id, workerID int64, wakeupAt time.Time) error {
	panic("unused")
}

func (f *fakeSuspendStore) isSuspended(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspended[id]
}

func (f *fakeSuspendStore) RegisterWorker(ctx context.Context, hostname string) (*journal.Worker, error) {
	panic("unused")
}
func (f *fakeSuspendStore) HeartbeatWorker(ctx context.Context, workerID int64) error { panic("unused") }
func (f *fakeSuspendStore) DeleteWorker(ctx context.Context, workerID int64) error    { panic("unused") }
func (f *fakeSuspendStore) ListLiveWorkers(ctx context.Context, ttl time.Duration) ([]journal.Worker, error) {
	panic("unused")
}
func (f *fakeSuspendStore) EvictDeadWorkers(ctx context.Context, ttl time.Duration) ([]int64, error) {
	panic("unused")
}
func (f *fakeSuspendStore) GetProgram(ctx context.Context, id uuid.UUID) (*journal.Program, error) {
	panic("unused")
}
func (f *fakeSuspendStore) GetProgramByName(ctx context.Context, name string) (*journal.Program, error) {
	panic("unused")
}
func (f *fakeSuspendStore) CreateTask(ctx context.Context, name string, programID uuid.UUID, data json.RawMessage) (*journal.Task, error) {
	panic("unused")
}
func (f *fakeSuspendStore) ClaimReadyTask(ctx context.Context, workerID int64) (*journal.Task, error) {
	panic("unused")
}
func (f *fakeSuspendStore) GetTask(ctx context.Context, id int64) (*journal.Task, error) {
	panic("unused")
}
func (f *fakeSuspendStore) CompleteTask(ctx context.Context, id, workerID int64, result json.RawMessage) error {
	panic("unused")
}
func (f *fakeSuspendStore) FailTask(ctx context.Context, id, workerID int64, errMsg string) error {
	panic("unused")
}
func (f *fakeSuspendStore) ReclaimDeadTasksFrom(ctx context.Context, deadWorkerIDs []int64) (int64, error) {
	panic("unused")
}
func (f *fakeSuspendStore) WakeSuspendedTasks(ctx context.Context, limit int) ([]int64, error) {
	panic("unused")
}
func (f *fakeSuspendStore) ListStuckTasks(ctx context.Context, olderThan time.Duration) ([]journal.Task, error) {
	panic("unused")
}
func (f *fakeSuspendStore) NextEventIndex(ctx context.Context, taskID int64) (int32, error) {
	panic("unused")
}
func (f *fakeSuspendStore) AppendEvent(ctx context.Context, tx pgx.Tx, taskID int64, index int32, label string, isDB bool, data json.RawMessage) error {
	panic("unused")
}
func (f *fakeSuspendStore) ReadEvents(ctx context.Context, taskID int64) ([]journal.Event, error) {
	panic("unused")
}
func (f *fakeSuspendStore) EnqueueNotification(ctx context.Context, taskID int64, event string, data json.RawMessage) error {
	panic("unused")
}
func (f *fakeSuspendStore) AppendLog(ctx context.Context, taskID int64, index int32, level, message string) error {
	panic("unused")
}
func (f *fakeSuspendStore) ReadLogs(ctx context.Context, taskID int64) ([]journal.LogEntry, error) {
	panic("unused")
}

var _ journal.Store = (*fakeSuspendStore)(nil)

func TestWaitReturnsPendingNotificationImmediately(t *testing.T) {
	ctx := context.Background()
	store := newFakeSuspendStore()
	store.setNotification(1, &journal.Notification{TaskID: 1, Event: "ping"})

	outcome, err := Wait(ctx, store, NewRouter(), NewShutdownFlag(), 1, 1, time.Minute, 0, true)
	require.NoError(t, err)
	require.Equal(t, OutcomeNotification, outcome.Kind)
	require.Equal(t, "ping", outcome.Notification.Event)
}

func TestWaitIndefiniteSuspendsOnDeadline(t *testing.T) {
	ctx := context.Background()
	store := newFakeSuspendStore()

	outcome, err := Wait(ctx, store, NewRouter(), NewShutdownFlag(), 7, 1, 20*time.Millisecond, 0, true)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuspend, outcome.Kind)
	require.True(t, store.isSuspended(7), "an indefinite wait's deadline must suspend the task")
}

func TestWaitTimedNeverSuspendsOnDeadline(t *testing.T) {
	ctx := context.Background()
	store := newFakeSuspendStore()

	outcome, err := Wait(ctx, store, NewRouter(), NewShutdownFlag(), 7, 1, 20*time.Millisecond, 0, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeTimeout, outcome.Kind)
	require.False(t, store.isSuspended(7), "a timed wait's deadline must never suspend the task")
}

func TestWaitDeliveredViaRouterBeforeDeadline(t *testing.T) {
	ctx := context.Background()
	store := newFakeSuspendStore()
	router := NewRouter()

	go func() {
		time.Sleep(5 * time.Millisecond)
		store.setNotification(9, &journal.Notification{TaskID: 9, Event: "woke"})
		router.Deliver(9)
	}()

	outcome, err := Wait(ctx, store, router, NewShutdownFlag(), 9, 1, time.Second, 0, true)
	require.NoError(t, err)
	require.Equal(t, OutcomeNotification, outcome.Kind)
	require.Equal(t, "woke", outcome.Notification.Event)
	require.False(t, store.isSuspended(9))
}

func TestWaitShutdownReturnsNotScheduledWithoutSuspending(t *testing.T) {
	ctx := context.Background()
	store := newFakeSuspendStore()
	shutdown := NewShutdownFlag()
	shutdown.Raise()

	outcome, err := Wait(ctx, store, NewRouter(), shutdown, 3, 1, time.Second, 0, true)
	require.NoError(t, err)
	require.Equal(t, OutcomeNotScheduled, outcome.Kind)
	require.False(t, store.isSuspended(3), "shutdown must not write any task state")
}
