package hostapi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/iopsystems/durable/internal/journal"
)

// fakeTx is a no-op pgx.Tx, sufficient for the store methods these tests
// exercise (none of them inspect the transaction itself).
type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

// fakeStore is a minimal in-memory journal.Store covering the methods this
// package's tests reach, in the spirit of the teacher's repository-interface
// fakes. AppendLog is a no-op; every other method panics, SuspendTaskUntil
// (used by Sleep's suspend path) included, so a test that accidentally
// exercises an unimplemented path fails loudly.
type fakeStore struct {
	mu            sync.Mutex
	notifications map[int64]*journal.Notification
	suspended     map[int64]bool
	enqueueErr    error
	enqueued      []journal.Notification

	// dbTx, when set, is returned by BeginTx instead of the plain fakeTx —
	// used by tests that need BeginTx's transaction to answer Query calls.
	dbTx pgx.Tx
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		notifications: map[int64]*journal.Notification{},
		suspended:     map[int64]bool{},
	}
}

func (f *fakeStore) setNotification(taskID int64, n *journal.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications[taskID] = n
}

func (f *fakeStore) isSuspended(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspended[id]
}

func (f *fakeStore) BeginTx(ctx context.Context) (pgx.Tx, error) {
	if f.dbTx != nil {
		return f.dbTx, nil
	}
	return fakeTx{}, nil
}

func (f *fakeStore) PollNotification(ctx context.Context, tx pgx.Tx, taskID int64) (*journal.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.notifications[taskID]
	if n != nil {
		delete(f.notifications, taskID)
	}
	return n, nil
}

func (f *fakeStore) SuspendTask(ctx context.Context, id, workerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended[id] = true
	return nil
}

func (f *fakeStore) SuspendTaskUntil(ctx context.Context, id, workerID int64, wakeupAt time.Time) error {
	panic("unused")
}

func (f *fakeStore) EnqueueNotification(ctx context.Context, taskID int64, event string, data json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, journal.Notification{TaskID: taskID, Event: event, Data: data, CreatedAt: time.Now()})
	return nil
}

func (f *fakeStore) ReadEvents(ctx context.Context, taskID int64) ([]journal.Event, error) {
	return nil, nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, tx pgx.Tx, taskID int64, index int32, label string, isDB bool, data json.RawMessage) error {
	return nil
}

func (f *fakeStore) NextEventIndex(ctx context.Context, taskID int64) (int32, error) { return 0, nil }

func (f *fakeStore) RegisterWorker(ctx context.Context, hostname string) (*journal.Worker, error) {
	panic("unused")
}
func (f *fakeStore) HeartbeatWorker(ctx context.Context, workerID int64) error { panic("unused") }
func (f *fakeStore) DeleteWorker(ctx context.Context, workerID int64) error    { panic("unused") }
func (f *fakeStore) ListLiveWorkers(ctx context.Context, ttl time.Duration) ([]journal.Worker, error) {
	panic("unused")
}
func (f *fakeStore) EvictDeadWorkers(ctx context.Context, ttl time.Duration) ([]int64, error) {
	panic("unused")
}
func (f *fakeStore) GetProgram(ctx context.Context, id uuid.UUID) (*journal.Program, error) {
	panic("unused")
}
func (f *fakeStore) GetProgramByName(ctx context.Context, name string) (*journal.Program, error) {
	panic("unused")
}
func (f *fakeStore) CreateTask(ctx context.Context, name string, programID uuid.UUID, data json.RawMessage) (*journal.Task, error) {
	panic("unused")
}
func (f *fakeStore) ClaimReadyTask(ctx context.Context, workerID int64) (*journal.Task, error) {
	panic("unused")
}
func (f *fakeStore) GetTask(ctx context.Context, id int64) (*journal.Task, error) { panic("unused") }
func (f *fakeStore) CompleteTask(ctx context.Context, id, workerID int64, result json.RawMessage) error {
	panic("unused")
}
func (f *fakeStore) FailTask(ctx context.Context, id, workerID int64, errMsg string) error {
	panic("unused")
}
func (f *fakeStore) ReclaimDeadTasksFrom(ctx context.Context, deadWorkerIDs []int64) (int64, error) {
	panic("unused")
}
func (f *fakeStore) WakeSuspendedTasks(ctx context.Context, limit int) ([]int64, error) {
	panic("unused")
}
func (f *fakeStore) ListStuckTasks(ctx context.Context, olderThan time.Duration) ([]journal.Task, error) {
	panic("unused")
}
func (f *fakeStore) AppendLog(ctx context.Context, taskID int64, index int32, level, message string) error {
	return nil
}
func (f *fakeStore) ReadLogs(ctx context.Context, taskID int64) ([]journal.LogEntry, error) {
	panic("unused")
}

var _ journal.Store = (*fakeStore)(nil)
