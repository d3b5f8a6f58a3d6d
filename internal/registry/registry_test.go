package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/iopsystems/durable/internal/journal"
	"github.com/iopsystems/durable/internal/platform/logger"
)

type fakeRegistryStore struct {
	nextID  int64
	workers map[int64]journal.Worker
	leaseTTL time.Duration
	reclaimedFrom []int64
}

func newFakeRegistryStore() *fakeRegistryStore {
	return &fakeRegistryStore{workers: map[int64]journal.Worker{}}
}

func (f *fakeRegistryStore) RegisterWorker(ctx context.Context, hostname string) (*journal.Worker, error) {
	f.nextID++
	w := journal.Worker{ID: f.nextID, Hostname: hostname, StartedAt: time.Now(), LastSeenAt: time.Now()}
	f.workers[w.ID] = w
	return &w, nil
}

func (f *fakeRegistryStore) HeartbeatWorker(ctx context.Context, workerID int64) error {
	w := f.workers[workerID]
	w.LastSeenAt = time.Now()
	f.workers[workerID] = w
	return nil
}

func (f *fakeRegistryStore) DeleteWorker(ctx context.Context, workerID int64) error {
	delete(f.workers, workerID)
	return nil
}

func (f *fakeRegistryStore) ListLiveWorkers(ctx context.Context, ttl time.Duration) ([]journal.Worker, error) {
	var out []journal.Worker
	for _, w := range f.workers {
		if time.Since(w.LastSeenAt) <= ttl {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeRegistryStore) EvictDeadWorkers(ctx context.Context, ttl time.Duration) ([]int64, error) {
	var dead []int64
	for id, w := range f.workers {
		if time.Since(w.LastSeenAt) > ttl {
			dead = append(dead, id)
			delete(f.workers, id)
		}
	}
	return dead, nil
}

func (f *fakeRegistryStore) ReclaimDeadTasksFrom(ctx context.Context, deadWorkerIDs []int64) (int64, error) {
	f.reclaimedFrom = append(f.reclaimedFrom, deadWorkerIDs...)
	return int64(len(deadWorkerIDs)), nil
}

func (f *fakeRegistryStore) GetProgram(ctx context.Context, id uuid.UUID) (*journal.Program, error) {
	panic("unused")
}
func (f *fakeRegistryStore) GetProgramByName(ctx context.Context, name string) (*journal.Program, error) {
	panic("unused")
}
func (f *fakeRegistryStore) CreateTask(ctx context.Context, name string, programID uuid.UUID, data json.RawMessage) (*journal.Task, error) {
	panic("unused")
}
func (f *fakeRegistryStore) ClaimReadyTask(ctx context.Context, workerID int64) (*journal.Task, error) {
	panic("unused")
}
func (f *fakeRegistryStore) GetTask(ctx context.Context, id int64) (*journal.Task, error) {
	panic("unused")
}
func (f *fakeRegistryStore) CompleteTask(ctx context.Context, id, workerID int64, result json.RawMessage) error {
	panic("unused")
}
func (f *fakeRegistryStore) FailTask(ctx context.Context, id, workerID int64, errMsg string) error {
	panic("unused")
}
func (f *fakeRegistryStore) SuspendTask(ctx context.Context, id, workerID int64) error {
	panic("unused")
}
func (f *fakeRegistryStore) SuspendTaskUntil(ctx context.Context, id, workerID int64, wakeupAt time.Time) error {
	panic("unused")
}
func (f *fakeRegistryStore) WakeSuspendedTasks(ctx context.Context, limit int) ([]int64, error) {
	panic("unused")
}
func (f *fakeRegistryStore) ListStuckTasks(ctx context.Context, olderThan time.Duration) ([]journal.Task, error) {
	panic("unused")
}
func (f *fakeRegistryStore) NextEventIndex(ctx context.Context, taskID int64) (int32, error) {
	panic("unused")
}
func (f *fakeRegistryStore) AppendEvent(ctx context.Context, tx pgx.Tx, taskID int64, index int32, label string, isDB bool, data json.RawMessage) error {
	panic("unused")
}
func (f *fakeRegistryStore) ReadEvents(ctx context.Context, taskID int64) ([]journal.Event, error) {
	panic("unused")
}
func (f *fakeRegistryStore) EnqueueNotification(ctx context.Context, taskID int64, event string, data json.RawMessage) error {
	panic("unused")
}
func (f *fakeRegistryStore) PollNotification(ctx context.Context, tx pgx.Tx, taskID int64) (*journal.Notification, error) {
	panic("unused")
}
func (f *fakeRegistryStore) AppendLog(ctx context.Context, taskID int64, index int32, level, message string) error {
	panic("unused")
}
func (f *fakeRegistryStore) ReadLogs(ctx context.Context, taskID int64) ([]journal.LogEntry, error) {
	panic("unused")
}
func (f *fakeRegistryStore) BeginTx(ctx context.Context) (pgx.Tx, error) { panic("unused") }

var _ journal.Store = (*fakeRegistryStore)(nil)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("development")
	require.NoError(t, err)
	return l
}

func TestLowestLiveIDBecomesLeader(t *testing.T) {
	ctx := context.Background()
	store := newFakeRegistryStore()
	log := testLogger(t)

	r1 := New(store, log, 50*time.Millisecond, time.Second)
	require.NoError(t, r1.Register(ctx, "host-a"))
	r2 := New(store, log, 50*time.Millisecond, time.Second)
	require.NoError(t, r2.Register(ctx, "host-b"))

	r1.recomputeLeader(ctx)
	r2.recomputeLeader(ctx)

	require.True(t, r1.IsLeader(), "the lower worker id must be leader")
	require.False(t, r2.IsLeader())
}

func TestEvictDeadReclaimsTasks(t *testing.T) {
	ctx := context.Background()
	store := newFakeRegistryStore()
	log := testLogger(t)

	r := New(store, log, 50*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, r.Register(ctx, "host-a"))

	w := store.workers[r.WorkerID()]
	w.LastSeenAt = time.Now().Add(-time.Minute)
	store.workers[r.WorkerID()] = w

	require.NoError(t, r.EvictDead(ctx))
	_, ok := store.workers[r.WorkerID()]
	require.False(t, ok, "dead worker must be removed")
	require.Equal(t, []int64{r.WorkerID()}, store.reclaimedFrom, "dead worker's tasks must be reclaimed")
}
