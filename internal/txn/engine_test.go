package txn

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/iopsystems/durable/internal/journal"
)

// fakeStore is an in-memory journal.Store sufficient for exercising the
// transaction engine without a live Postgres, in the spirit of the
// teacher's repository-interface unit tests.
type fakeStore struct {
	events map[int64][]journal.Event
}

func newFakeStore() *fakeStore { return &fakeStore{events: map[int64][]journal.Event{}} }

func (f *fakeStore) ReadEvents(ctx context.Context, taskID int64) ([]journal.Event, error) {
	out := make([]journal.Event, len(f.events[taskID]))
	copy(out, f.events[taskID])
	return out, nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, tx pgx.Tx, taskID int64, index int32, label string, isDB bool, data json.RawMessage) error {
	f.events[taskID] = append(f.events[taskID], journal.Event{
		TaskID: taskID, Index: index, Label: label, IsDB: isDB, Data: data, CreatedAt: time.Now(),
	})
	return nil
}

func (f *fakeStore) NextEventIndex(ctx context.Context, taskID int64) (int32, error) {
	return int32(len(f.events[taskID])), nil
}

// fakeTx is a no-op pgx.Tx, sufficient for tests that only need BeginTx to
// succeed and don't inspect the transaction itself.
type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

func (f *fakeStore) BeginTx(ctx context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

func (f *fakeStore) RegisterWorker(ctx context.Context, hostname string) (*journal.Worker, error) {
	panic("unused")
}
func (f *fakeStore) HeartbeatWorker(ctx context.Context, workerID int64) error      { panic("unused") }
func (f *fakeStore) DeleteWorker(ctx context.Context, workerID int64) error         { panic("unused") }
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
func (f *fakeStore) SuspendTask(ctx context.Context, id, workerID int64) error { panic("unused") }
func (f *fakeStore) SuspendTaskUntil(ctx context.Context, id, workerID int64, wakeupAt time.Time) error {
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
func (f *fakeStore) EnqueueNotification(ctx context.Context, taskID int64, event string, data json.RawMessage) error {
	panic("unused")
}
func (f *fakeStore) PollNotification(ctx context.Context, tx pgx.Tx, taskID int64) (*journal.Notification, error) {
	panic("unused")
}
func (f *fakeStore) AppendLog(ctx context.Context, taskID int64, index int32, level, message string) error {
	panic("unused")
}
func (f *fakeStore) ReadLogs(ctx context.Context, taskID int64) ([]journal.LogEntry, error) {
	panic("unused")
}

var _ journal.Store = (*fakeStore)(nil)

func textValue(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func TestTransactJournalsOnceAndReplaysIdentically(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	calls := 0

	run := func(e *Engine) (json.RawMessage, error) {
		return e.Transact(ctx, "clock.now", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
			calls++
			return textValue("2026-08-01T00:00:00Z"), nil
		})
	}

	e1, err := NewEngine(ctx, store, 1, 1)
	require.NoError(t, err)
	v1, err := run(e1)
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	// Simulate a crash and restart: a fresh Engine loads the same history.
	e2, err := NewEngine(ctx, store, 1, 1)
	require.NoError(t, err)
	require.True(t, e2.IsReplaying())
	v2, err := run(e2)
	require.NoError(t, err)

	require.Equal(t, v1, v2)
	require.Equal(t, 1, calls, "replay must not re-invoke the host call")
}

func TestTransactRejectsNestedTransactions(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e, err := NewEngine(ctx, store, 1, 1)
	require.NoError(t, err)

	_, err = e.Transact(ctx, "outer", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
		return e.Transact(ctx, "inner", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
			return textValue("nope"), nil
		})
	})
	require.ErrorIs(t, err, ErrNestedTransaction)
}

func TestTransactDetectsReplayDivergence(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()

	e1, err := NewEngine(ctx, store, 1, 1)
	require.NoError(t, err)
	_, err = e1.Transact(ctx, "clock.now", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
		return textValue("t0"), nil
	})
	require.NoError(t, err)

	e2, err := NewEngine(ctx, store, 1, 1)
	require.NoError(t, err)
	_, err = e2.Transact(ctx, "random.range", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
		return textValue("ignored"), nil
	})
	var diverge *DivergenceError
	require.ErrorAs(t, err, &diverge)
	require.Equal(t, "clock.now", diverge.WantLabel)
	require.Equal(t, "random.range", diverge.GotLabel)
}

func TestTransactReplaysPanicDeterministically(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()

	e1, err := NewEngine(ctx, store, 1, 1)
	require.NoError(t, err)
	require.PanicsWithValue(t, WorkflowPanic{Message: "boom"}, func() {
		_, _ = e1.Transact(ctx, "risky", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
			panic("boom")
		})
	})

	e2, err := NewEngine(ctx, store, 1, 1)
	require.NoError(t, err)
	require.True(t, e2.IsReplaying())
	require.PanicsWithValue(t, WorkflowPanic{Message: "boom"}, func() {
		_, _ = e2.Transact(ctx, "risky", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
			t.Fatal("replay must not re-invoke the host call")
			return nil, nil
		})
	})
}

func TestEnterExitTransactionRoundTripsAcrossReplay(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()

	e1, err := NewEngine(ctx, store, 1, 1)
	require.NoError(t, err)
	value, ok, err := e1.EnterTransaction(ctx, "guest.compute", false)
	require.NoError(t, err)
	require.False(t, ok, "a live enter must ask the caller to run the body")
	require.Nil(t, value)

	require.NoError(t, e1.ExitTransaction(ctx, textValue("42")))

	e2, err := NewEngine(ctx, store, 1, 1)
	require.NoError(t, err)
	require.True(t, e2.IsReplaying())
	replayed, ok, err := e2.EnterTransaction(ctx, "guest.compute", false)
	require.NoError(t, err)
	require.True(t, ok, "a replayed enter must return the recorded value immediately")
	require.Equal(t, textValue("42"), replayed)
}

func TestEnterTransactionRejectsNesting(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e, err := NewEngine(ctx, store, 1, 1)
	require.NoError(t, err)

	_, ok, err := e.EnterTransaction(ctx, "outer", false)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = e.EnterTransaction(ctx, "inner", false)
	require.ErrorIs(t, err, ErrNestedTransaction)
}

func TestExitTransactionWithoutEnterFails(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e, err := NewEngine(ctx, store, 1, 1)
	require.NoError(t, err)

	err = e.ExitTransaction(ctx, textValue("stray"))
	require.Error(t, err)
}

func TestPendingTxExposedOnlyInsideDBEnterSpan(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	e, err := NewEngine(ctx, store, 1, 1)
	require.NoError(t, err)

	_, _, ok := e.PendingTx()
	require.False(t, ok, "no span open yet")
	require.Nil(t, e.CurrentTransactionIndex())

	_, ok, err = e.EnterTransaction(ctx, "sql.query_stream", true)
	require.NoError(t, err)
	require.False(t, ok)

	dbTx, index, ok := e.PendingTx()
	require.True(t, ok)
	require.NotNil(t, dbTx)
	require.Equal(t, int32(0), index)
	require.NotNil(t, e.CurrentTransactionIndex())
	require.Equal(t, int32(0), *e.CurrentTransactionIndex())

	require.NoError(t, e.ExitTransaction(ctx, textValue("done")))

	_, _, ok = e.PendingTx()
	require.False(t, ok, "span closed after exit")
	require.Nil(t, e.CurrentTransactionIndex())
}
