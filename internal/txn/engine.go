package txn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/iopsystems/durable/internal/detsim"
	"github.com/iopsystems/durable/internal/journal"
	"github.com/iopsystems/durable/internal/observability"
)

// Engine replays a single task's journal and appends new entries as the
// guest program makes further host calls. One Engine is created per task
// execution attempt and discarded when that attempt ends (success, failure,
// or suspend) — it is never shared across tasks or goroutines.
type Engine struct {
	store    journal.Store
	taskID   int64
	workerID int64

	replay    []journal.Event
	nextIndex int32

	// sched is the fairness seam a deterministic test harness would swap
	// out; production always runs detsim.NoopScheduler.
	sched detsim.Scheduler

	// inTransaction is the per-task-execution nested-transaction guard.
	// Carrying it as a field here (rather than a package-level variable)
	// is the deliberate replacement for original_source's process-global
	// IN_TRANSACTION cell: two tasks running concurrently in the same
	// worker process each get their own Engine and therefore their own
	// flag.
	inTransaction bool

	// pending holds the state an EnterTransaction call left open, waiting
	// for the matching ExitTransaction — the split-call counterpart of
	// Transact's single synchronous closure, used when the caller is a
	// WASM guest whose "body" runs as its own separate host-boundary calls
	// rather than as a Go function Transact can invoke directly.
	pending *pendingTransaction
}

type pendingTransaction struct {
	index int32
	label string
	isDB  bool
	dbTx  pgx.Tx
	guard detsim.Guard
}

// NewEngine loads taskID's full event history so replay can validate
// against it before any new host call is journaled.
func NewEngine(ctx context.Context, store journal.Store, taskID, workerID int64) (*Engine, error) {
	events, err := store.ReadEvents(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("txn: load history for task %d: %w", taskID, err)
	}
	return &Engine{store: store, taskID: taskID, workerID: workerID, replay: events, sched: detsim.NoopScheduler}, nil
}

// IsReplaying reports whether the next Enter will be served from the
// journaled history rather than executing live.
func (e *Engine) IsReplaying() bool {
	return int(e.nextIndex) < len(e.replay)
}

// TaskID returns the task this engine is bound to.
func (e *Engine) TaskID() int64 { return e.taskID }

// PendingTx returns the database transaction opened by the currently open
// EnterTransaction span, if any — a host call that needs to run further
// statements against the same transaction (a SQL row cursor, say) before
// the guest calls ExitTransaction uses this rather than opening its own.
// ok is false outside any EnterTransaction span, including inside a
// Transact closure, which manages its own pgx.Tx internally.
func (e *Engine) PendingTx() (tx pgx.Tx, index int32, ok bool) {
	if e.pending == nil {
		return nil, 0, false
	}
	return e.pending.dbTx, e.pending.index, true
}

// CurrentTransactionIndex returns the journal index of the currently open
// EnterTransaction span, or nil if none is open. Resource handles created
// while a span is open are checked against this on every later use, so a
// resource can't leak into a different transaction than the one that
// created it.
func (e *Engine) CurrentTransactionIndex() *int32 {
	if e.pending == nil {
		return nil
	}
	return &e.pending.index
}

// Transact journals exactly one host-call outcome. On replay it validates
// label/isDB against the recorded fingerprint and returns the recorded
// value (or re-raises the recorded panic) without invoking fn. On live
// execution it runs fn, captures any panic, and appends the result to the
// journal before returning it. isDB transactions additionally bind a pgx.Tx
// passed to fn so SQL host calls commit atomically with the journal write.
func (e *Engine) Transact(
	ctx context.Context,
	label string,
	isDB bool,
	fn func(ctx context.Context, dbTx pgx.Tx) (json.RawMessage, error),
) (json.RawMessage, error) {
	if e.inTransaction {
		return nil, ErrNestedTransaction
	}

	index := e.nextIndex
	if int(index) < len(e.replay) {
		observability.HostCallsTotal.WithLabelValues(label, "true").Inc()
		return e.replayAt(index, label, isDB)
	}
	observability.HostCallsTotal.WithLabelValues(label, "false").Inc()

	guard, err := e.sched.Acquire(ctx, detsim.Component{Kind: detsim.ComponentTaskTxn, WorkerID: e.workerID, TaskID: e.taskID, Label: label})
	if err != nil {
		return nil, fmt.Errorf("txn: transaction scheduling denied: %w", err)
	}
	defer guard.Release()

	e.inTransaction = true
	defer func() { e.inTransaction = false }()

	var dbTx pgx.Tx
	if isDB {
		tx, err := e.store.BeginTx(ctx)
		if err != nil {
			return nil, fmt.Errorf("txn: begin db transaction: %w", err)
		}
		dbTx = tx
	}

	value, panicked, panicMsg, fnErr := e.runCaptured(ctx, dbTx, fn)

	var envelope Envelope
	switch {
	case panicked:
		envelope = panicEnvelope(panicMsg)
	case fnErr != nil:
		if dbTx != nil {
			_ = dbTx.Rollback(ctx)
		}
		return nil, fnErr
	default:
		envelope = valueEnvelope(value)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		if dbTx != nil {
			_ = dbTx.Rollback(ctx)
		}
		return nil, fmt.Errorf("txn: marshal envelope: %w", err)
	}

	if err := e.store.AppendEvent(ctx, dbTx, e.taskID, index, label, isDB, payload); err != nil {
		if dbTx != nil {
			_ = dbTx.Rollback(ctx)
		}
		return nil, fmt.Errorf("txn: append event: %w", err)
	}
	if dbTx != nil {
		if err := dbTx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("txn: commit db transaction: %w", err)
		}
	}

	e.replay = append(e.replay, journal.Event{TaskID: e.taskID, Index: index, Label: label, IsDB: isDB, Data: payload})
	e.nextIndex++
	e.sched.Notify(detsim.ScheduleEvent{Kind: detsim.EventTransactionLogged, WorkerID: e.workerID, TaskID: e.taskID})

	if panicked {
		panic(WorkflowPanic{Message: panicMsg})
	}
	return value, nil
}

// EnterTransaction is transaction.enter(label, is-db)'s host-side half, for
// callers (the sandbox ABI) that cannot hand Transact a single synchronous
// Go closure because the "body" is guest code running across further,
// separate host-boundary calls. On replay it returns the recorded value
// immediately with ok=true. On live execution it claims the
// nested-transaction guard, opens a pgx.Tx when isDB, and returns ok=false:
// the caller must run the body itself and report it via ExitTransaction.
func (e *Engine) EnterTransaction(ctx context.Context, label string, isDB bool) (value json.RawMessage, ok bool, err error) {
	if e.inTransaction {
		return nil, false, ErrNestedTransaction
	}
	index := e.nextIndex
	if int(index) < len(e.replay) {
		v, rerr := e.replayAt(index, label, isDB)
		return v, true, rerr
	}

	guard, gerr := e.sched.Acquire(ctx, detsim.Component{Kind: detsim.ComponentTaskTxn, WorkerID: e.workerID, TaskID: e.taskID, Label: label})
	if gerr != nil {
		return nil, false, fmt.Errorf("txn: transaction scheduling denied: %w", gerr)
	}

	e.inTransaction = true
	var dbTx pgx.Tx
	if isDB {
		tx, berr := e.store.BeginTx(ctx)
		if berr != nil {
			e.inTransaction = false
			guard.Release()
			return nil, false, fmt.Errorf("txn: begin db transaction: %w", berr)
		}
		dbTx = tx
	}
	e.pending = &pendingTransaction{index: index, label: label, isDB: isDB, dbTx: dbTx, guard: guard}
	return nil, false, nil
}

// ExitTransaction is EnterTransaction's exit(data) half: it journals data as
// the recorded outcome and releases the nested-transaction guard. Only
// valid on the live path — replay never leaves a pending transaction open
// after Enter returns ok=true.
func (e *Engine) ExitTransaction(ctx context.Context, data json.RawMessage) error {
	p := e.pending
	if p == nil {
		return ErrNotInTransaction
	}
	e.pending = nil
	defer func() { e.inTransaction = false }()
	defer p.guard.Release()

	payload, err := json.Marshal(valueEnvelope(data))
	if err != nil {
		if p.dbTx != nil {
			_ = p.dbTx.Rollback(ctx)
		}
		return fmt.Errorf("txn: marshal envelope: %w", err)
	}
	if err := e.store.AppendEvent(ctx, p.dbTx, e.taskID, p.index, p.label, p.isDB, payload); err != nil {
		if p.dbTx != nil {
			_ = p.dbTx.Rollback(ctx)
		}
		return fmt.Errorf("txn: append event: %w", err)
	}
	if p.dbTx != nil {
		if err := p.dbTx.Commit(ctx); err != nil {
			return fmt.Errorf("txn: commit db transaction: %w", err)
		}
	}
	e.replay = append(e.replay, journal.Event{TaskID: e.taskID, Index: p.index, Label: p.label, IsDB: p.isDB, Data: payload})
	e.nextIndex++
	e.sched.Notify(detsim.ScheduleEvent{Kind: detsim.EventTransactionLogged, WorkerID: e.workerID, TaskID: e.taskID})
	return nil
}

func (e *Engine) replayAt(index int32, label string, isDB bool) (json.RawMessage, error) {
	recorded := e.replay[index]
	if recorded.Label != label || recorded.IsDB != isDB {
		return nil, &DivergenceError{
			TaskID: e.taskID, Index: index,
			WantLabel: recorded.Label, WantIsDB: recorded.IsDB,
			GotLabel: label, GotIsDB: isDB,
		}
	}
	var envelope Envelope
	if err := json.Unmarshal(recorded.Data, &envelope); err != nil {
		return nil, fmt.Errorf("txn: corrupt envelope at index %d: %w", index, err)
	}
	e.nextIndex++

	switch envelope.Type {
	case EnvelopeValue:
		return envelope.Data, nil
	case EnvelopePanic:
		var p PanicPayload
		_ = json.Unmarshal(envelope.Data, &p)
		if p.Message == "" {
			p.Message = UnknownPanicMessage
		}
		panic(WorkflowPanic{Message: p.Message})
	default:
		return nil, fmt.Errorf("txn: unknown envelope type %q at index %d", envelope.Type, index)
	}
}

// runCaptured runs fn and converts any panic into a (panicked, panicMsg)
// result that Transact journals as a panic envelope, mirroring
// original_source's catch_unwind at the transaction boundary. An ordinary
// error from fn is returned as err and is not journaled.
func (e *Engine) runCaptured(
	ctx context.Context,
	dbTx pgx.Tx,
	fn func(ctx context.Context, dbTx pgx.Tx) (json.RawMessage, error),
) (value json.RawMessage, panicked bool, panicMsg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			panicMsg = panicMessage(r)
		}
	}()
	value, err = fn(ctx, dbTx)
	return
}

func panicMessage(r any) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	default:
		return UnknownPanicMessage
	}
}
