package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the full set of operations the rest of the engine needs against
// the durable schema. It is deliberately narrow and typed rather than a
// generic repository, mirroring the teacher's per-entity repo interfaces
// (e.g. JobRunRepo) rather than exposing a raw query surface.
type Store interface {
	RegisterWorker(ctx context.Context, hostname string) (*Worker, error)
	HeartbeatWorker(ctx context.Context, workerID int64) error
	DeleteWorker(ctx context.Context, workerID int64) error
	ListLiveWorkers(ctx context.Context, ttl time.Duration) ([]Worker, error)
	EvictDeadWorkers(ctx context.Context, ttl time.Duration) ([]int64, error)

	GetProgram(ctx context.Context, id uuid.UUID) (*Program, error)
	GetProgramByName(ctx context.Context, name string) (*Program, error)

	CreateTask(ctx context.Context, name string, programID uuid.UUID, data json.RawMessage) (*Task, error)
	ClaimReadyTask(ctx context.Context, workerID int64) (*Task, error)
	GetTask(ctx context.Context, id int64) (*Task, error)
	CompleteTask(ctx context.Context, id, workerID int64, result json.RawMessage) error
	FailTask(ctx context.Context, id, workerID int64, errMsg string) error
	SuspendTask(ctx context.Context, id, workerID int64) error
	// SuspendTaskUntil is SuspendTask but additionally records wakeupAt, so
	// the leader's periodic scan can promote the task back to ready once
	// that instant passes even if no notification ever arrives — the path
	// a long clocks.sleep takes instead of blocking a worker goroutine.
	SuspendTaskUntil(ctx context.Context, id, workerID int64, wakeupAt time.Time) error
	ReclaimDeadTasksFrom(ctx context.Context, deadWorkerIDs []int64) (int64, error)
	WakeSuspendedTasks(ctx context.Context, limit int) ([]int64, error)
	ListStuckTasks(ctx context.Context, olderThan time.Duration) ([]Task, error)

	NextEventIndex(ctx context.Context, taskID int64) (int32, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, taskID int64, index int32, label string, isDB bool, data json.RawMessage) error
	ReadEvents(ctx context.Context, taskID int64) ([]Event, error)

	EnqueueNotification(ctx context.Context, taskID int64, event string, data json.RawMessage) error
	PollNotification(ctx context.Context, tx pgx.Tx, taskID int64) (*Notification, error)

	AppendLog(ctx context.Context, taskID int64, index int32, level, message string) error
	ReadLogs(ctx context.Context, taskID int64) ([]LogEntry, error)

	// BeginTx starts a pgx transaction the caller owns the lifecycle of;
	// used by the transaction engine for is_db=true journal entries and by
	// the suspend/notify protocol's poll-under-lock step.
	BeginTx(ctx context.Context) (pgx.Tx, error)
}

type pgStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

func (s *pgStore) RegisterWorker(ctx context.Context, hostname string) (*Worker, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO durable.worker (hostname, started_at, last_seen_at)
		VALUES ($1, now(), now())
		RETURNING id, hostname, started_at, last_seen_at`, hostname)
	w := &Worker{}
	if err := row.Scan(&w.ID, &w.Hostname, &w.StartedAt, &w.LastSeenAt); err != nil {
		return nil, fmt.Errorf("journal: register worker: %w", err)
	}
	return w, nil
}

func (s *pgStore) HeartbeatWorker(ctx context.Context, workerID int64) error {
	ct, err := s.pool.Exec(ctx, `UPDATE durable.worker SET last_seen_at = now() WHERE id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("journal: heartbeat worker: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrWorkerNotFound
	}
	return nil
}

func (s *pgStore) DeleteWorker(ctx context.Context, workerID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM durable.worker WHERE id = $1`, workerID)
	if err != nil {
		return fmt.Errorf("journal: delete worker: %w", err)
	}
	_, err = s.pool.Exec(ctx, `SELECT pg_notify('durable_worker', $1)`, fmt.Sprintf("%d", workerID))
	return err
}

func (s *pgStore) ListLiveWorkers(ctx context.Context, ttl time.Duration) ([]Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, started_at, last_seen_at
		FROM durable.worker
		WHERE last_seen_at > now() - $1::interval
		ORDER BY id ASC`, ttl.String())
	if err != nil {
		return nil, fmt.Errorf("journal: list live workers: %w", err)
	}
	defer rows.Close()
	var out []Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.ID, &w.Hostname, &w.StartedAt, &w.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *pgStore) EvictDeadWorkers(ctx context.Context, ttl time.Duration) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM durable.worker
		WHERE last_seen_at <= now() - $1::interval
		RETURNING id`, ttl.String())
	if err != nil {
		return nil, fmt.Errorf("journal: evict dead workers: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *pgStore) GetProgram(ctx context.Context, id uuid.UUID) (*Program, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, hash, wasm, created_at FROM durable.wasm WHERE id = $1`, id)
	p := &Program{}
	if err := row.Scan(&p.ID, &p.Name, &p.Hash, &p.Wasm, &p.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProgramNotFound
		}
		return nil, fmt.Errorf("journal: get program: %w", err)
	}
	return p, nil
}

func (s *pgStore) GetProgramByName(ctx context.Context, name string) (*Program, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, hash, wasm, created_at FROM durable.wasm
		WHERE name = $1 ORDER BY created_at DESC LIMIT 1`, name)
	p := &Program{}
	if err := row.Scan(&p.ID, &p.Name, &p.Hash, &p.Wasm, &p.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProgramNotFound
		}
		return nil, fmt.Errorf("journal: get program by name: %w", err)
	}
	return p, nil
}

func (s *pgStore) CreateTask(ctx context.Context, name string, programID uuid.UUID, data json.RawMessage) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO durable.task (name, program_id, data, state, created_at, updated_at)
		VALUES ($1, $2, $3, 'ready', now(), now())
		RETURNING id, name, program_id, data, state, created_at, updated_at`,
		name, programID, data)
	t := &Task{}
	if err := row.Scan(&t.ID, &t.Name, &t.ProgramID, &t.Data, &t.State, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("journal: create task: %w", err)
	}
	_, err := s.pool.Exec(ctx, `SELECT pg_notify('durable_task', $1)`, fmt.Sprintf("%d", t.ID))
	return t, err
}

// ClaimReadyTask atomically claims the oldest ready task (or a suspended
// task that became ready again) for workerID, using SKIP LOCKED so
// concurrently racing workers never block on each other — grounded on the
// teacher's ClaimNextRunnable repository method.
func (s *pgStore) ClaimReadyTask(ctx context.Context, workerID int64) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("journal: claim ready task: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT id, name, program_id, data, state, created_at, updated_at
		FROM durable.task
		WHERE state = 'ready'
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`)
	t := &Task{}
	if err := row.Scan(&t.ID, &t.Name, &t.ProgramID, &t.Data, &t.State, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: claim ready task: scan: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE durable.task
		SET state = 'active', running_on = $2, attempt_started_at = now(), updated_at = now()
		WHERE id = $1`, t.ID, workerID); err != nil {
		return nil, fmt.Errorf("journal: claim ready task: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("journal: claim ready task: commit: %w", err)
	}
	t.State = TaskActive
	t.RunningOn = &workerID
	return t, nil
}

func (s *pgStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, program_id, data, state, running_on, last_error, result,
		       created_at, updated_at, attempt_started_at, completed_at, wakeup_at
		FROM durable.task WHERE id = $1`, id)
	t := &Task{}
	if err := row.Scan(&t.ID, &t.Name, &t.ProgramID, &t.Data, &t.State, &t.RunningOn, &t.LastError,
		&t.Result, &t.CreatedAt, &t.UpdatedAt, &t.AttemptStartedAt, &t.CompletedAt, &t.WakeupAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("journal: get task: %w", err)
	}
	return t, nil
}

func (s *pgStore) CompleteTask(ctx context.Context, id, workerID int64, result json.RawMessage) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE durable.task
		SET state = 'complete', running_on = NULL, result = $3, completed_at = now(), updated_at = now()
		WHERE id = $1 AND state = 'active' AND running_on = $2`, id, workerID, result)
	if err != nil {
		return fmt.Errorf("journal: complete task: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotScheduledOnWorker
	}
	return nil
}

func (s *pgStore) FailTask(ctx context.Context, id, workerID int64, errMsg string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE durable.task
		SET state = 'failed', running_on = NULL, last_error = $3, completed_at = now(), updated_at = now()
		WHERE id = $1 AND state = 'active' AND running_on = $2`, id, workerID, errMsg)
	if err != nil {
		return fmt.Errorf("journal: fail task: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotScheduledOnWorker
	}
	return nil
}

func (s *pgStore) SuspendTask(ctx context.Context, id, workerID int64) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE durable.task
		SET state = 'suspended', running_on = NULL, wakeup_at = NULL, updated_at = now()
		WHERE id = $1 AND state = 'active' AND running_on = $2`, id, workerID)
	if err != nil {
		return fmt.Errorf("journal: suspend task: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotScheduledOnWorker
	}
	return nil
}

func (s *pgStore) SuspendTaskUntil(ctx context.Context, id, workerID int64, wakeupAt time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE durable.task
		SET state = 'suspended', running_on = NULL, wakeup_at = $3, updated_at = now()
		WHERE id = $1 AND state = 'active' AND running_on = $2`, id, workerID, wakeupAt)
	if err != nil {
		return fmt.Errorf("journal: suspend task until: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotScheduledOnWorker
	}
	return nil
}

// ReclaimDeadTasksFrom returns active tasks of the given dead workers to
// ready. By the time the leader calls it, EvictDeadWorkers has deleted those
// worker rows and the ON DELETE SET NULL foreign key has cleared running_on,
// so active tasks with no running_on are matched as well.
func (s *pgStore) ReclaimDeadTasksFrom(ctx context.Context, deadWorkerIDs []int64) (int64, error) {
	if len(deadWorkerIDs) == 0 {
		return 0, nil
	}
	ct, err := s.pool.Exec(ctx, `
		UPDATE durable.task
		SET state = 'ready', running_on = NULL, updated_at = now()
		WHERE state = 'active' AND (running_on IS NULL OR running_on = ANY($1))`, deadWorkerIDs)
	if err != nil {
		return 0, fmt.Errorf("journal: reclaim dead tasks: %w", err)
	}
	return ct.RowsAffected(), nil
}

// WakeSuspendedTasks promotes suspended tasks back to ready, either because
// a notification is now waiting for them or because their scheduled
// wakeup_at instant has passed — spec.md §4.6's two wake-up triggers.
func (s *pgStore) WakeSuspendedTasks(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE durable.task
		SET state = 'ready', wakeup_at = NULL, updated_at = now()
		WHERE id IN (
			SELECT t.id FROM durable.task t
			WHERE t.state = 'suspended'
			  AND (
			    EXISTS (SELECT 1 FROM durable.notification n WHERE n.task_id = t.id)
			    OR t.wakeup_at <= now()
			  )
			ORDER BY t.updated_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: wake suspended tasks: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStuckTasks is observability-only (Component::StuckNotify in the
// original): tasks still active whose current attempt started more than
// olderThan ago. Journal growth is not considered. It never mutates state.
func (s *pgStore) ListStuckTasks(ctx context.Context, olderThan time.Duration) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, program_id, data, state, running_on, last_error, result,
		       created_at, updated_at, attempt_started_at, completed_at, wakeup_at
		FROM durable.task
		WHERE state = 'active' AND attempt_started_at < now() - $1::interval`, olderThan.String())
	if err != nil {
		return nil, fmt.Errorf("journal: list stuck tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Name, &t.ProgramID, &t.Data, &t.State, &t.RunningOn, &t.LastError,
			&t.Result, &t.CreatedAt, &t.UpdatedAt, &t.AttemptStartedAt, &t.CompletedAt, &t.WakeupAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *pgStore) NextEventIndex(ctx context.Context, taskID int64) (int32, error) {
	row := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(index) + 1, 0) FROM durable.event WHERE task_id = $1`, taskID)
	var idx int32
	if err := row.Scan(&idx); err != nil {
		return 0, fmt.Errorf("journal: next event index: %w", err)
	}
	return idx, nil
}

func (s *pgStore) AppendEvent(ctx context.Context, tx pgx.Tx, taskID int64, index int32, label string, isDB bool, data json.RawMessage) error {
	exec := execFor(s.pool, tx)
	_, err := exec.Exec(ctx, `
		INSERT INTO durable.event (task_id, index, label, is_db, data, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`, taskID, index, label, isDB, data)
	if err != nil {
		return fmt.Errorf("journal: append event: %w", err)
	}
	return nil
}

func (s *pgStore) ReadEvents(ctx context.Context, taskID int64) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, index, label, is_db, data, created_at
		FROM durable.event WHERE task_id = $1 ORDER BY index ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("journal: read events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.TaskID, &e.Index, &e.Label, &e.IsDB, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgStore) EnqueueNotification(ctx context.Context, taskID int64, event string, data json.RawMessage) error {
	row := s.pool.QueryRow(ctx, `SELECT state FROM durable.task WHERE id = $1`, taskID)
	var state TaskState
	if err := row.Scan(&state); err != nil {
		if err == pgx.ErrNoRows {
			return ErrTaskNotFound
		}
		return fmt.Errorf("journal: enqueue notification: %w", err)
	}
	if state == TaskComplete || state == TaskFailed {
		return ErrTaskDead
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO durable.notification (task_id, event, data, created_at)
		VALUES ($1, $2, $3, now())`, taskID, event, data); err != nil {
		return fmt.Errorf("journal: enqueue notification: %w", err)
	}
	_, err := s.pool.Exec(ctx, `SELECT pg_notify('durable_notification', $1)`, fmt.Sprintf("%d", taskID))
	return err
}

// PollNotification removes and returns the oldest pending notification for
// taskID within tx, or nil if none is pending — grounded on
// poll_notification's DELETE ... RETURNING pattern over a FOR UPDATE subquery.
func (s *pgStore) PollNotification(ctx context.Context, tx pgx.Tx, taskID int64) (*Notification, error) {
	row := tx.QueryRow(ctx, `
		DELETE FROM durable.notification
		WHERE ctid IN (
			SELECT ctid FROM durable.notification
			WHERE task_id = $1
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE
		)
		RETURNING id, task_id, event, data, created_at`, taskID)
	n := &Notification{}
	if err := row.Scan(&n.ID, &n.TaskID, &n.Event, &n.Data, &n.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: poll notification: %w", err)
	}
	return n, nil
}

func (s *pgStore) AppendLog(ctx context.Context, taskID int64, index int32, level, message string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO durable.log (task_id, index, level, message, created_at)
		VALUES ($1, $2, $3, $4, now())`, taskID, index, level, message)
	if err != nil {
		return fmt.Errorf("journal: append log: %w", err)
	}
	return nil
}

// ReadLogs returns a task's diagnostic output in emission order, the read
// half of AppendLog used by the durablectl logs subcommand.
func (s *pgStore) ReadLogs(ctx context.Context, taskID int64) ([]LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, index, level, message, created_at
		FROM durable.log WHERE task_id = $1 ORDER BY index ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("journal: read logs: %w", err)
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.TaskID, &l.Index, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// pgxExecutor is the narrow Exec surface both *pgxpool.Pool and pgx.Tx
// satisfy, letting AppendEvent participate in a caller's is_db=true
// transaction without duplicating the query for the non-transactional case.
type pgxExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func execFor(pool *pgxpool.Pool, tx pgx.Tx) pgxExecutor {
	if tx != nil {
		return tx
	}
	return pool
}
