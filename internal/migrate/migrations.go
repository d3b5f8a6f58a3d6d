package migrate

// Migration is one versioned step in the schema's history. Down may be
// empty, in which case reverting past it fails with ErrMissingDownMigration
// rather than silently skipping the step.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrations is the compiled-in, ordered history of the durable schema.
// Entries are never edited once released — only appended — so that a
// deployed database's applied history can be diffed against this exact
// slice to detect drift.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "create_schema",
		Up: `
			CREATE SCHEMA IF NOT EXISTS durable;
			CREATE EXTENSION IF NOT EXISTS "uuid-ossp";
		`,
		Down: `DROP SCHEMA IF EXISTS durable CASCADE;`,
	},
	{
		Version: 2,
		Name:    "create_wasm",
		Up: `
			CREATE TABLE durable.wasm (
				id uuid PRIMARY KEY DEFAULT uuid_generate_v4(),
				name text NOT NULL,
				hash text NOT NULL UNIQUE,
				wasm bytea NOT NULL,
				created_at timestamptz NOT NULL DEFAULT now()
			);
			CREATE INDEX ON durable.wasm (name);
		`,
		Down: `DROP TABLE IF EXISTS durable.wasm;`,
	},
	{
		Version: 3,
		Name:    "create_worker",
		Up: `
			CREATE TABLE durable.worker (
				id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
				hostname text NOT NULL,
				started_at timestamptz NOT NULL DEFAULT now(),
				last_seen_at timestamptz NOT NULL DEFAULT now()
			);
		`,
		Down: `DROP TABLE IF EXISTS durable.worker;`,
	},
	{
		Version: 4,
		Name:    "create_task",
		Up: `
			CREATE TABLE durable.task (
				id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
				name text NOT NULL,
				program_id uuid NOT NULL REFERENCES durable.wasm (id),
				data jsonb NOT NULL DEFAULT '{}'::jsonb,
				state text NOT NULL DEFAULT 'ready'
					CHECK (state IN ('ready','active','suspended','complete','failed')),
				running_on bigint REFERENCES durable.worker (id) ON DELETE SET NULL,
				last_error text,
				result jsonb,
				created_at timestamptz NOT NULL DEFAULT now(),
				updated_at timestamptz NOT NULL DEFAULT now(),
				attempt_started_at timestamptz,
				completed_at timestamptz
			);
			CREATE INDEX ON durable.task (state);
			CREATE INDEX ON durable.task (running_on);
		`,
		Down: `DROP TABLE IF EXISTS durable.task;`,
	},
	{
		Version: 5,
		Name:    "create_event",
		Up: `
			CREATE TABLE durable.event (
				task_id bigint NOT NULL REFERENCES durable.task (id) ON DELETE CASCADE,
				index integer NOT NULL,
				label text NOT NULL,
				is_db boolean NOT NULL DEFAULT false,
				data jsonb NOT NULL,
				created_at timestamptz NOT NULL DEFAULT now(),
				PRIMARY KEY (task_id, index)
			);
		`,
		Down: `DROP TABLE IF EXISTS durable.event;`,
	},
	{
		Version: 6,
		Name:    "create_notification",
		Up: `
			CREATE TABLE durable.notification (
				id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
				task_id bigint NOT NULL REFERENCES durable.task (id) ON DELETE CASCADE,
				event text NOT NULL,
				data jsonb NOT NULL DEFAULT '{}'::jsonb,
				created_at timestamptz NOT NULL DEFAULT now()
			);
			CREATE INDEX ON durable.notification (task_id, created_at);
		`,
		Down: `DROP TABLE IF EXISTS durable.notification;`,
	},
	{
		Version: 7,
		Name:    "create_log",
		Up: `
			CREATE TABLE durable.log (
				task_id bigint NOT NULL REFERENCES durable.task (id) ON DELETE CASCADE,
				index integer NOT NULL,
				level text NOT NULL,
				message text NOT NULL,
				created_at timestamptz NOT NULL DEFAULT now(),
				PRIMARY KEY (task_id, index)
			);
		`,
		Down: `DROP TABLE IF EXISTS durable.log;`,
	},
	{
		Version: 8,
		Name:    "add_task_wakeup_at",
		Up: `
			ALTER TABLE durable.task ADD COLUMN wakeup_at timestamptz;
			CREATE INDEX ON durable.task (wakeup_at) WHERE state = 'suspended';
		`,
		Down: `ALTER TABLE durable.task DROP COLUMN wakeup_at;`,
	},
}
