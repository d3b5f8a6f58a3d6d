package migrate

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrator applies Migrations against a live database, tracking history in
// durable.migrations (overriding any default migration-table name the way
// original_source's Migrator::new hard-codes its own table).
type Migrator struct {
	pool *pgxpool.Pool
}

func NewMigrator(pool *pgxpool.Pool) *Migrator {
	return &Migrator{pool: pool}
}

func LatestVersion() int {
	if len(Migrations) == 0 {
		return 0
	}
	return Migrations[len(Migrations)-1].Version
}

type appliedRow struct {
	Version int
	Name    string
}

// bootstrap creates the schema and migrations table with plain DDL run
// outside the versioned list, since the migrations table must exist before
// any version bookkeeping can happen and "durable" itself is what migration
// 1 otherwise creates.
func (m *Migrator) bootstrap(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS durable;
		CREATE TABLE IF NOT EXISTS durable.migrations (
			version integer PRIMARY KEY,
			name text NOT NULL,
			applied_at timestamptz NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate: bootstrap: %w", err)
	}
	return nil
}

func (m *Migrator) history(ctx context.Context, q pgxQuerier) ([]appliedRow, error) {
	rows, err := q.Query(ctx, `SELECT version, name FROM durable.migrations ORDER BY version ASC`)
	if err != nil {
		return nil, fmt.Errorf("migrate: read history: %w", err)
	}
	defer rows.Close()
	var out []appliedRow
	for rows.Next() {
		var r appliedRow
		if err := rows.Scan(&r.Version, &r.Name); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Validate compares the applied history against Migrations without
// mutating anything, returning a *Mismatch wrapping ErrDivergingMigrations
// at the first point of disagreement.
func (m *Migrator) Validate(ctx context.Context) error {
	if err := m.bootstrap(ctx); err != nil {
		return err
	}
	applied, err := m.history(ctx, m.pool)
	if err != nil {
		return err
	}
	for i, a := range applied {
		if i >= len(Migrations) {
			return &Mismatch{ExpectedVersion: 0, ExpectedName: "<none>", FoundVersion: a.Version, FoundName: a.Name}
		}
		expect := Migrations[i]
		if a.Version != expect.Version || a.Name != expect.Name {
			return &Mismatch{
				ExpectedVersion: expect.Version, ExpectedName: expect.Name,
				FoundVersion: a.Version, FoundName: a.Name,
			}
		}
	}
	return nil
}

// Options controls a single Migrate invocation.
type Options struct {
	// Target pins the migration state to a specific version; nil means the
	// latest compiled-in version.
	Target *int
	// AllowRevert permits Target to name a version below what's currently
	// applied; without it Migrate refuses with ErrWouldRevert.
	AllowRevert bool
	// DryRun reports what would run without applying or reverting any
	// migration. The durable schema and the durable.migrations history table
	// are still created first if they do not exist.
	DryRun bool
}

// Migrate brings the database to Options.Target (or latest), validating the
// already-applied prefix against Migrations first so a diverged database is
// never silently built on top of.
func (m *Migrator) Migrate(ctx context.Context, opts Options) ([]Migration, error) {
	if err := m.bootstrap(ctx); err != nil {
		return nil, err
	}
	if err := m.Validate(ctx); err != nil {
		return nil, err
	}
	applied, err := m.history(ctx, m.pool)
	if err != nil {
		return nil, err
	}
	current := 0
	if len(applied) > 0 {
		current = applied[len(applied)-1].Version
	}

	target := LatestVersion()
	if opts.Target != nil {
		target = *opts.Target
	}
	if target < 0 || target > LatestVersion() {
		return nil, ErrVersionOutOfRange
	}

	if target == current {
		return nil, nil
	}
	if target < current && !opts.AllowRevert {
		return nil, ErrWouldRevert
	}

	if target > current {
		return m.applyUp(ctx, current, target, opts.DryRun)
	}
	return m.applyDown(ctx, current, target, opts.DryRun)
}

func (m *Migrator) applyUp(ctx context.Context, current, target int, dryRun bool) ([]Migration, error) {
	var toApply []Migration
	for _, mg := range Migrations {
		if mg.Version > current && mg.Version <= target {
			toApply = append(toApply, mg)
		}
	}
	sort.Slice(toApply, func(i, j int) bool { return toApply[i].Version < toApply[j].Version })

	if dryRun {
		return toApply, nil
	}
	for _, mg := range toApply {
		if err := m.runStep(ctx, mg.Up, mg.Version, mg.Name, true); err != nil {
			return nil, fmt.Errorf("migrate: apply %d (%s): %w", mg.Version, mg.Name, err)
		}
	}
	return toApply, nil
}

func (m *Migrator) applyDown(ctx context.Context, current, target int, dryRun bool) ([]Migration, error) {
	var toRevert []Migration
	for _, mg := range Migrations {
		if mg.Version <= current && mg.Version > target {
			toRevert = append(toRevert, mg)
		}
	}
	sort.Slice(toRevert, func(i, j int) bool { return toRevert[i].Version > toRevert[j].Version })

	for _, mg := range toRevert {
		if mg.Down == "" {
			return nil, fmt.Errorf("%w: version %d (%s)", ErrMissingDownMigration, mg.Version, mg.Name)
		}
	}
	if dryRun {
		return toRevert, nil
	}
	for _, mg := range toRevert {
		if err := m.runStep(ctx, mg.Down, mg.Version, mg.Name, false); err != nil {
			return nil, fmt.Errorf("migrate: revert %d (%s): %w", mg.Version, mg.Name, err)
		}
	}
	return toRevert, nil
}

func (m *Migrator) runStep(ctx context.Context, script string, version int, name string, up bool) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, script); err != nil {
		return err
	}
	if up {
		if _, err := tx.Exec(ctx, `INSERT INTO durable.migrations (version, name) VALUES ($1, $2)`, version, name); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(ctx, `DELETE FROM durable.migrations WHERE version = $1`, version); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}
