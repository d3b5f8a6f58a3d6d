// Package migrate applies and verifies the versioned SQL migrations that
// create and evolve the durable schema. It is a sequenced up/down runner
// rather than GORM's reflective AutoMigrate, because only an explicit
// sequence can detect a database that diverged from the compiled-in
// migration list or refuse an accidental downgrade — grounded in
// original_source's durable-migrate crate.
package migrate

import (
	"errors"
	"fmt"
)

var (
	ErrDivergingMigrations    = errors.New("migrate: applied migration history diverges from the compiled-in list")
	ErrVersionOutOfRange      = errors.New("migrate: requested version is out of range")
	ErrWouldRevert            = errors.New("migrate: operation would revert already-applied migrations")
	ErrMissingDownMigration   = errors.New("migrate: migration has no down script but a revert was requested")
	ErrMissingTargetMigration = errors.New("migrate: no migration exists at the requested target version")
)

// Mismatch describes exactly where an applied migration disagrees with the
// compiled-in list, mirroring original_source's DivergingMigrationError.
type Mismatch struct {
	ExpectedVersion int
	ExpectedName    string
	FoundVersion    int
	FoundName       string
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf(
		"migrate: expected migration %d (%q) but database recorded %d (%q)",
		m.ExpectedVersion, m.ExpectedName, m.FoundVersion, m.FoundName,
	)
}

func (m *Mismatch) Unwrap() error { return ErrDivergingMigrations }
