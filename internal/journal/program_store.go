package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// programRow is the GORM-mapped shape of durable.wasm, kept separate from
// the pgx-facing Program struct so the catalog's simple CRUD can ride GORM
// the way the teacher's administrative tables do, while the journal store's
// locking-sensitive tables stay on raw pgx.
type programRow struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;primaryKey;default:uuid_generate_v4()"`
	Name      string    `gorm:"column:name;index"`
	Hash      string    `gorm:"column:hash;uniqueIndex"`
	Wasm      []byte    `gorm:"column:wasm"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (programRow) TableName() string { return "durable.wasm" }

// ProgramStore manages the catalog of compiled WebAssembly components,
// deduplicated by content hash — grounded on the teacher's GORM-backed
// catalog tables (internal/data/db/postgres.go's AutoMigrateAll pattern),
// kept distinct from the claim-sensitive pgx Store.
type ProgramStore struct {
	db *gorm.DB
}

func NewProgramStore(db *gorm.DB) *ProgramStore {
	return &ProgramStore{db: db}
}

func (p *ProgramStore) AutoMigrate() error {
	return p.db.AutoMigrate(&programRow{})
}

// Register inserts wasm under name if its content hash hasn't been seen
// before, returning the existing row otherwise so repeated `launch` calls
// against unchanged binaries don't grow the catalog unboundedly.
func (p *ProgramStore) Register(name string, wasm []byte) (*Program, error) {
	sum := sha256.Sum256(wasm)
	hash := hex.EncodeToString(sum[:])

	var existing programRow
	err := p.db.Where("hash = ?", hash).First(&existing).Error
	if err == nil {
		return toProgram(existing), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	row := programRow{Name: name, Hash: hash, Wasm: wasm, CreatedAt: time.Now()}
	if err := p.db.Create(&row).Error; err != nil {
		return nil, err
	}
	return toProgram(row), nil
}

func (p *ProgramStore) ByID(id uuid.UUID) (*Program, error) {
	var row programRow
	if err := p.db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	return toProgram(row), nil
}

func (p *ProgramStore) ByName(name string) (*Program, error) {
	var row programRow
	if err := p.db.Where("name = ?", name).Order("created_at DESC").First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProgramNotFound
		}
		return nil, err
	}
	return toProgram(row), nil
}

func toProgram(r programRow) *Program {
	return &Program{ID: r.ID, Name: r.Name, Hash: r.Hash, Wasm: r.Wasm, CreatedAt: r.CreatedAt}
}
