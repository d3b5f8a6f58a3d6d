package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/iopsystems/durable/internal/journal"
)

// connections bundles the two database handles durablectl needs: a pgxpool
// for the journal.Store's claim-sensitive tables, and a gorm.DB for the
// program catalog, mirroring how the worker process and the teacher's own
// gorm.Open bootstrap (internal/db/postgres.go) each reach the same
// database through the driver suited to what they touch.
type connections struct {
	pool  *pgxpool.Pool
	store journal.Store
	progs *journal.ProgramStore
}

func connect(ctx context.Context) (*connections, func(), error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	gdb, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect gorm: %w", err)
	}

	conns := &connections{
		pool:  pool,
		store: journal.NewStore(pool),
		progs: journal.NewProgramStore(gdb),
	}
	cleanup := func() { pool.Close() }
	return conns, cleanup, nil
}
