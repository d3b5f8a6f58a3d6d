// Package config loads the runtime options that govern a durable worker
// process: database connectivity, lease and suspend timing, and the
// resource limits the host API surface enforces against guest programs.
package config

import (
	"fmt"
	"time"

	"github.com/iopsystems/durable/internal/platform/envutil"
)

type Config struct {
	DatabaseURL string

	LogMode string

	// HeartbeatInterval is how often a live worker refreshes its lease row.
	HeartbeatInterval time.Duration
	// LeaseTTL is how long a worker's lease is honored without a heartbeat
	// before the registry considers it dead.
	LeaseTTL time.Duration
	// SuspendMargin is subtracted from SuspendTimeout when an indefinite
	// notification wait computes its deadline, so the suspend transition is
	// attempted that much earlier. Timed waits do not use it.
	SuspendMargin time.Duration
	// SuspendTimeout bounds how long a task may block waiting on a
	// notification before it is moved to the suspended state.
	SuspendTimeout time.Duration

	MaxHTTPTimeout       time.Duration
	MaxReturnedBufferLen int

	DebugEmitTaskLogs bool

	// Migrate runs pending migrations at startup when true.
	Migrate bool
	// ValidateDatabase checks the applied migration history against the
	// compiled-in migration list at startup without applying anything.
	ValidateDatabase bool

	WorkerSlots int

	MetricsAddr string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: envutil.String("DATABASE_URL", ""),

		LogMode: envutil.String("LOG_MODE", "development"),

		HeartbeatInterval: envutil.Duration("DURABLE_HEARTBEAT_INTERVAL", 5*time.Second),
		LeaseTTL:          envutil.Duration("DURABLE_LEASE_TTL", 15*time.Second),
		SuspendMargin:     envutil.Duration("DURABLE_SUSPEND_MARGIN", 250*time.Millisecond),
		SuspendTimeout:    envutil.Duration("DURABLE_SUSPEND_TIMEOUT", 30*time.Second),

		MaxHTTPTimeout:       envutil.Duration("DURABLE_MAX_HTTP_TIMEOUT", 30*time.Second),
		MaxReturnedBufferLen: envutil.Int("DURABLE_MAX_RETURNED_BUFFER_LEN", 8*1024*1024),

		DebugEmitTaskLogs: envutil.Bool("DURABLE_DEBUG_EMIT_TASK_LOGS", false),

		Migrate:          envutil.Bool("DURABLE_MIGRATE", true),
		ValidateDatabase: envutil.Bool("DURABLE_VALIDATE_DATABASE", false),

		WorkerSlots: envutil.Int("DURABLE_WORKER_SLOTS", 8),

		MetricsAddr: envutil.String("DURABLE_METRICS_ADDR", ":9090"),
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.WorkerSlots <= 0 {
		return nil, fmt.Errorf("config: DURABLE_WORKER_SLOTS must be positive, got %d", cfg.WorkerSlots)
	}
	return cfg, nil
}
