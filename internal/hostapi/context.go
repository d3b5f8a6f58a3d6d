package hostapi

import (
	"crypto/rand"
	"encoding/binary"
	"net/http"
	"time"

	"github.com/iopsystems/durable/internal/detsim"
	"github.com/iopsystems/durable/internal/journal"
	"github.com/iopsystems/durable/internal/platform/logger"
	"github.com/iopsystems/durable/internal/suspend"
	"github.com/iopsystems/durable/internal/txn"
)

// TaskContext bundles everything a single task execution's host calls need:
// the replay engine every call is journaled through, the journal store for
// calls the engine itself doesn't cover (notification wait, logging), and
// the capability implementations (clock, entropy, http). One TaskContext is
// created per task execution attempt, mirroring the Engine it wraps.
type TaskContext struct {
	Engine *txn.Engine
	Store  journal.Store
	Log    *logger.Logger

	Clock   detsim.Clock
	Entropy detsim.Entropy

	HTTPClient *http.Client

	Router   *suspend.Router
	Shutdown *suspend.ShutdownFlag

	Resources *Resources

	MaxHTTPTimeout       time.Duration
	MaxReturnedBufferLen int
	SuspendTimeout       time.Duration
	SuspendMargin        time.Duration

	TaskID   int64
	WorkerID int64

	// insecureSeedHi/Lo back random.insecure-seed(): a pair drawn once per
	// task execution attempt and fixed for that attempt, that a guest can mix
	// into its own PRNG state without paying for a journaled draw.
	insecureSeedHi uint64
	insecureSeedLo uint64
}

// Config bundles the configuration-derived limits TaskContext needs,
// letting NewTaskContext's call sites pass config.Config straight through
// without reaching into internal/config from this package.
type Config struct {
	MaxHTTPTimeout       time.Duration
	MaxReturnedBufferLen int
	SuspendTimeout       time.Duration
	SuspendMargin        time.Duration
}

func NewTaskContext(
	engine *txn.Engine,
	store journal.Store,
	log *logger.Logger,
	router *suspend.Router,
	shutdown *suspend.ShutdownFlag,
	cfg Config,
	taskID, workerID int64,
) *TaskContext {
	var seed [16]byte
	_, _ = rand.Read(seed[:])
	return &TaskContext{
		Engine:               engine,
		Store:                store,
		Log:                  log,
		Clock:                detsim.SystemClock,
		Entropy:              detsim.SystemEntropy,
		HTTPClient:           &http.Client{},
		Router:               router,
		Shutdown:             shutdown,
		Resources:            NewResources(),
		MaxHTTPTimeout:       cfg.MaxHTTPTimeout,
		MaxReturnedBufferLen: cfg.MaxReturnedBufferLen,
		SuspendTimeout:       cfg.SuspendTimeout,
		SuspendMargin:        cfg.SuspendMargin,
		TaskID:               taskID,
		WorkerID:             workerID,
		insecureSeedHi:       binary.BigEndian.Uint64(seed[:8]),
		insecureSeedLo:       binary.BigEndian.Uint64(seed[8:]),
	}
}
