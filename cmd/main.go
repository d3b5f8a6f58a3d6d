// Command durable runs a single worker process: it registers a lease,
// claims ready tasks off the journal, and executes each one inside a
// sandboxed WebAssembly instance until the process is asked to shut down.
// Bootstrap shape follows the teacher's cmd/main.go (config -> logger ->
// dependent services -> signal-driven shutdown), generalized from the
// single HTTP server the teacher starts into the several cooperating
// goroutines a durable worker needs, coordinated with golang.org/x/sync's
// errgroup the way the teacher's own goroutine fan-out in internal/jobs
// does with a plain sync.WaitGroup.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/iopsystems/durable/internal/config"
	"github.com/iopsystems/durable/internal/detsim"
	"github.com/iopsystems/durable/internal/hostapi"
	"github.com/iopsystems/durable/internal/journal"
	"github.com/iopsystems/durable/internal/migrate"
	"github.com/iopsystems/durable/internal/observability"
	"github.com/iopsystems/durable/internal/platform/logger"
	"github.com/iopsystems/durable/internal/registry"
	"github.com/iopsystems/durable/internal/sandbox"
	"github.com/iopsystems/durable/internal/scheduler"
	"github.com/iopsystems/durable/internal/suspend"
)

// wakeAndReclaimInterval is the leader's cadence for promoting suspended
// tasks past their deadline and reclaiming dead workers' leases; distinct
// from the scheduler's own claim-poll backstop since both roles belong
// only to whichever worker currently holds leadership.
const wakeAndReclaimInterval = 2 * time.Second

// stuckTaskThreshold flags a task still "active" this long after its
// attempt started, per ListStuckTasks' observability-only contract.
const stuckTaskThreshold = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "durable: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "durable",
		Environment: cfg.LogMode,
		WorkerID:    0,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Warn("failed to shut down otel tracer", "error", err.Error())
		}
	}()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	migrator := migrate.NewMigrator(pool)
	switch {
	case cfg.Migrate:
		applied, err := migrator.Migrate(ctx, migrate.Options{})
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		if len(applied) > 0 {
			log.Info("applied migrations", "count", len(applied))
		}
	case cfg.ValidateDatabase:
		if err := migrator.Validate(ctx); err != nil {
			return fmt.Errorf("validate migration history: %w", err)
		}
	}

	store := journal.NewStore(pool)

	hostname, _ := os.Hostname()
	reg := registry.New(store, log, cfg.HeartbeatInterval, cfg.LeaseTTL)
	if err := reg.Register(ctx, hostname); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	log.Info("registered worker", "worker_id", reg.WorkerID(), "hostname", hostname)

	taskFwd := journal.NewForwarder(pool, journal.ChannelTask, log)
	notifyFwd := journal.NewForwarder(pool, journal.ChannelNotification, log)
	workerFwd := journal.NewForwarder(pool, journal.ChannelWorker, log)
	events := journal.NewEventSource(ctx, taskFwd, notifyFwd, workerFwd)

	router := suspend.NewRouter()
	shutdown := suspend.NewShutdownFlag()

	sb := sandbox.New(ctx, store, router, shutdown, log, hostapi.Config{
		MaxHTTPTimeout:       cfg.MaxHTTPTimeout,
		MaxReturnedBufferLen: cfg.MaxReturnedBufferLen,
		SuspendTimeout:       cfg.SuspendTimeout,
		SuspendMargin:        cfg.SuspendMargin,
	})
	defer sb.Close(context.Background())

	sched := scheduler.New(store, reg, sb, log, cfg.WorkerSlots)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { taskFwd.Run(gctx); return nil })
	group.Go(func() error { notifyFwd.Run(gctx); return nil })
	group.Go(func() error { workerFwd.Run(gctx); return nil })

	schedulerEvents := make(chan journal.SourceEvent, 256)
	registryEvents := make(chan journal.SourceEvent, 256)
	notifyIDs := make(chan int64, 256)
	group.Go(func() error {
		defer close(schedulerEvents)
		defer close(registryEvents)
		defer close(notifyIDs)
		for {
			ev, err := events.Next(gctx)
			if err != nil {
				return nil
			}
			guard, gerr := detsim.NoopScheduler.Acquire(gctx, detsim.Component{Kind: detsim.ComponentProcessEvents, WorkerID: reg.WorkerID()})
			if gerr != nil {
				log.Warn("event fan-out scheduling denied", "error", gerr.Error())
				continue
			}
			guard.Release()
			select {
			case schedulerEvents <- ev:
			default:
			}
			select {
			case registryEvents <- ev:
			default:
			}
			if ev.Kind == journal.EventKindNotification {
				select {
				case notifyIDs <- ev.TaskID:
				default:
				}
			}
		}
	})

	group.Go(func() error { router.Run(notifyIDs, gctx.Done()); return nil })
	group.Go(func() error { reg.Run(gctx, registryEvents); return nil })
	group.Go(func() error { sched.Run(gctx, schedulerEvents); return nil })

	group.Go(func() error {
		ticker := time.NewTicker(wakeAndReclaimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if !reg.IsLeader() {
					continue
				}
				if err := reg.EvictDead(gctx); err != nil {
					log.Warn("leader: evict dead workers failed", "error", err.Error())
				}
				if err := reg.WakeSuspendedTasks(gctx, 256); err != nil {
					log.Warn("leader: wake suspended tasks failed", "error", err.Error())
				}
				reg.WarnStuckTasks(gctx, stuckTaskThreshold)
			}
		}
	})

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: observability.Handler()}
	group.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	log.Info("durable worker started", "worker_id", reg.WorkerID(), "slots", cfg.WorkerSlots, "metrics_addr", cfg.MetricsAddr)

	<-ctx.Done()
	log.Info("shutdown signal received, draining in-flight tasks")
	shutdown.Raise()

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info("durable worker stopped")
	return nil
}
