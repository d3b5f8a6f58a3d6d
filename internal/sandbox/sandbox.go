// Package sandbox instantiates a task's compiled WebAssembly module inside
// a wazero runtime and adapts spec.md §6's guest ABI to internal/hostapi and
// internal/txn, implementing the scheduler.Dispatcher interface. Grounded on
// original_source/crates/durable-runtime/src/lib.rs's per-task wasmtime
// Store/Instance lifecycle, adapted from wasmtime's component model to
// wazero's core-module linking since wazero does not implement the
// canonical ABI — see the project's design notes for the resulting
// flattened (ptr, len) calling convention every namespace function shares.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/iopsystems/durable/internal/hostapi"
	"github.com/iopsystems/durable/internal/journal"
	"github.com/iopsystems/durable/internal/platform/logger"
	"github.com/iopsystems/durable/internal/suspend"
	"github.com/iopsystems/durable/internal/txn"
)

// Sandbox owns the process-wide wazero runtime and a cache of compiled
// guest modules keyed by program hash, so repeated invocations of the same
// program (the common case — one workflow definition, many task instances)
// skip recompilation.
type Sandbox struct {
	runtime  wazero.Runtime
	store    journal.Store
	router   *suspend.Router
	shutdown *suspend.ShutdownFlag
	log      *logger.Logger
	cfg      hostapi.Config

	mu      sync.Mutex
	modules map[string]wazero.CompiledModule
}

func New(ctx context.Context, store journal.Store, router *suspend.Router, shutdown *suspend.ShutdownFlag, log *logger.Logger, cfg hostapi.Config) *Sandbox {
	return &Sandbox{
		runtime:  wazero.NewRuntime(ctx),
		store:    store,
		router:   router,
		shutdown: shutdown,
		log:      log,
		cfg:      cfg,
		modules:  map[string]wazero.CompiledModule{},
	}
}

// Close releases the wazero runtime and every module it compiled.
func (s *Sandbox) Close(ctx context.Context) error {
	return s.runtime.Close(ctx)
}

func (s *Sandbox) compiled(ctx context.Context, program *journal.Program) (wazero.CompiledModule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.modules[program.Hash]; ok {
		return m, nil
	}
	m, err := s.runtime.CompileModule(ctx, program.Wasm)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile program %s: %w", program.Name, err)
	}
	s.modules[program.Hash] = m
	return m, nil
}

// Run implements scheduler.Dispatcher: it loads task's program, instantiates
// a fresh guest module bound to a fresh host module for this one execution
// attempt, invokes the guest's "run" export, and reports the result.
// suspended=true means the task already transitioned state inside a host
// call (a long clocks.sleep or an indefinite notification wait past its
// deadline) or a host call found it no longer scheduled on this worker;
// either way the scheduler must not write any further outcome.
func (s *Sandbox) Run(ctx context.Context, task *journal.Task, engine *txn.Engine) (result json.RawMessage, suspended bool, err error) {
	program, err := s.store.GetProgram(ctx, task.ProgramID)
	if err != nil {
		return nil, false, fmt.Errorf("sandbox: load program: %w", err)
	}
	compiledModule, err := s.compiled(ctx, program)
	if err != nil {
		return nil, false, err
	}

	if task.RunningOn == nil {
		return nil, false, fmt.Errorf("sandbox: task %d has no running_on worker assigned", task.ID)
	}
	tc := hostapi.NewTaskContext(engine, s.store, s.log, s.router, s.shutdown, s.cfg, task.ID, *task.RunningOn)
	hs := &hostState{tc: tc, task: task, log: s.log}

	hostInstance, err := buildHostModule(s.runtime, hs).Instantiate(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("sandbox: instantiate host module: %w", err)
	}
	defer hostInstance.Close(ctx)

	guestConfig := wazero.NewModuleConfig().WithName(fmt.Sprintf("task-%d", task.ID))
	guest, err := s.runtime.InstantiateModule(ctx, compiledModule, guestConfig)
	if err != nil {
		return nil, false, &journal.ProgramError{Reason: err.Error()}
	}
	defer guest.Close(ctx)

	gm, err := newGuestMemory(guest)
	if err != nil {
		return nil, false, err
	}
	hs.gm = gm

	runFn := guest.ExportedFunction("run")
	if runFn == nil {
		return nil, false, &journal.ProgramError{Reason: "guest module does not export run"}
	}

	packed, runErr := runFn.Call(ctx)
	if runErr != nil {
		if errors.Is(runErr, journal.ErrSuspended) || errors.Is(runErr, journal.ErrNotScheduledOnWorker) {
			return nil, true, nil
		}
		var ae *abortError
		if errors.As(runErr, &ae) {
			return nil, false, fmt.Errorf("workflow aborted: %s", ae.Message)
		}
		return nil, false, runErr
	}

	ptr := uint32(packed[0] >> 32)
	length := uint32(packed[0])
	if length == 0 {
		return json.RawMessage("null"), false, nil
	}
	raw, err := gm.readBytes(ptr, length)
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(raw), false, nil
}
