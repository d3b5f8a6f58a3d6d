package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/iopsystems/durable/internal/hostapi"
	"github.com/iopsystems/durable/internal/journal"
	"github.com/iopsystems/durable/internal/platform/logger"
)

// hostState is the per-task-execution state every host function closes
// over. gm is nil until the guest module finishes instantiating (host
// functions that run during instantiation, if any, cannot touch memory);
// every function that needs it checks.
type hostState struct {
	tc   *hostapi.TaskContext
	task *journal.Task
	log  *logger.Logger
	gm   *guestMemory
}

// result is the flattened stand-in for WIT's result<T, E>, marshaled to
// JSON and handed to the guest as a packed (ptr, len) pair — the same
// "tagged JSON over a byte buffer" convention hostapi.Value already uses
// for the SQL value ADT, extended here to the whole ABI boundary since
// wazero has no native support for the component model's canonical ABI.
type result struct {
	Ok  any `json:"ok,omitempty"`
	Err any `json:"err,omitempty"`
}

func (hs *hostState) ok(ctx context.Context, v any) uint64 {
	return hs.marshalPack(ctx, result{Ok: v})
}

func (hs *hostState) errResult(ctx context.Context, e any) uint64 {
	return hs.marshalPack(ctx, result{Err: e})
}

func (hs *hostState) marshalPack(ctx context.Context, v any) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	ptr, err := hs.gm.writeBytes(ctx, data)
	if err != nil {
		panic(err)
	}
	return packResult(ptr, uint32(len(data)))
}

func (hs *hostState) readString(ptr, length uint32) string {
	b, err := hs.gm.readBytes(ptr, length)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func (hs *hostState) readJSON(ptr, length uint32, v any) {
	b, err := hs.gm.readBytes(ptr, length)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		panic(err)
	}
}

// buildHostModule registers every namespace of spec.md §6's sandbox ABI
// (task, transaction, notify, abort, clocks, random, http, sql) as plain
// exported functions on a single "durable" host module, prefixed
// namespace_function rather than using wazero's per-module namespacing —
// wazero's HostModuleBuilder can register several modules, but a flattened
// single module keeps the guest-side import table simple given there is no
// WIT/canonical-ABI tooling generating it automatically in this runtime.
func buildHostModule(rt wazero.Runtime, hs *hostState) wazero.HostModuleBuilder {
	b := rt.NewHostModuleBuilder("durable")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) int64 {
		return hs.task.ID
	}).Export("task_id")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) uint64 {
		return hs.ok(ctx, hs.task.Name)
	}).Export("task_name")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) uint64 {
		return hs.ok(ctx, json.RawMessage(hs.task.Data))
	}).Export("task_data")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) uint64 {
		return hs.ok(ctx, hs.task.CreatedAt.Format(time.RFC3339Nano))
	}).Export("task_created_at")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, labelPtr, labelLen, isDB uint32) uint64 {
		label := hs.readString(labelPtr, labelLen)
		value, ok, err := hs.tc.Engine.EnterTransaction(ctx, label, isDB != 0)
		if err != nil {
			panic(err)
		}
		if !ok {
			return packResult(0, 0)
		}
		ptr, werr := hs.gm.writeBytes(ctx, value)
		if werr != nil {
			panic(werr)
		}
		return packResult(ptr, uint32(len(value)))
	}).Export("transaction_enter")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, dataPtr, dataLen uint32) {
		data, err := hs.gm.readBytes(dataPtr, dataLen)
		if err != nil {
			panic(err)
		}
		if idx := hs.tc.Engine.CurrentTransactionIndex(); idx != nil {
			hs.tc.CloseTransactionCursors(*idx)
		}
		if err := hs.tc.Engine.ExitTransaction(ctx, data); err != nil {
			panic(err)
		}
	}).Export("transaction_exit")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, msgPtr, msgLen uint32) {
		msg := hs.readString(msgPtr, msgLen)
		hs.log.Warn("sandbox: workflow called abort", "task_id", hs.task.ID, "message", msg)
		panic(&abortError{Message: msg})
	}).Export("abort")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) uint64 {
		n, err := hs.tc.Now(ctx)
		if err != nil {
			panic(err)
		}
		return hs.marshalPack(ctx, n.Format(time.RFC3339Nano))
	}).Export("clocks_wall_clock_now")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) uint64 {
		n, err := hs.tc.Now(ctx)
		if err != nil {
			panic(err)
		}
		return uint64(n.UnixNano())
	}).Export("clocks_monotonic_clock_now")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, ns uint64) {
		if err := hs.tc.Sleep(ctx, time.Duration(ns)); err != nil {
			panic(err)
		}
	}).Export("clocks_sleep")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, n uint32) uint64 {
		buf, err := hs.tc.GetRandomBytes(ctx, int(n))
		if err != nil {
			panic(err)
		}
		return hs.marshalPack(ctx, buf)
	}).Export("random_get_random_bytes")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) uint64 {
		v, err := hs.tc.GetRandomU64(ctx)
		if err != nil {
			panic(err)
		}
		return v
	}).Export("random_get_random_u64")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, n uint32) uint64 {
		buf, err := hs.tc.GetInsecureRandomBytes(int(n))
		if err != nil {
			panic(err)
		}
		return hs.marshalPack(ctx, buf)
	}).Export("random_get_insecure_random_bytes")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) uint64 {
		v, err := hs.tc.GetInsecureRandomU64()
		if err != nil {
			panic(err)
		}
		return v
	}).Export("random_get_insecure_random_u64")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) uint64 {
		hi, lo := hs.tc.InsecureSeed()
		buf := make([]byte, 16)
		putU64(buf[0:8], hi)
		putU64(buf[8:16], lo)
		ptr, err := hs.gm.writeBytes(ctx, buf)
		if err != nil {
			panic(err)
		}
		return packResult(ptr, 16)
	}).Export("random_insecure_seed")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context) uint64 {
		n, err := hs.tc.WaitBlocking(ctx)
		if err != nil {
			// ErrSuspended/ErrNotScheduledOnWorker propagate as a trap here
			// exactly like any other fatal error; sandbox.Run inspects the
			// resulting wazero error with errors.Is to tell the two apart
			// from a genuine guest failure.
			panic(err)
		}
		return hs.marshalPack(ctx, n)
	}).Export("notify_notification_blocking")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, ns uint64) uint64 {
		n, err := hs.tc.WaitBlockingTimeout(ctx, time.Duration(ns))
		if err != nil {
			panic(err)
		}
		return hs.marshalPack(ctx, n)
	}).Export("notify_notification_blocking_timeout")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, target int64, eventPtr, eventLen, dataPtr, dataLen uint32) uint64 {
		event := hs.readString(eventPtr, eventLen)
		data, err := hs.gm.readBytes(dataPtr, dataLen)
		if err != nil {
			panic(err)
		}
		if nerr := hs.tc.Notify(ctx, target, event, data); nerr != nil {
			var ne *hostapi.NotifyError
			if errors.As(nerr, &ne) {
				return hs.errResult(ctx, ne)
			}
			panic(nerr)
		}
		return hs.ok(ctx, nil)
	}).Export("notify_notify")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, reqPtr, reqLen uint32) uint64 {
		var req hostapi.HTTPRequest
		hs.readJSON(reqPtr, reqLen, &req)
		resp, err := hs.tc.Fetch(ctx, req)
		if err != nil {
			var he *hostapi.HTTPError
			if errors.As(err, &he) {
				return hs.errResult(ctx, he)
			}
			panic(err)
		}
		return hs.ok(ctx, resp)
	}).Export("http_request")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, sqlPtr, sqlLen, paramsPtr, paramsLen uint32) uint64 {
		sqlText := hs.readString(sqlPtr, sqlLen)
		var params []hostapi.Value
		if paramsLen > 0 {
			hs.readJSON(paramsPtr, paramsLen, &params)
		}
		res, err := hs.tc.Query(ctx, sqlText, params)
		if err != nil {
			var se *hostapi.SQLError
			if errors.As(err, &se) {
				return hs.errResult(ctx, se)
			}
			panic(err)
		}
		return hs.ok(ctx, res)
	}).Export("sql_query")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, sqlPtr, sqlLen, paramsPtr, paramsLen uint32) uint64 {
		sqlText := hs.readString(sqlPtr, sqlLen)
		var params []hostapi.Value
		if paramsLen > 0 {
			hs.readJSON(paramsPtr, paramsLen, &params)
		}
		handle, err := hs.tc.QueryStart(ctx, sqlText, params)
		if err != nil {
			var se *hostapi.SQLError
			if errors.As(err, &se) {
				return hs.errResult(ctx, se)
			}
			panic(err)
		}
		return hs.ok(ctx, uint32(handle))
	}).Export("sql_query_start")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, handle uint32) uint64 {
		row, err := hs.tc.QueryNext(int(handle))
		if err != nil {
			var se *hostapi.SQLError
			if errors.As(err, &se) {
				return hs.errResult(ctx, se)
			}
			panic(err)
		}
		return hs.ok(ctx, row)
	}).Export("sql_query_next")

	b.NewFunctionBuilder().WithFunc(func(ctx context.Context, handle uint32) {
		hs.tc.QueryClose(int(handle))
	}).Export("sql_query_close")

	return b
}

// abortError is the guest-triggered, unrecoverable termination spec.md §6's
// bare abort(message) describes. The host function panics with it, and
// sandbox.Run finds it in the error the guest call returns (errors.As) and
// reports a "workflow aborted" error, which the scheduler records as a
// failed task.
type abortError struct{ Message string }

func (e *abortError) Error() string { return "sandbox: workflow aborted: " + e.Message }

func putU64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
