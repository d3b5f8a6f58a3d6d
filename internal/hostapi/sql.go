package hostapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// QueryResult is the guest-visible shape of a SQL query's outcome: a grid
// of tagged Values plus the count of rows a non-SELECT statement affected.
type QueryResult struct {
	Rows         [][]Value `json:"rows"`
	RowsAffected int64     `json:"rows_affected"`
}

// Query runs sqlText against the database inside an is_db=true journal
// transaction, so the query and the journal write commit atomically: on
// replay the recorded QueryResult is returned without re-running the
// statement, which is essential once a statement has side effects (INSERT,
// UPDATE). Left fully implemented here rather than stubbed — original_source
// leaves task/sql.rs's query() as `todo!()`; spec.md's scenario S6 requires
// guest-issued SQL to actually work.
func (tc *TaskContext) Query(ctx context.Context, sqlText string, args []Value) (QueryResult, error) {
	raw, err := tc.Engine.Transact(ctx, "sql.query", true, func(ctx context.Context, dbTx pgx.Tx) (json.RawMessage, error) {
		if dbTx == nil {
			return nil, fmt.Errorf("hostapi: sql.query requires a database transaction")
		}
		result, qerr := tc.runQuery(ctx, dbTx, sqlText, args)
		if qerr != nil {
			return nil, qerr
		}
		return json.Marshal(result)
	})
	if err != nil {
		return QueryResult{}, translateSQLError(err)
	}
	var result QueryResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return QueryResult{}, err
	}
	return result, nil
}

func (tc *TaskContext) runQuery(ctx context.Context, dbTx pgx.Tx, sqlText string, args []Value) (QueryResult, error) {
	native := make([]any, len(args))
	for i, a := range args {
		n, err := a.Native()
		if err != nil {
			return QueryResult{}, err
		}
		native[i] = n
	}

	rows, err := dbTx.Query(ctx, sqlText, native...)
	if err != nil {
		return QueryResult{}, err
	}
	defer rows.Close()

	var out [][]Value
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return QueryResult{}, err
		}
		rowVals := make([]Value, len(vals))
		for i, v := range vals {
			converted, err := FromNative(v)
			if err != nil {
				return QueryResult{}, err
			}
			rowVals[i] = converted
		}
		out = append(out, rowVals)
	}
	if err := rows.Err(); err != nil {
		return QueryResult{}, err
	}
	tag := rows.CommandTag()
	return QueryResult{Rows: out, RowsAffected: tag.RowsAffected()}, nil
}

// RowOrCount is the guest-visible shape of one sql_query_next result:
// either the next row's values or, once the cursor is exhausted, the
// statement's final rows-affected count — the flattened counterpart of
// spec.md §6's stream<row-or-count> element type.
type RowOrCount struct {
	Row   []Value `json:"row,omitempty"`
	Count *int64  `json:"count,omitempty"`
}

type rowCursor struct {
	rows pgx.Rows
}

// QueryStart opens a row cursor against the database transaction of the
// currently open EnterTransaction span, for guest code that wants to
// stream a query's rows one at a time instead of receiving the whole grid
// in a single host-call return the way Query does. Unlike Query it does
// not itself journal anything: the cursor only exists on the live
// execution path (EnterTransaction's replay branch never runs the guest
// body that would call this), and the eventual outcome is whatever the
// guest journals via ExitTransaction once it has finished consuming rows.
func (tc *TaskContext) QueryStart(ctx context.Context, sqlText string, args []Value) (handle int, err error) {
	dbTx, index, ok := tc.Engine.PendingTx()
	if !ok {
		return 0, fmt.Errorf("hostapi: sql.query_start requires an open transaction")
	}
	native := make([]any, len(args))
	for i, a := range args {
		n, nerr := a.Native()
		if nerr != nil {
			return 0, nerr
		}
		native[i] = n
	}
	rows, qerr := dbTx.Query(ctx, sqlText, native...)
	if qerr != nil {
		return 0, translateSQLError(qerr)
	}
	txn := index
	handle = SlabFor[*rowCursor](tc.Resources).Insert(&rowCursor{rows: rows}, &txn)
	return handle, nil
}

// QueryNext advances handle's cursor, returning either its next row or,
// once exhausted, the statement's rows-affected count and closing the
// cursor. callerTxn — the transaction currently open when this is called —
// must match the transaction that created handle; a handle used after its
// owning transaction has already exited is the resource-transaction
// mismatch spec.md §4.7 names as a fatal guest error.
func (tc *TaskContext) QueryNext(handle int) (RowOrCount, error) {
	slab := SlabFor[*rowCursor](tc.Resources)
	cur, err := slab.Get("sql.cursor", handle, tc.Engine.CurrentTransactionIndex())
	if err != nil {
		return RowOrCount{}, err
	}
	if cur.rows.Next() {
		vals, verr := cur.rows.Values()
		if verr != nil {
			return RowOrCount{}, verr
		}
		row := make([]Value, len(vals))
		for i, v := range vals {
			converted, cerr := FromNative(v)
			if cerr != nil {
				return RowOrCount{}, cerr
			}
			row[i] = converted
		}
		if n := rowByteLen(row); n > tc.MaxReturnedBufferLen {
			cur.rows.Close()
			slab.Remove(handle)
			return RowOrCount{}, fmt.Errorf("hostapi: sql row of %d bytes exceeds max_returned_buffer_len %d", n, tc.MaxReturnedBufferLen)
		}
		return RowOrCount{Row: row}, nil
	}
	if rerr := cur.rows.Err(); rerr != nil {
		cur.rows.Close()
		slab.Remove(handle)
		return RowOrCount{}, translateSQLError(rerr)
	}
	count := cur.rows.CommandTag().RowsAffected()
	cur.rows.Close()
	slab.Remove(handle)
	return RowOrCount{Count: &count}, nil
}

// QueryClose abandons handle before it is exhausted, for guest code that
// stops consuming a cursor early.
func (tc *TaskContext) QueryClose(handle int) {
	slab := SlabFor[*rowCursor](tc.Resources)
	cur, err := slab.Get("sql.cursor", handle, tc.Engine.CurrentTransactionIndex())
	if err != nil {
		return
	}
	cur.rows.Close()
	slab.Remove(handle)
}

// CloseTransactionCursors force-closes every row cursor still open under
// txn. The sandbox calls this just before asking the engine to commit or
// roll back that transaction's pgx.Tx, since a cursor's Rows becomes
// invalid the moment its transaction ends and leaving one open past that
// point would leak it.
func (tc *TaskContext) CloseTransactionCursors(txn int32) {
	for _, cur := range SlabFor[*rowCursor](tc.Resources).RemoveByTxn(txn) {
		cur.rows.Close()
	}
}

func rowByteLen(row []Value) int {
	data, err := json.Marshal(row)
	if err != nil {
		return 0
	}
	return len(data)
}

func translateSQLError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &SQLError{Kind: classifySQLError(pgErr.Code), Message: pgErr.Message}
	}
	return err
}
