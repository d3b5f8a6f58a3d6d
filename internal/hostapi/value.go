// Package hostapi implements the capabilities a sandboxed guest program can
// call into — clock, entropy, HTTP, SQL, and notification wait — each
// routed through internal/txn so its outcome is journaled exactly once.
package hostapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValueKind discriminates the SQL value tagged union, ported from
// original_source's Primitive enum (task/sql.rs) plus an Array wrapper for
// original_source's Value enum.
type ValueKind string

const (
	KindNull      ValueKind = "null"
	KindBool      ValueKind = "bool"
	KindInt8      ValueKind = "int8"
	KindInt16     ValueKind = "int16"
	KindInt32     ValueKind = "int32"
	KindInt64     ValueKind = "int64"
	KindFloat32   ValueKind = "float32"
	KindFloat64   ValueKind = "float64"
	KindText      ValueKind = "text"
	KindBytea     ValueKind = "bytea"
	KindUUID      ValueKind = "uuid"
	KindTimestamp ValueKind = "timestamp"
	KindInet      ValueKind = "inet"
	KindJSONB     ValueKind = "jsonb"
	KindArray     ValueKind = "array"
)

// Value is one SQL parameter or column value crossing the guest boundary.
// Only the field matching Kind is meaningful; the struct is the Go
// equivalent of original_source's tagged Primitive/Value enums, flattened
// for straightforward JSON (de)serialization across the wazero ABI.
type Value struct {
	Kind ValueKind `json:"kind"`

	Bool      *bool      `json:"bool,omitempty"`
	Int       *int64     `json:"int,omitempty"`
	Float     *float64   `json:"float,omitempty"`
	Text      *string    `json:"text,omitempty"`
	Bytes     []byte     `json:"bytes,omitempty"`
	UUID      *uuid.UUID `json:"uuid,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Inet      *string    `json:"inet,omitempty"`
	JSONB     json.RawMessage `json:"jsonb,omitempty"`
	Array     []Value    `json:"array,omitempty"`
}

func Null() Value                     { return Value{Kind: KindNull} }
func Bool(b bool) Value               { return Value{Kind: KindBool, Bool: &b} }
func Int64(i int64) Value             { return Value{Kind: KindInt64, Int: &i} }
func Float64(f float64) Value         { return Value{Kind: KindFloat64, Float: &f} }
func Text(s string) Value             { return Value{Kind: KindText, Text: &s} }
func Bytea(b []byte) Value            { return Value{Kind: KindBytea, Bytes: b} }
func UUIDValue(u uuid.UUID) Value     { return Value{Kind: KindUUID, UUID: &u} }
func Timestamp(t time.Time) Value     { return Value{Kind: KindTimestamp, Timestamp: &t} }
func JSONB(raw json.RawMessage) Value { return Value{Kind: KindJSONB, JSONB: raw} }
func Array(vs []Value) Value          { return Value{Kind: KindArray, Array: vs} }

// Native converts a Value into the Go type pgx expects as a query argument.
func (v Value) Native() (any, error) {
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindBool:
		return *v.Bool, nil
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return *v.Int, nil
	case KindFloat32, KindFloat64:
		return *v.Float, nil
	case KindText:
		return *v.Text, nil
	case KindInet:
		return *v.Inet, nil
	case KindBytea:
		return v.Bytes, nil
	case KindUUID:
		return *v.UUID, nil
	case KindTimestamp:
		return *v.Timestamp, nil
	case KindJSONB:
		return v.JSONB, nil
	case KindArray:
		out := make([]any, len(v.Array))
		for i, e := range v.Array {
			n, err := e.Native()
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("hostapi: unknown value kind %q", v.Kind)
	}
}

// FromNative converts a value scanned from a pgx row back into the tagged
// union the guest program receives.
func FromNative(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case int16:
		return Int64(int64(t)), nil
	case int32:
		return Int64(int64(t)), nil
	case int64:
		return Int64(t), nil
	case float32:
		return Float64(float64(t)), nil
	case float64:
		return Float64(t), nil
	case string:
		return Text(t), nil
	case []byte:
		return Bytea(t), nil
	case uuid.UUID:
		return UUIDValue(t), nil
	case time.Time:
		return Timestamp(t), nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return Value{}, fmt.Errorf("hostapi: cannot convert %T to a Value: %w", v, err)
		}
		return JSONB(raw), nil
	}
}

// SQLErrorKind classifies a constraint violation surfaced back to the
// guest, ported from spec.md §7's SQL error taxonomy.
type SQLErrorKind string

const (
	SQLErrUnique     SQLErrorKind = "unique-violation"
	SQLErrForeignKey SQLErrorKind = "foreign-key-violation"
	SQLErrNotNull    SQLErrorKind = "not-null-violation"
	SQLErrCheck      SQLErrorKind = "check-violation"
	SQLErrOther      SQLErrorKind = "other"
)

type SQLError struct {
	Kind    SQLErrorKind
	Message string
}

func (e *SQLError) Error() string { return fmt.Sprintf("hostapi: sql %s: %s", e.Kind, e.Message) }

// classifySQLError maps a Postgres SQLSTATE class to a SQLErrorKind.
func classifySQLError(sqlState string) SQLErrorKind {
	switch sqlState {
	case "23505":
		return SQLErrUnique
	case "23503":
		return SQLErrForeignKey
	case "23502":
		return SQLErrNotNull
	case "23514":
		return SQLErrCheck
	default:
		return SQLErrOther
	}
}
