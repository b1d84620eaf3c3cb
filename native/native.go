// Package native defines the narrow contract between the bridge and the
// single-threaded database backend it drives.
//
// Every method here is invoked with the backend lock held. Implementations do
// not need to be safe for concurrent use and must not call back into the bridge.
package native

import (
	"errors"
	"fmt"
)

// ErrResourceGone is returned by a backend when a Ref no longer names a live
// resource in the backend's own terms. The bridge reports it as a stale handle.
var ErrResourceGone = errors.New("native resource no longer valid")

// Ref is an opaque backend resource reference (a row pointer, a slot number).
// Callers of the bridge never see a Ref through a tuple.
type Ref uint64

// ColumnType is the coarse SQL type of a column.
type ColumnType uint8

const (
	TypeUnknown ColumnType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeText
	TypeBytes
	TypeTimestamp
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeText:
		return "text"
	case TypeBytes:
		return "bytes"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Column describes one attribute of a row shape.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Value is a single column value. SQL NULL is reported with Null set and a nil
// Datum; it is a successful result, not an error.
type Value struct {
	Datum any
	Null  bool
}

// NullValue is the SQL NULL value.
var NullValue = Value{Null: true}

// ValueOf wraps v, mapping nil to NULL.
func ValueOf(v any) Value {
	if v == nil {
		return NullValue
	}
	return Value{Datum: v}
}

func (v Value) String() string {
	if v.Null {
		return "NULL"
	}
	if b, ok := v.Datum.([]byte); ok {
		return fmt.Sprintf("\\x%x", b)
	}
	return fmt.Sprint(v.Datum)
}

// SavepointOpKind selects the native savepoint operation.
type SavepointOpKind uint8

const (
	// Define creates a savepoint. With an empty Name the backend generates an
	// id and returns it; with a Name it returns 0.
	Define SavepointOpKind = iota
	// Release releases the named savepoint and everything defined after it.
	Release
	// RollbackTo undoes all work done after the named savepoint was defined.
	RollbackTo
)

func (k SavepointOpKind) String() string {
	switch k {
	case Define:
		return "define"
	case Release:
		return "release"
	case RollbackTo:
		return "rollback-to"
	default:
		return fmt.Sprintf("savepoint-op(%d)", uint8(k))
	}
}

// SavepointOp is one native savepoint request.
type SavepointOp struct {
	Kind SavepointOpKind
	Name string
}

// UnnamedSavepointPrefix starts every synthesized savepoint name. Caller
// names may not use it.
const UnnamedSavepointPrefix = "spibridge_sp_"

// UnnamedSavepointName is the name a backend uses internally for a savepoint
// it generated id for. It is never used for user identity comparison.
func UnnamedSavepointName(id int64) string {
	return fmt.Sprintf("%s%d", UnnamedSavepointPrefix, id)
}

// Backend is the minimum a native backend must provide.
type Backend interface {
	// GetField extracts the 1-based column of the row named by ref.
	GetField(ref Ref, column int) (Value, error)

	// Savepoint performs a native savepoint operation. Only Define without a
	// name returns a meaningful id.
	Savepoint(op SavepointOp) (int64, error)
}

// TxBackend is implemented by backends with explicit transaction boundaries.
type TxBackend interface {
	Begin() error
	Commit() error
	Rollback() error
}

// Freer is implemented by backends that want to reclaim row memory once the
// bridge has invalidated every handle referencing it.
type Freer interface {
	Free(refs []Ref)
}

// Querier is implemented by backends able to run a query and hand back the
// resulting rows as native resources.
type Querier interface {
	Query(query string, args ...any) ([]Column, []Ref, error)
}

// Executor is implemented by backends able to run a statement without rows.
type Executor interface {
	Exec(query string, args ...any) (int64, error)
}
