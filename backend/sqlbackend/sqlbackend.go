// Package sqlbackend implements the native backend contract over database/sql.
//
// Query results are materialized: every row is read into memory when the
// statement runs and is addressed by a native.Ref until the bridge frees it.
// Savepoints map to SAVEPOINT, RELEASE SAVEPOINT and ROLLBACK TO SAVEPOINT
// issued on the current transaction.
//
// A Backend is a single session and is not safe for concurrent use on its
// own; put it behind a bridge.
package sqlbackend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/alexhholmes/spibridge/native"
)

var (
	ErrNoTransaction = errors.New("no transaction in progress")
	ErrTxActive      = errors.New("transaction already in progress")
	ErrColumnRange   = errors.New("column out of range")
)

// Backend is a native backend over one *sql.DB.
type Backend struct {
	db  *sql.DB
	ctx context.Context
	tx  *sql.Tx

	rows    map[native.Ref][]native.Value
	nextRef native.Ref
	nextSP  int64 // Last generated savepoint id

	typeOf func(databaseTypeName string) native.ColumnType
}

// Option configures a Backend.
type Option func(*Backend)

// WithContext sets the context every statement runs under.
func WithContext(ctx context.Context) Option {
	return func(b *Backend) {
		b.ctx = ctx
	}
}

// WithTypeMapper replaces the mapping from driver type names to column types.
// Names are passed upper-cased.
func WithTypeMapper(fn func(databaseTypeName string) native.ColumnType) Option {
	return func(b *Backend) {
		b.typeOf = fn
	}
}

// New returns a backend issuing statements on db. The caller keeps ownership
// of db.
func New(db *sql.DB, opts ...Option) *Backend {
	b := &Backend{
		db:     db,
		ctx:    context.Background(),
		rows:   make(map[native.Ref][]native.Value),
		typeOf: ColumnTypeOf,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DB returns the underlying database handle.
func (b *Backend) DB() *sql.DB { return b.db }

// InTx reports whether a transaction is open.
func (b *Backend) InTx() bool { return b.tx != nil }

func (b *Backend) Begin() error {
	if b.tx != nil {
		return ErrTxActive
	}
	tx, err := b.db.BeginTx(b.ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	b.tx = tx
	return nil
}

func (b *Backend) Commit() error {
	if b.tx == nil {
		return ErrNoTransaction
	}
	tx := b.tx
	b.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *Backend) Rollback() error {
	if b.tx == nil {
		return ErrNoTransaction
	}
	tx := b.tx
	b.tx = nil
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// Close rolls back an open transaction and drops every materialized row. It
// does not close the database.
func (b *Backend) Close() error {
	clear(b.rows)
	if b.tx == nil {
		return nil
	}
	return b.Rollback()
}

func (b *Backend) Savepoint(op native.SavepointOp) (int64, error) {
	if b.tx == nil {
		return 0, fmt.Errorf("savepoint: %w", ErrNoTransaction)
	}

	var id int64
	var stmt string
	switch op.Kind {
	case native.Define:
		name := op.Name
		if name == "" {
			id = b.nextSP + 1
			name = native.UnnamedSavepointName(id)
		}
		stmt = "SAVEPOINT " + QuoteIdent(name)
	case native.Release:
		stmt = "RELEASE SAVEPOINT " + QuoteIdent(op.Name)
	case native.RollbackTo:
		stmt = "ROLLBACK TO SAVEPOINT " + QuoteIdent(op.Name)
	default:
		return 0, fmt.Errorf("unknown savepoint op %s", op.Kind)
	}

	if _, err := b.tx.ExecContext(b.ctx, stmt); err != nil {
		return 0, fmt.Errorf("%s: %w", strings.ToLower(stmt), err)
	}
	if id > 0 {
		b.nextSP = id
	}
	return id, nil
}

func (b *Backend) GetField(ref native.Ref, column int) (native.Value, error) {
	row, ok := b.rows[ref]
	if !ok {
		return native.Value{}, fmt.Errorf("row %d: %w", ref, native.ErrResourceGone)
	}
	if column < 1 || column > len(row) {
		return native.Value{}, fmt.Errorf("%w: %d", ErrColumnRange, column)
	}
	return row[column-1], nil
}

func (b *Backend) Free(refs []native.Ref) {
	for _, ref := range refs {
		delete(b.rows, ref)
	}
}

// Rows returns the number of materialized rows not yet freed.
func (b *Backend) Rows() int { return len(b.rows) }

func (b *Backend) Exec(query string, args ...any) (int64, error) {
	res, err := b.execer().ExecContext(b.ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some statements have no meaningful count.
		return 0, nil
	}
	return n, nil
}

func (b *Backend) Query(query string, args ...any) ([]native.Column, []native.Ref, error) {
	rows, err := b.execer().QueryContext(b.ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, fmt.Errorf("column types: %w", err)
	}
	cols := make([]native.Column, len(types))
	for i, ct := range types {
		nullable, ok := ct.Nullable()
		cols[i] = native.Column{
			Name:     ct.Name(),
			Type:     b.typeOf(strings.ToUpper(ct.DatabaseTypeName())),
			Nullable: nullable || !ok,
		}
	}

	var refs []native.Ref
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			b.Free(refs)
			return nil, nil, fmt.Errorf("scan: %w", err)
		}

		row := make([]native.Value, len(cols))
		for i, v := range dest {
			row[i] = convert(cols[i].Type, v)
		}
		b.nextRef++
		b.rows[b.nextRef] = row
		refs = append(refs, b.nextRef)
	}
	if err := rows.Err(); err != nil {
		b.Free(refs)
		return nil, nil, err
	}
	return cols, refs, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (b *Backend) execer() execer {
	if b.tx != nil {
		return b.tx
	}
	return b.db
}

// convert normalizes a scanned driver value. Drivers hand back text as
// []byte; the scan buffer is reused, so bytes are always copied.
func convert(t native.ColumnType, v any) native.Value {
	switch x := v.(type) {
	case nil:
		return native.NullValue
	case []byte:
		if t == native.TypeText || t == native.TypeUnknown {
			return native.ValueOf(string(x))
		}
		return native.ValueOf(append([]byte(nil), x...))
	case int:
		return native.ValueOf(int64(x))
	case int32:
		return native.ValueOf(int64(x))
	case float32:
		return native.ValueOf(float64(x))
	default:
		return native.ValueOf(v)
	}
}

// ColumnTypeOf maps a driver type name to a column type. It knows the names
// SQLite and PostgreSQL drivers report.
func ColumnTypeOf(name string) native.ColumnType {
	switch name {
	case "INT", "INTEGER", "INT2", "INT4", "INT8", "TINYINT", "SMALLINT", "MEDIUMINT", "BIGINT",
		"SERIAL", "SMALLSERIAL", "BIGSERIAL", "OID":
		return native.TypeInt
	}

	switch {
	case name == "":
		return native.TypeUnknown
	case strings.HasPrefix(name, "BOOL"):
		return native.TypeBool
	case strings.Contains(name, "CHAR") || strings.Contains(name, "TEXT") ||
		name == "CLOB" || name == "NAME" || name == "UUID" || strings.HasPrefix(name, "JSON"):
		return native.TypeText
	case strings.Contains(name, "REAL") || strings.Contains(name, "FLOA") ||
		strings.Contains(name, "DOUB") || name == "NUMERIC" || name == "DECIMAL":
		return native.TypeFloat
	case name == "BLOB" || name == "BYTEA":
		return native.TypeBytes
	case strings.HasPrefix(name, "TIMESTAMP") || name == "DATE" || name == "DATETIME" || name == "TIME":
		return native.TypeTimestamp
	default:
		return native.TypeUnknown
	}
}

// QuoteIdent quotes name as an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var (
	_ native.Backend   = (*Backend)(nil)
	_ native.TxBackend = (*Backend)(nil)
	_ native.Freer     = (*Backend)(nil)
	_ native.Querier   = (*Backend)(nil)
	_ native.Executor  = (*Backend)(nil)
)
