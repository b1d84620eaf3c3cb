// Package memory is an in-process native backend for tests and demos.
//
// It keeps rows in a map and a native savepoint stack of its own, and counts
// every entry: if two calls are ever inside it at once, Violations goes up.
// A bridge in front of it must keep Violations at zero.
package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexhholmes/spibridge/native"
)

var (
	ErrNoSavepoint   = errors.New("no such savepoint")
	ErrNoTransaction = errors.New("no transaction in progress")
	ErrTxActive      = errors.New("transaction already in progress")
	ErrColumnRange   = errors.New("column out of range")
)

// Backend is an instrumented fake native backend.
//
// Native calls take no lock. Like a real backend session, it relies on the
// caller for serialization.
type Backend struct {
	rows       map[native.Ref][]native.Value
	nextRef    native.Ref
	nextSP     int64
	savepoints []string // native savepoint names, innermost last
	inTx       bool
	effects    []string
	fail       error

	// Stall makes every call sleep while "inside" the backend, widening the
	// window in which overlapping calls would be caught.
	Stall time.Duration

	inflight   atomic.Int32
	violations atomic.Int64
	calls      atomic.Int64

	// rowsMu guards rows, which tests also touch from outside the bridge.
	rowsMu sync.Mutex
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{rows: make(map[native.Ref][]native.Value)}
}

// enter records a call entering the backend and returns its exit func.
func (b *Backend) enter() func() {
	b.calls.Add(1)
	if b.inflight.Add(1) > 1 {
		b.violations.Add(1)
	}
	if b.Stall > 0 {
		time.Sleep(b.Stall)
	}
	return func() { b.inflight.Add(-1) }
}

// AddRow stores a row and returns its ref. nil values are stored as NULL.
func (b *Backend) AddRow(values ...any) native.Ref {
	b.rowsMu.Lock()
	defer b.rowsMu.Unlock()

	row := make([]native.Value, len(values))
	for i, v := range values {
		row[i] = native.ValueOf(v)
	}
	b.nextRef++
	b.rows[b.nextRef] = row
	return b.nextRef
}

// Drop frees a row behind the bridge's back, as a backend memory context
// reset would.
func (b *Backend) Drop(ref native.Ref) {
	b.rowsMu.Lock()
	defer b.rowsMu.Unlock()
	delete(b.rows, ref)
}

// HasRow reports whether the row is still allocated.
func (b *Backend) HasRow(ref native.Ref) bool {
	b.rowsMu.Lock()
	defer b.rowsMu.Unlock()
	_, ok := b.rows[ref]
	return ok
}

// FailNext makes the next native call fail with err.
func (b *Backend) FailNext(err error) { b.fail = err }

func (b *Backend) takeFailure() error {
	if b.fail == nil {
		return nil
	}
	err := b.fail
	b.fail = nil
	return err
}

func (b *Backend) GetField(ref native.Ref, column int) (native.Value, error) {
	defer b.enter()()
	if err := b.takeFailure(); err != nil {
		return native.Value{}, err
	}

	b.rowsMu.Lock()
	row, ok := b.rows[ref]
	b.rowsMu.Unlock()
	if !ok {
		return native.Value{}, fmt.Errorf("row %d: %w", ref, native.ErrResourceGone)
	}
	if column < 1 || column > len(row) {
		return native.Value{}, fmt.Errorf("%w: %d", ErrColumnRange, column)
	}
	b.effects = append(b.effects, fmt.Sprintf("get %d.%d", ref, column))
	return row[column-1], nil
}

func (b *Backend) Savepoint(op native.SavepointOp) (int64, error) {
	defer b.enter()()
	if err := b.takeFailure(); err != nil {
		return 0, err
	}

	switch op.Kind {
	case native.Define:
		var id int64
		name := op.Name
		if name == "" {
			b.nextSP++
			id = b.nextSP
			name = native.UnnamedSavepointName(id)
		}
		b.savepoints = append(b.savepoints, name)
		b.effects = append(b.effects, "savepoint "+name)
		return id, nil

	case native.Release, native.RollbackTo:
		i := b.find(op.Name)
		if i < 0 {
			return 0, fmt.Errorf("%w: %q", ErrNoSavepoint, op.Name)
		}
		if op.Kind == native.Release {
			b.savepoints = b.savepoints[:i]
			b.effects = append(b.effects, "release "+op.Name)
		} else {
			b.savepoints = b.savepoints[:i+1]
			b.effects = append(b.effects, "rollback to "+op.Name)
		}
		return 0, nil

	default:
		return 0, fmt.Errorf("unknown savepoint op %s", op.Kind)
	}
}

func (b *Backend) find(name string) int {
	for i := len(b.savepoints) - 1; i >= 0; i-- {
		if b.savepoints[i] == name {
			return i
		}
	}
	return -1
}

func (b *Backend) Begin() error {
	defer b.enter()()
	if err := b.takeFailure(); err != nil {
		return err
	}
	if b.inTx {
		return ErrTxActive
	}
	b.inTx = true
	b.effects = append(b.effects, "begin")
	return nil
}

func (b *Backend) Commit() error {
	return b.end("commit")
}

func (b *Backend) Rollback() error {
	return b.end("rollback")
}

func (b *Backend) end(what string) error {
	defer b.enter()()
	b.savepoints = nil
	if !b.inTx {
		return ErrNoTransaction
	}
	b.inTx = false
	if err := b.takeFailure(); err != nil {
		return err
	}
	b.effects = append(b.effects, what)
	return nil
}

// Free releases rows whose handles all went stale.
func (b *Backend) Free(refs []native.Ref) {
	defer b.enter()()

	b.rowsMu.Lock()
	defer b.rowsMu.Unlock()
	for _, ref := range refs {
		delete(b.rows, ref)
	}
	b.effects = append(b.effects, fmt.Sprintf("free %d", len(refs)))
}

// NativeSavepoints returns the backend's own savepoint names, innermost last.
func (b *Backend) NativeSavepoints() []string {
	out := make([]string, len(b.savepoints))
	copy(out, b.savepoints)
	return out
}

// Effects returns the log of native effects in the order they happened.
func (b *Backend) Effects() []string {
	out := make([]string, len(b.effects))
	copy(out, b.effects)
	return out
}

// Violations counts calls that entered while another call was in flight.
func (b *Backend) Violations() int64 { return b.violations.Load() }

// Calls counts every native call.
func (b *Backend) Calls() int64 { return b.calls.Load() }

var (
	_ native.Backend   = (*Backend)(nil)
	_ native.TxBackend = (*Backend)(nil)
	_ native.Freer     = (*Backend)(nil)
)
