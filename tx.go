package spibridge

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/alexhholmes/spibridge/internal/backendlock"
	"github.com/alexhholmes/spibridge/internal/base"
	"github.com/alexhholmes/spibridge/internal/savepoint"
	"github.com/alexhholmes/spibridge/native"
)

// Tx is a transaction on the backend session. It owns the savepoint stack and
// the epoch every tuple it produces is bound to. Ending the transaction clears
// the stack and turns all of its tuples stale.
//
// A Tx value is a view: Batch and Scope hand fn a view of the same
// transaction carrying the held gate token or the scope's epoch.
type Tx struct {
	s     *txState
	held  *backendlock.Token // Set only on views inside Batch
	scope base.EpochID       // Epoch new tuples bind to; zero means the root
}

type txState struct {
	b     *Bridge
	id    uuid.UUID
	seq   uint64
	root  base.EpochID
	stack *savepoint.Stack
	done  bool // Has Commit() or Rollback() been called?
}

// ID returns the transaction's unique id.
func (tx *Tx) ID() string { return tx.s.id.String() }

// do runs fn under the gate after checking the transaction is still open.
func (tx *Tx) do(fn func(*backendlock.Token) error) error {
	return tx.s.b.withBackend(tx.held, func(tok *backendlock.Token) error {
		if tx.s.done {
			return ErrTxDone
		}
		return fn(tok)
	})
}

// epoch returns the epoch tuples produced through this view bind to.
func (tx *Tx) epoch() base.EpochID {
	if tx.scope != 0 {
		return tx.scope
	}
	return tx.s.root
}

// Batch runs fn with the gate held for its whole duration. The Tx passed to
// fn reuses that acquisition; calls through it never block on the gate. Using
// any other bridge entry point from inside fn deadlocks.
func (tx *Tx) Batch(fn func(*Tx) error) error {
	return tx.do(func(tok *backendlock.Token) error {
		return fn(&Tx{s: tx.s, held: tok, scope: tx.scope})
	})
}

// Scope runs fn inside an epoch nested in this view's. Tuples produced
// through the Tx passed to fn go stale when fn returns; tuples from
// enclosing epochs are unaffected. Concurrent scopes on one transaction each
// get their own epoch.
func (tx *Tx) Scope(fn func(*Tx) error) error {
	var ep base.EpochID
	err := tx.do(func(*backendlock.Token) error {
		var err error
		ep, err = tx.s.b.beginEpoch(tx.epoch())
		return err
	})
	if err != nil {
		return opError("scope", "", err)
	}

	defer func() {
		_ = tx.s.b.withBackend(tx.held, func(*backendlock.Token) error {
			tx.s.b.endEpoch(ep)
			return nil
		})
	}()

	return fn(&Tx{s: tx.s, held: tx.held, scope: ep})
}

// GetValue reads the 1-based column index of t. desc must describe t's row
// shape. A NULL column is a successful Value with Null set.
//
// Fails with ErrIndexOutOfRange, ErrDescriptorMismatch, ErrStaleHandle once
// t's epoch has ended, or ErrNativeFailure.
func (tx *Tx) GetValue(t *Tuple, desc *TupleDescriptor, index int) (Value, error) {
	return tx.s.b.readValue(tx.held, t, desc, index)
}

// GetValueByName reads the column called name using t's own descriptor.
func (tx *Tx) GetValueByName(t *Tuple, name string) (Value, error) {
	if t == nil {
		return Value{}, opError("get value", "", ErrStaleHandle)
	}
	i, ok := t.desc.ColumnIndex(name)
	if !ok {
		return Value{}, opError("get value", t.h.String(), fmt.Errorf("%w: %q", ErrNoSuchColumn, name))
	}
	return tx.GetValue(t, t.desc, i)
}

// Adopt registers a row the backend produced outside the bridge and returns
// it as a tuple bound to the current epoch.
func (tx *Tx) Adopt(ref native.Ref, desc *TupleDescriptor) (*Tuple, error) {
	if desc == nil {
		return nil, opError("adopt", "", ErrDescriptorMismatch)
	}
	var t *Tuple
	err := tx.do(func(*backendlock.Token) error {
		var err error
		t, err = tx.adopt(ref, desc)
		return err
	})
	if err != nil {
		return nil, opError("adopt", "", err)
	}
	return t, nil
}

// adopt registers ref in this view's epoch. Caller holds the gate.
func (tx *Tx) adopt(ref native.Ref, desc *TupleDescriptor) (*Tuple, error) {
	ep := tx.epoch()
	h, err := tx.s.b.registry.Register(ep, ref)
	if err != nil {
		return nil, err
	}
	return &Tuple{h: h, desc: desc, epoch: ep}, nil
}

// Query runs query on the backend and returns its rows as tuples in the
// current epoch. The backend must implement native.Querier.
func (tx *Tx) Query(query string, args ...any) ([]*Tuple, *TupleDescriptor, error) {
	q, ok := tx.s.b.backend.(native.Querier)
	if !ok {
		return nil, nil, opError("query", "", ErrNotSupported)
	}

	var tuples []*Tuple
	var desc *TupleDescriptor
	err := tx.do(func(*backendlock.Token) error {
		cols, refs, err := q.Query(query, args...)
		if err != nil {
			err = nativeError(err)
			tx.s.b.logNative("query", err)
			return err
		}

		desc = NewTupleDescriptor(cols...)
		tuples = make([]*Tuple, 0, len(refs))
		for _, ref := range refs {
			t, err := tx.adopt(ref, desc)
			if err != nil {
				return err
			}
			tuples = append(tuples, t)
		}
		return nil
	})
	if err != nil {
		return nil, nil, opError("query", "", err)
	}
	return tuples, desc, nil
}

// Exec runs a statement that returns no rows and reports rows affected. The
// backend must implement native.Executor.
func (tx *Tx) Exec(query string, args ...any) (int64, error) {
	e, ok := tx.s.b.backend.(native.Executor)
	if !ok {
		return 0, opError("exec", "", ErrNotSupported)
	}

	var n int64
	err := tx.do(func(*backendlock.Token) error {
		var err error
		n, err = e.Exec(query, args...)
		if err != nil {
			err = nativeError(err)
			tx.s.b.logNative("exec", err)
		}
		return err
	})
	if err != nil {
		return 0, opError("exec", "", err)
	}
	return n, nil
}

// ReleaseTuple invalidates t ahead of its epoch and lets the backend free the
// row once no other live tuple names it.
func (tx *Tx) ReleaseTuple(t *Tuple) error {
	if t == nil {
		return opError("release tuple", "", ErrStaleHandle)
	}
	err := tx.s.b.withBackend(tx.held, func(*backendlock.Token) error {
		ref, last, err := tx.s.b.registry.Release(t.h)
		if err != nil {
			return err
		}
		if freer, ok := tx.s.b.backend.(native.Freer); ok && last {
			freer.Free([]native.Ref{ref})
		}
		return nil
	})
	return opError("release tuple", t.h.String(), err)
}

// SetSavepoint pushes an unnamed savepoint. Its id is generated by the
// backend.
func (tx *Tx) SetSavepoint() (*Savepoint, error) {
	return tx.pushSavepoint("")
}

// SetNamedSavepoint pushes a savepoint identified by name. Named savepoints
// have no id. A name that is already active on the stack, or that starts with
// native.UnnamedSavepointPrefix, fails with ErrNameInUse.
func (tx *Tx) SetNamedSavepoint(name string) (*Savepoint, error) {
	if name == "" {
		return nil, opError("savepoint", "", ErrEmptyName)
	}
	return tx.pushSavepoint(name)
}

func (tx *Tx) pushSavepoint(name string) (*Savepoint, error) {
	var sp *Savepoint
	err := tx.do(func(*backendlock.Token) error {
		var err error
		sp, err = tx.s.stack.Push(name, tx.s.nativeDefine, tx.s.nativeOp(native.Release))
		return err
	})
	if err != nil {
		return nil, opError("savepoint", name, err)
	}
	return sp, nil
}

// ReleaseSavepoint releases sp and every savepoint above it. sp must be Active
// on this transaction's stack, else ErrInvalidState.
func (tx *Tx) ReleaseSavepoint(sp *Savepoint) error {
	err := tx.do(func(*backendlock.Token) error {
		return tx.s.stack.Release(sp, tx.s.nativeOp(native.Release))
	})
	return opError("release savepoint", spTarget(sp), err)
}

// RollbackToSavepoint undoes all work since sp was set. Savepoints above sp
// become RolledBack. Whether sp itself stays Active depends on the bridge's
// RollbackPolicy; the default keeps it.
func (tx *Tx) RollbackToSavepoint(sp *Savepoint) error {
	err := tx.do(func(*backendlock.Token) error {
		return tx.s.stack.RollbackTo(sp, tx.s.nativeOp(native.RollbackTo), tx.s.nativeOp(native.Release))
	})
	return opError("rollback to savepoint", spTarget(sp), err)
}

// SavepointID returns the backend-generated id of an unnamed savepoint. For a
// named savepoint it always fails with ErrUnsupportedIdentity.
func (tx *Tx) SavepointID(sp *Savepoint) (int64, error) {
	if sp == nil {
		return 0, opError("savepoint id", "", ErrInvalidState)
	}
	id, err := sp.ID()
	if err != nil {
		return 0, opError("savepoint id", spTarget(sp), err)
	}
	return id, nil
}

// SavepointName returns the name of a named savepoint, or the backend name
// synthesized for an unnamed one.
func (tx *Tx) SavepointName(sp *Savepoint) (string, error) {
	if sp == nil {
		return "", opError("savepoint name", "", ErrInvalidState)
	}
	return sp.Name(), nil
}

// Savepoints returns the savepoint stack, bottom first.
func (tx *Tx) Savepoints() []*Savepoint {
	var out []*Savepoint
	_ = tx.s.b.withBackend(tx.held, func(*backendlock.Token) error {
		out = tx.s.stack.Items()
		return nil
	})
	return out
}

// LookupSavepoint returns the innermost savepoint on the stack with the given
// name, or nil.
func (tx *Tx) LookupSavepoint(name string) *Savepoint {
	var sp *Savepoint
	_ = tx.s.b.withBackend(tx.held, func(*backendlock.Token) error {
		sp = tx.s.stack.Lookup(name)
		return nil
	})
	return sp
}

func spTarget(sp *Savepoint) string {
	if sp == nil {
		return ""
	}
	return sp.String()
}

func (s *txState) nativeDefine(name string) (int64, error) {
	id, err := s.b.backend.Savepoint(native.SavepointOp{Kind: native.Define, Name: name})
	if err != nil {
		err = nativeError(err)
		s.b.logNative("savepoint define", err)
	}
	return id, err
}

func (s *txState) nativeOp(kind native.SavepointOpKind) savepoint.NativeFunc {
	return func(name string) error {
		_, err := s.b.backend.Savepoint(native.SavepointOp{Kind: kind, Name: name})
		if err != nil {
			err = nativeError(err)
			s.b.logNative("savepoint "+kind.String(), err)
		}
		return err
	}
}

// Commit commits the transaction. Remaining savepoints become Released and
// every tuple of the transaction goes stale. If the backend fails to commit,
// the transaction still ends, as rolled back.
func (tx *Tx) Commit() error {
	err := tx.do(func(*backendlock.Token) error {
		return tx.s.finish(true)
	})
	return opError("commit", tx.ID(), err)
}

// Rollback rolls the transaction back. Remaining savepoints become
// RolledBack and every tuple of the transaction goes stale.
func (tx *Tx) Rollback() error {
	err := tx.do(func(*backendlock.Token) error {
		return tx.s.finish(false)
	})
	return opError("rollback", tx.ID(), err)
}

// finish ends the transaction. Caller holds the gate.
func (s *txState) finish(commit bool) error {
	var nerr error
	if txb, ok := s.b.backend.(native.TxBackend); ok {
		if commit {
			nerr = txb.Commit()
		} else {
			nerr = txb.Rollback()
		}
	}

	final := savepoint.RolledBack
	if commit && nerr == nil {
		final = savepoint.Released
	}
	s.stack.Clear(final)
	s.b.endEpoch(s.root)

	s.done = true
	if s.b.active == s {
		s.b.active = nil
	}

	if nerr != nil {
		nerr = nativeError(nerr)
		s.b.logNative("end transaction", nerr)
		return nerr
	}
	if commit {
		s.b.logger.Info("transaction committed", "tx", s.id.String(), "seq", s.seq)
	} else {
		s.b.logger.Info("transaction rolled back", "tx", s.id.String(), "seq", s.seq)
	}
	return nil
}

// IsDone reports whether the transaction has ended.
func (tx *Tx) IsDone() bool {
	done := false
	_ = tx.s.b.withBackend(tx.held, func(*backendlock.Token) error {
		done = tx.s.done
		return nil
	})
	return done
}
