package spibridge

import (
	"time"

	"github.com/google/uuid"

	"github.com/alexhholmes/spibridge/internal/backendlock"
	"github.com/alexhholmes/spibridge/internal/base"
	"github.com/alexhholmes/spibridge/internal/handle"
	"github.com/alexhholmes/spibridge/internal/savepoint"
	"github.com/alexhholmes/spibridge/native"
)

// Bridge drives one single-threaded native backend session.
//
// CONCURRENCY: Bridge and Tx are safe for concurrent use. Every call that
// touches the backend, the handle registry or a savepoint stack runs under one
// backend gate, shared by all bridges in the process unless WithPrivateLock is
// given, so the backend observes a single total order of calls.
type Bridge struct {
	backend  native.Backend
	gate     *backendlock.Gate
	registry *handle.Registry
	opts     Options
	logger   Logger

	// Guarded by gate
	closed   bool
	active   *txState // Current transaction (nil if none)
	nextTxID uint64   // Monotonic transaction sequence
}

// Stats is a snapshot of bridge internals.
type Stats struct {
	LockAcquisitions uint64
	LockContended    uint64
	LockWaited       time.Duration

	LiveHandles int
	FreeSlots   int
	OpenEpochs  int
}

// Open wraps backend in a bridge.
func Open(backend native.Backend, options ...Option) (*Bridge, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	registry, err := handle.New(opts.cacheSize)
	if err != nil {
		return nil, err
	}

	gate := backendlock.Default()
	if opts.privateLock {
		gate = &backendlock.Gate{}
	}

	return &Bridge{
		backend:  backend,
		gate:     gate,
		registry: registry,
		opts:     opts,
		logger:   opts.logger,
	}, nil
}

// withBackend runs fn under the gate. A token still held by the caller is
// reused instead of locking again.
func (b *Bridge) withBackend(held *backendlock.Token, fn func(*backendlock.Token) error) error {
	return held.Do(b.gate, fn)
}

// Begin starts a transaction. Only one transaction may be active at a time.
func (b *Bridge) Begin() (*Tx, error) {
	var tx *Tx
	err := b.gate.Do(func(*backendlock.Token) error {
		if b.closed {
			return ErrBridgeClosed
		}
		if b.active != nil {
			return ErrTxInProgress
		}

		if txb, ok := b.backend.(native.TxBackend); ok {
			if err := txb.Begin(); err != nil {
				err = nativeError(err)
				b.logNative("begin", err)
				return err
			}
		}

		root, err := b.beginEpoch(0)
		if err != nil {
			return err
		}

		b.nextTxID++
		s := &txState{
			b:     b,
			id:    uuid.New(),
			seq:   b.nextTxID,
			root:  root,
			stack: savepoint.NewStack(b.opts.rollbackPolicy),
		}
		b.active = s
		tx = &Tx{s: s}

		b.logger.Info("transaction started", "tx", s.id.String(), "seq", s.seq)
		return nil
	})
	if err != nil {
		return nil, opError("begin", "", err)
	}
	return tx, nil
}

// beginEpoch opens an epoch and, for backends that free rows, arranges for
// the rows of its handles to be freed when it ends. Caller holds the gate.
func (b *Bridge) beginEpoch(parent base.EpochID) (base.EpochID, error) {
	id, err := b.registry.BeginEpoch(parent)
	if err != nil {
		return 0, err
	}
	if freer, ok := b.backend.(native.Freer); ok {
		err = b.registry.OnEpochEnd(id, func(_ base.EpochID, refs []native.Ref) {
			if len(refs) > 0 {
				freer.Free(refs)
			}
		})
		if err != nil {
			return 0, err
		}
	}
	return id, nil
}

// endEpoch invalidates an epoch and everything nested in it. Caller holds the
// gate.
func (b *Bridge) endEpoch(id base.EpochID) {
	refs := b.registry.InvalidateEpoch(id)
	b.logger.Debug("epoch ended", "epoch", uint64(id), "freed", len(refs))
}

// View runs fn in a transaction that is always rolled back.
func (b *Bridge) View(fn func(*Tx) error) error {
	tx, err := b.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	return fn(tx)
}

// Update runs fn in a transaction. If fn returns an error the transaction is
// rolled back, otherwise it is committed.
func (b *Bridge) Update(fn func(*Tx) error) error {
	tx, err := b.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// GetValue reads the 1-based column index of t using desc. See Tx.GetValue.
func (b *Bridge) GetValue(t *Tuple, desc *TupleDescriptor, index int) (Value, error) {
	return b.readValue(nil, t, desc, index)
}

func (b *Bridge) readValue(held *backendlock.Token, t *Tuple, desc *TupleDescriptor, index int) (Value, error) {
	target := ""
	if t != nil {
		target = t.h.String()
	}
	if err := checkAccess(t, desc, index); err != nil {
		return Value{}, opError("get value", target, err)
	}

	var v Value
	err := b.withBackend(held, func(*backendlock.Token) error {
		var err error
		v, err = b.getValue(t, desc, index)
		return err
	})
	if err != nil {
		return Value{}, opError("get value", target, err)
	}
	return v, nil
}

// Close rolls back the active transaction, if any, and refuses new ones.
// The backend itself is left open; it belongs to the caller.
func (b *Bridge) Close() error {
	return b.gate.Do(func(*backendlock.Token) error {
		if b.closed {
			return nil
		}
		b.closed = true

		if s := b.active; s != nil {
			b.logger.Warn("closing bridge with active transaction", "tx", s.id.String())
			return opError("close", s.id.String(), s.finish(false))
		}
		return nil
	})
}

// Stats returns gate and handle registry counters.
func (b *Bridge) Stats() Stats {
	var st Stats
	_ = b.gate.Do(func(*backendlock.Token) error {
		rs := b.registry.Stats()
		st.LiveHandles = rs.Live
		st.FreeSlots = rs.Free
		st.OpenEpochs = rs.Epochs
		return nil
	})

	gs := b.gate.Stats()
	st.LockAcquisitions = gs.Acquisitions
	st.LockContended = gs.Contended
	st.LockWaited = gs.Waited
	return st
}

func (b *Bridge) logNative(op string, err error) {
	b.logger.Error("native call failed", "op", op, "err", err)
}
