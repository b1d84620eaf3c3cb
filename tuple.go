package spibridge

import (
	"github.com/alexhholmes/spibridge/internal/base"
)

// Tuple is a backend row seen through a validity-tracked handle. It goes
// stale when the epoch that produced it ends; reading it afterwards fails with
// ErrStaleHandle rather than returning stale data.
type Tuple struct {
	h     base.Handle
	desc  *TupleDescriptor
	epoch base.EpochID
}

// Descriptor returns the row shape the tuple was produced with.
func (t *Tuple) Descriptor() *TupleDescriptor { return t.desc }

func (t *Tuple) String() string {
	return "tuple " + t.h.String() + " in " + t.epoch.String()
}

// getValue is the tuple accessor. Caller holds the gate.
func (b *Bridge) getValue(t *Tuple, desc *TupleDescriptor, index int) (Value, error) {
	ref, err := b.registry.Resolve(t.h)
	if err != nil {
		b.logger.Warn("stale tuple access", "handle", t.h.String(), "epoch", uint64(t.epoch))
		return Value{}, err
	}

	v, err := b.backend.GetField(ref, index)
	if err != nil {
		err = nativeError(err)
		b.logNative("get field", err)
		return Value{}, err
	}
	return v, nil
}

// checkAccess validates the caller contract of a read before any lock is
// taken.
func checkAccess(t *Tuple, desc *TupleDescriptor, index int) error {
	if t == nil || t.h.IsZero() {
		return ErrStaleHandle
	}
	if !desc.matches(t.desc) {
		return ErrDescriptorMismatch
	}
	return desc.checkIndex(index)
}
