// Package handle tracks which proxy handles still reference live native
// resources.
//
// The registry is an arena: callers hold an index/generation pair, never the
// native reference itself. Ending an epoch flips every handle created in it to
// stale and recycles the slot with a new generation, so a handle kept past its
// epoch resolves to ErrStaleHandle instead of whatever the slot holds next.
//
// CONCURRENCY: Registry has no lock of its own. Every method must be called
// with the backend gate held.
package handle

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"

	"github.com/alexhholmes/spibridge/internal/base"
	"github.com/alexhholmes/spibridge/native"
)

// DefaultCacheSize is the capacity of the ref to handle lookup cache.
const DefaultCacheSize = 4096

// EndFunc is called once an epoch has been invalidated, with the native refs
// whose handles went stale in it.
type EndFunc func(epoch base.EpochID, refs []native.Ref)

type slot struct {
	ref   native.Ref
	gen   uint32
	epoch base.EpochID
	live  bool
}

type epoch struct {
	parent   base.EpochID
	children []base.EpochID
	slots    []uint32 // arena indexes registered in this epoch, possibly already released
	onEnd    []EndFunc
}

// Stats is a snapshot of registry occupancy.
type Stats struct {
	Live   int // valid handles
	Refs   int // distinct native refs behind them
	Free   int // stale slots waiting for reuse
	Slots  int // arena size
	Epochs int // open epochs
}

// Registry maps handles to native refs and tracks their validity per epoch.
type Registry struct {
	slots  []slot
	free   *freelist
	epochs map[base.EpochID]*epoch
	next   base.EpochID
	live   int

	// byRef keeps one handle per native ref so the same row is not proxied
	// twice. It may evict; refs is authoritative.
	byRef *freelru.LRU[native.Ref, base.Handle]

	// refs counts live handles per native ref. A ref is only reported for
	// freeing once its count drops to zero.
	refs map[native.Ref]int
}

// New creates an empty registry. cacheSize 0 selects DefaultCacheSize.
func New(cacheSize uint32) (*Registry, error) {
	if cacheSize == 0 {
		cacheSize = DefaultCacheSize
	}
	lru, err := freelru.New[native.Ref, base.Handle](cacheSize, hashRef)
	if err != nil {
		return nil, fmt.Errorf("handle cache: %w", err)
	}
	return &Registry{
		free:   newFreelist(),
		epochs: make(map[base.EpochID]*epoch),
		byRef:  lru,
		refs:   make(map[native.Ref]int),
	}, nil
}

func hashRef(r native.Ref) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(r))
	return uint32(xxhash.Sum64(b[:]))
}

// BeginEpoch opens a new epoch nested in parent. A zero parent opens a root
// epoch. Nesting under a closed epoch fails with ErrEpochClosed.
func (r *Registry) BeginEpoch(parent base.EpochID) (base.EpochID, error) {
	var p *epoch
	if parent != 0 {
		var ok bool
		if p, ok = r.epochs[parent]; !ok {
			return 0, fmt.Errorf("%w: %s", base.ErrEpochClosed, parent)
		}
	}

	r.next++
	id := r.next
	r.epochs[id] = &epoch{parent: parent}
	if p != nil {
		p.children = append(p.children, id)
	}
	return id, nil
}

// IsOpen reports whether the epoch has been begun and not yet invalidated.
func (r *Registry) IsOpen(id base.EpochID) bool {
	_, ok := r.epochs[id]
	return ok
}

// Register returns a valid handle for ref bound to epoch. When ref is already
// proxied by a live handle from this epoch or an enclosing one, that handle is
// returned.
func (r *Registry) Register(id base.EpochID, ref native.Ref) (base.Handle, error) {
	e, ok := r.epochs[id]
	if !ok {
		return base.Handle{}, fmt.Errorf("%w: %s", base.ErrEpochClosed, id)
	}

	if h, ok := r.byRef.Get(ref); ok {
		s := &r.slots[h.Index]
		if s.live && s.gen == h.Gen && s.ref == ref && r.encloses(s.epoch, id) {
			return h, nil
		}
	}

	idx, ok := r.free.Allocate()
	if !ok {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}

	s := &r.slots[idx]
	s.gen++
	s.ref = ref
	s.epoch = id
	s.live = true
	r.live++
	r.refs[ref]++

	e.slots = append(e.slots, idx)
	h := base.Handle{Index: idx, Gen: s.gen}
	r.byRef.Add(ref, h)
	return h, nil
}

// encloses reports whether outer is inner or one of its ancestors.
func (r *Registry) encloses(outer, inner base.EpochID) bool {
	for id := inner; id != 0; {
		if id == outer {
			return true
		}
		e, ok := r.epochs[id]
		if !ok {
			return false
		}
		id = e.parent
	}
	return false
}

// Resolve returns the native ref behind h, or ErrStaleHandle.
func (r *Registry) Resolve(h base.Handle) (native.Ref, error) {
	s, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	return s.ref, nil
}

// Epoch returns the epoch a live handle was registered in.
func (r *Registry) Epoch(h base.Handle) (base.EpochID, error) {
	s, err := r.lookup(h)
	if err != nil {
		return 0, err
	}
	return s.epoch, nil
}

func (r *Registry) lookup(h base.Handle) (*slot, error) {
	if h.IsZero() || int(h.Index) >= len(r.slots) {
		return nil, fmt.Errorf("%w: %s", base.ErrStaleHandle, h)
	}
	s := &r.slots[h.Index]
	if !s.live || s.gen != h.Gen {
		return nil, fmt.Errorf("%w: %s", base.ErrStaleHandle, h)
	}
	return s, nil
}

// Release invalidates a single handle ahead of its epoch and returns the ref
// it named. last reports whether no other live handle still names the ref.
func (r *Registry) Release(h base.Handle) (ref native.Ref, last bool, err error) {
	s, err := r.lookup(h)
	if err != nil {
		return 0, false, err
	}
	ref = s.ref
	return ref, r.retire(h.Index), nil
}

// OnEpochEnd registers fn to run when the epoch is invalidated. Callbacks run
// in reverse registration order.
func (r *Registry) OnEpochEnd(id base.EpochID, fn EndFunc) error {
	e, ok := r.epochs[id]
	if !ok {
		return fmt.Errorf("%w: %s", base.ErrEpochClosed, id)
	}
	e.onEnd = append(e.onEnd, fn)
	return nil
}

// InvalidateEpoch marks every handle created in the epoch, and in any epoch
// nested inside it, as stale. Nested epochs end first. It returns the refs
// whose last live handle went stale in id itself; a ref still held by a
// handle of another epoch is left out. Invalidating a closed epoch is a no-op.
func (r *Registry) InvalidateEpoch(id base.EpochID) []native.Ref {
	e, ok := r.epochs[id]
	if !ok {
		return nil
	}

	for i := len(e.children) - 1; i >= 0; i-- {
		r.InvalidateEpoch(e.children[i])
	}

	var refs []native.Ref
	for _, idx := range e.slots {
		s := &r.slots[idx]
		if !s.live || s.epoch != id {
			continue
		}
		ref := s.ref
		if r.retire(idx) {
			refs = append(refs, ref)
		}
	}

	delete(r.epochs, id)
	if p, ok := r.epochs[e.parent]; ok {
		for i, c := range p.children {
			if c == id {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}

	for i := len(e.onEnd) - 1; i >= 0; i-- {
		e.onEnd[i](id, refs)
	}
	return refs
}

// retire flips a live slot to stale and makes it reusable. A slot whose
// generation is exhausted is never reused. It reports whether the slot held
// the last live handle for its ref.
func (r *Registry) retire(idx uint32) bool {
	s := &r.slots[idx]
	ref := s.ref
	if cached, ok := r.byRef.Peek(ref); ok && cached.Index == idx && cached.Gen == s.gen {
		r.byRef.Remove(ref)
	}
	s.live = false
	s.ref = 0
	r.live--
	if s.gen < math.MaxUint32 {
		r.free.Free(idx)
	}

	r.refs[ref]--
	if r.refs[ref] > 0 {
		return false
	}
	delete(r.refs, ref)
	return true
}

// Stats returns a snapshot of the registry.
func (r *Registry) Stats() Stats {
	return Stats{
		Live:   r.live,
		Refs:   len(r.refs),
		Free:   r.free.Len(),
		Slots:  len(r.slots),
		Epochs: len(r.epochs),
	}
}
