package handle

// freelist tracks arena slots available for reuse. A slot enters the list only
// after its handle went stale, so reusing it (with a bumped generation) can
// never revive an old handle.
type freelist struct {
	ids  []uint32
	seen map[uint32]struct{}
}

func newFreelist() *freelist {
	return &freelist{seen: make(map[uint32]struct{})}
}

// Allocate pops the most recently freed slot. ok is false when none is free.
func (f *freelist) Allocate() (uint32, bool) {
	if len(f.ids) == 0 {
		return 0, false
	}
	id := f.ids[len(f.ids)-1]
	f.ids = f.ids[:len(f.ids)-1]
	delete(f.seen, id)
	return id, true
}

// Free adds a slot to the list. Duplicates are ignored.
func (f *freelist) Free(id uint32) {
	if _, dup := f.seen[id]; dup {
		return
	}
	f.seen[id] = struct{}{}
	f.ids = append(f.ids, id)
}

func (f *freelist) Len() int { return len(f.ids) }
