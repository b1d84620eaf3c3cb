package base

import "fmt"

// Handle is an index/generation pair into the handle registry arena. The zero
// Handle never resolves.
type Handle struct {
	Index uint32
	Gen   uint32
}

func (h Handle) IsZero() bool { return h.Gen == 0 }

func (h Handle) String() string {
	return fmt.Sprintf("handle(%d@%d)", h.Index, h.Gen)
}

// EpochID identifies a bounded native call or transaction context. Zero means
// no epoch.
type EpochID uint64

func (e EpochID) String() string {
	return fmt.Sprintf("epoch(%d)", uint64(e))
}
