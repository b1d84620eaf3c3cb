// Package savepoint models nested transaction checkpoints as a strict LIFO
// stack.
//
// A savepoint is either Unnamed, identified by the id the backend generated
// for it, or Named, identified by the caller's name and carrying no id at
// all. Releasing or rolling back a savepoint resolves everything stacked above
// it, which is what the backend does natively.
package savepoint

import (
	"fmt"
	"sync/atomic"

	"github.com/alexhholmes/spibridge/internal/base"
	"github.com/alexhholmes/spibridge/native"
)

// Kind tags the savepoint variant.
type Kind uint8

const (
	Unnamed Kind = iota
	Named
)

func (k Kind) String() string {
	if k == Named {
		return "named"
	}
	return "unnamed"
}

// State is the lifecycle state of a savepoint. Released and RolledBack are
// terminal.
type State int32

const (
	Active State = iota
	Released
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Released:
		return "released"
	case RolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Savepoint is one checkpoint on a transaction's stack.
type Savepoint struct {
	kind  Kind
	name  string // Named only
	id    int64  // Unnamed only
	state atomic.Int32
}

// Kind returns the savepoint variant.
func (sp *Savepoint) Kind() Kind { return sp.kind }

// ID returns the backend-generated id. Named savepoints never have one and
// always fail with ErrUnsupportedIdentity.
func (sp *Savepoint) ID() (int64, error) {
	if sp.kind == Named {
		return 0, fmt.Errorf("%w: %q", base.ErrUnsupportedIdentity, sp.name)
	}
	return sp.id, nil
}

// Name returns the caller's name for a Named savepoint, or the synthesized
// backend name of an Unnamed one.
func (sp *Savepoint) Name() string {
	if sp.kind == Named {
		return sp.name
	}
	return native.UnnamedSavepointName(sp.id)
}

// State may be read from any goroutine.
func (sp *Savepoint) State() State { return State(sp.state.Load()) }

func (sp *Savepoint) setState(s State) { sp.state.Store(int32(s)) }

func (sp *Savepoint) String() string {
	if sp.kind == Named {
		return fmt.Sprintf("savepoint %q (%s)", sp.name, sp.State())
	}
	return fmt.Sprintf("savepoint #%d (%s)", sp.id, sp.State())
}
