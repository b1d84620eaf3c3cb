package savepoint

import (
	"fmt"
	"strings"

	"github.com/alexhholmes/spibridge/internal/base"
	"github.com/alexhholmes/spibridge/native"
)

// RollbackPolicy decides what happens to the target of a rollback.
type RollbackPolicy uint8

const (
	// RollbackKeep leaves the target Active on top of the stack, as SQL
	// ROLLBACK TO SAVEPOINT does, so it can be rolled back to again.
	RollbackKeep RollbackPolicy = iota
	// RollbackPop also releases the target natively and pops it.
	RollbackPop
)

func (p RollbackPolicy) String() string {
	if p == RollbackPop {
		return "pop"
	}
	return "keep"
}

// DefineFunc performs the native Define. It returns the generated id when
// name is empty.
type DefineFunc func(name string) (int64, error)

// NativeFunc performs a native Release or RollbackTo of the named savepoint.
type NativeFunc func(name string) error

// Stack is the savepoint stack of one transaction. Index 0 is the bottom.
//
// CONCURRENCY: Stack has no lock of its own; callers hold the backend gate.
type Stack struct {
	items  []*Savepoint
	policy RollbackPolicy
}

func NewStack(policy RollbackPolicy) *Stack {
	return &Stack{policy: policy}
}

func (s *Stack) Policy() RollbackPolicy { return s.policy }

func (s *Stack) Len() int { return len(s.items) }

// Top returns the innermost savepoint, or nil on an empty stack.
func (s *Stack) Top() *Savepoint {
	if len(s.items) == 0 {
		return nil
	}
	return s.items[len(s.items)-1]
}

// Items returns a copy of the stack, bottom first.
func (s *Stack) Items() []*Savepoint {
	out := make([]*Savepoint, len(s.items))
	copy(out, s.items)
	return out
}

// Lookup returns the innermost active savepoint with the given name. Unnamed
// savepoints match on their synthesized name.
func (s *Stack) Lookup(name string) *Savepoint {
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].Name() == name {
			return s.items[i]
		}
	}
	return nil
}

// Push defines a savepoint natively and pushes it. An empty name creates an
// Unnamed savepoint with the id the backend returns.
//
// Native names must be unique on the stack: the backend resolves a name to
// its innermost definition. A name already active, or one in the synthesized
// namespace, fails with ErrNameInUse before anything reaches the backend.
// release undoes a definition the stack refuses to keep.
func (s *Stack) Push(name string, define DefineFunc, release NativeFunc) (*Savepoint, error) {
	if name != "" {
		if strings.HasPrefix(name, native.UnnamedSavepointPrefix) {
			return nil, fmt.Errorf("%w: prefix %q is reserved", base.ErrNameInUse, native.UnnamedSavepointPrefix)
		}
		if s.Lookup(name) != nil {
			return nil, fmt.Errorf("%w: %q", base.ErrNameInUse, name)
		}
	}

	id, err := define(name)
	if err != nil {
		return nil, err
	}

	sp := &Savepoint{kind: Named, name: name}
	if name == "" {
		sp = &Savepoint{kind: Unnamed, id: id}
		if id < 0 {
			err = fmt.Errorf("%w: backend generated negative savepoint id %d", base.ErrNativeFailure, id)
		} else if s.Lookup(sp.Name()) != nil {
			err = fmt.Errorf("%w: backend reused savepoint id %d", base.ErrNativeFailure, id)
		}
		if err != nil {
			if rerr := release(sp.Name()); rerr != nil {
				return nil, fmt.Errorf("%w (release: %w)", err, rerr)
			}
			return nil, err
		}
	}
	s.items = append(s.items, sp)
	return sp, nil
}

// locate finds sp on the stack and checks it is Active.
func (s *Stack) locate(sp *Savepoint) (int, error) {
	if sp == nil {
		return -1, fmt.Errorf("%w: nil savepoint", base.ErrInvalidState)
	}
	if st := sp.State(); st != Active {
		return -1, fmt.Errorf("%w: %s is %s", base.ErrInvalidState, sp, st)
	}
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i] == sp {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s not on stack", base.ErrInvalidState, sp)
}

// Release releases sp and every savepoint above it. The native release runs
// first; on failure the stack is unchanged.
func (s *Stack) Release(sp *Savepoint, release NativeFunc) error {
	i, err := s.locate(sp)
	if err != nil {
		return err
	}
	if err := release(sp.Name()); err != nil {
		return err
	}
	s.popFrom(i, Released)
	return nil
}

// RollbackTo rolls back to sp. Savepoints above it become RolledBack and are
// popped. Under RollbackKeep sp stays Active; under RollbackPop it is released
// natively and popped as RolledBack.
func (s *Stack) RollbackTo(sp *Savepoint, rollback, release NativeFunc) error {
	i, err := s.locate(sp)
	if err != nil {
		return err
	}
	if err := rollback(sp.Name()); err != nil {
		return err
	}
	s.popFrom(i+1, RolledBack)

	if s.policy == RollbackPop {
		if err := release(sp.Name()); err != nil {
			// The rollback took effect; sp stays defined and Active.
			return err
		}
		s.popFrom(i, RolledBack)
	}
	return nil
}

// Clear empties the stack at transaction end, moving every remaining Active
// savepoint to final.
func (s *Stack) Clear(final State) {
	s.popFrom(0, final)
}

func (s *Stack) popFrom(i int, final State) {
	for j := len(s.items) - 1; j >= i; j-- {
		if s.items[j].State() == Active {
			s.items[j].setState(final)
		}
		s.items[j] = nil
	}
	s.items = s.items[:i]
}
