package savepoint

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/spibridge/internal/base"
)

// fakeNative records native calls and hands out ids from 1.
type fakeNative struct {
	nextID int64
	calls  []string
	fail   error
}

func (f *fakeNative) define(name string) (int64, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	f.calls = append(f.calls, "define "+name)
	if name != "" {
		return 0, nil
	}
	f.nextID++
	return f.nextID, nil
}

func (f *fakeNative) release(name string) error {
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, "release "+name)
	return nil
}

func (f *fakeNative) rollback(name string) error {
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, "rollback "+name)
	return nil
}

func push(t *testing.T, s *Stack, f *fakeNative, name string) *Savepoint {
	t.Helper()
	sp, err := s.Push(name, f.define, f.release)
	require.NoError(t, err)
	return sp
}

func TestSavepointIdentity(t *testing.T) {
	s := NewStack(RollbackKeep)
	f := &fakeNative{}

	unnamed := push(t, s, f, "")
	id, err := unnamed.ID()
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, Unnamed, unnamed.Kind())
	assert.Equal(t, "spibridge_sp_1", unnamed.Name())

	named := push(t, s, f, "x")
	_, err = named.ID()
	assert.ErrorIs(t, err, base.ErrUnsupportedIdentity)
	assert.Contains(t, err.Error(), "ID not generated for savepoint")
	assert.Equal(t, "x", named.Name())
	assert.Equal(t, Named, named.Kind())

	// Still unsupported after the savepoint is resolved.
	require.NoError(t, s.Release(named, f.release))
	_, err = named.ID()
	assert.ErrorIs(t, err, base.ErrUnsupportedIdentity)
}

func TestReleaseBottomReleasesAll(t *testing.T) {
	s := NewStack(RollbackKeep)
	f := &fakeNative{}

	a := push(t, s, f, "a")
	b := push(t, s, f, "b")
	c := push(t, s, f, "c")

	require.NoError(t, s.Release(a, f.release))
	for _, sp := range []*Savepoint{a, b, c} {
		assert.Equal(t, Released, sp.State())
	}
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, "release a", f.calls[len(f.calls)-1])
}

func TestReleaseUnnamedBeneathNamed(t *testing.T) {
	s := NewStack(RollbackKeep)
	f := &fakeNative{}

	one := push(t, s, f, "")
	s2 := push(t, s, f, "s2")

	id, err := one.ID()
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.NoError(t, s.Release(one, f.release))
	assert.Equal(t, Released, one.State())
	assert.Equal(t, Released, s2.State())
	assert.Equal(t, 0, s.Len())
}

func TestReleaseTopLeavesBeneathActive(t *testing.T) {
	s := NewStack(RollbackKeep)
	f := &fakeNative{}

	one := push(t, s, f, "")
	s2 := push(t, s, f, "s2")

	require.NoError(t, s.Release(s2, f.release))
	assert.Equal(t, Released, s2.State())
	assert.Equal(t, Active, one.State())
	assert.Same(t, one, s.Top())
}

func TestTerminalStatesRejected(t *testing.T) {
	for _, policy := range []RollbackPolicy{RollbackKeep, RollbackPop} {
		t.Run(policy.String(), func(t *testing.T) {
			s := NewStack(policy)
			f := &fakeNative{}

			a := push(t, s, f, "a")
			b := push(t, s, f, "b")
			require.NoError(t, s.Release(b, f.release))

			assert.ErrorIs(t, s.Release(b, f.release), base.ErrInvalidState)
			assert.ErrorIs(t, s.RollbackTo(b, f.rollback, f.release), base.ErrInvalidState)

			c := push(t, s, f, "c")
			require.NoError(t, s.RollbackTo(a, f.rollback, f.release))
			assert.Equal(t, RolledBack, c.State())
			assert.ErrorIs(t, s.Release(c, f.release), base.ErrInvalidState)
			assert.ErrorIs(t, s.RollbackTo(c, f.rollback, f.release), base.ErrInvalidState)
		})
	}
}

func TestRollbackKeep(t *testing.T) {
	s := NewStack(RollbackKeep)
	f := &fakeNative{}

	a := push(t, s, f, "a")
	b := push(t, s, f, "")
	c := push(t, s, f, "c")

	require.NoError(t, s.RollbackTo(a, f.rollback, f.release))
	assert.Equal(t, Active, a.State())
	assert.Equal(t, RolledBack, b.State())
	assert.Equal(t, RolledBack, c.State())
	assert.Equal(t, 1, s.Len())
	assert.Same(t, a, s.Top())
	assert.Equal(t, "rollback a", f.calls[len(f.calls)-1])

	// The kept savepoint can be rolled back to again.
	require.NoError(t, s.RollbackTo(a, f.rollback, f.release))
	assert.Equal(t, Active, a.State())
}

func TestRollbackPop(t *testing.T) {
	s := NewStack(RollbackPop)
	f := &fakeNative{}

	a := push(t, s, f, "a")
	b := push(t, s, f, "b")

	require.NoError(t, s.RollbackTo(b, f.rollback, f.release))
	assert.Equal(t, RolledBack, b.State())
	assert.Equal(t, Active, a.State())
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []string{"rollback b", "release b"}, f.calls[len(f.calls)-2:])
}

func TestNotOnStack(t *testing.T) {
	s := NewStack(RollbackKeep)
	other := NewStack(RollbackKeep)
	f := &fakeNative{}

	foreign := push(t, other, f, "foreign")
	assert.ErrorIs(t, s.Release(foreign, f.release), base.ErrInvalidState)
	assert.ErrorIs(t, s.RollbackTo(foreign, f.rollback, f.release), base.ErrInvalidState)
	assert.ErrorIs(t, s.Release(nil, f.release), base.ErrInvalidState)
}

func TestNativeFailureLeavesStack(t *testing.T) {
	s := NewStack(RollbackKeep)
	f := &fakeNative{}

	a := push(t, s, f, "a")
	b := push(t, s, f, "b")

	boom := errors.New("boom")
	f.fail = boom

	assert.ErrorIs(t, s.Release(a, f.release), boom)
	assert.ErrorIs(t, s.RollbackTo(a, f.rollback, f.release), boom)
	_, err := s.Push("c", f.define, f.release)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, Active, a.State())
	assert.Equal(t, Active, b.State())
}

func TestClear(t *testing.T) {
	s := NewStack(RollbackKeep)
	f := &fakeNative{}

	a := push(t, s, f, "a")
	b := push(t, s, f, "b")
	s.Clear(RolledBack)

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, RolledBack, a.State())
	assert.Equal(t, RolledBack, b.State())
	assert.Nil(t, s.Top())
}

func TestLookup(t *testing.T) {
	s := NewStack(RollbackKeep)
	f := &fakeNative{}

	first := push(t, s, f, "a")
	require.NoError(t, s.Release(first, f.release))
	again := push(t, s, f, "a")
	unnamed := push(t, s, f, "")

	assert.Same(t, again, s.Lookup("a"))
	assert.Same(t, unnamed, s.Lookup(unnamed.Name()))
	assert.Nil(t, s.Lookup("missing"))
	assert.Len(t, s.Items(), 2)
}

func TestPushRejectsNameInUse(t *testing.T) {
	s := NewStack(RollbackKeep)
	f := &fakeNative{}

	x := push(t, s, f, "x")
	unnamed := push(t, s, f, "")
	calls := len(f.calls)

	_, err := s.Push("x", f.define, f.release)
	assert.ErrorIs(t, err, base.ErrNameInUse)

	// The synthesized namespace is off limits, taken or not.
	_, err = s.Push(unnamed.Name(), f.define, f.release)
	assert.ErrorIs(t, err, base.ErrNameInUse)
	_, err = s.Push("spibridge_sp_99", f.define, f.release)
	assert.ErrorIs(t, err, base.ErrNameInUse)

	assert.Len(t, f.calls, calls, "rejected names never reach the backend")
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, Active, x.State())

	// Once x is gone the name is free again.
	require.NoError(t, s.Release(x, f.release))
	push(t, s, f, "x")
}

func TestPushUndoesRejectedID(t *testing.T) {
	s := NewStack(RollbackKeep)
	f := &fakeNative{nextID: -2}

	_, err := s.Push("", f.define, f.release)
	assert.ErrorIs(t, err, base.ErrNativeFailure)
	assert.Equal(t, []string{"define ", "release spibridge_sp_-1"}, f.calls)
	assert.Equal(t, 0, s.Len())

	// A reused id is undone the same way.
	f = &fakeNative{}
	one := push(t, s, f, "")
	f.nextID = 0
	_, err = s.Push("", f.define, f.release)
	assert.ErrorIs(t, err, base.ErrNativeFailure)
	assert.Equal(t, "release spibridge_sp_1", f.calls[len(f.calls)-1])
	assert.Same(t, one, s.Top())
	assert.Equal(t, 1, s.Len())
}
