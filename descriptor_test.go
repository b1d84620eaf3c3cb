package spibridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/spibridge/native"
)

func TestTupleDescriptor(t *testing.T) {
	cols := []Column{
		{Name: "id", Type: native.TypeInt},
		{Name: "name", Type: native.TypeText, Nullable: true},
		{Name: "id", Type: native.TypeText},
	}
	d := NewTupleDescriptor(cols...)

	// The descriptor owns its columns.
	cols[0].Name = "changed"

	assert.Equal(t, 3, d.NumColumns())
	c, err := d.Column(1)
	require.NoError(t, err)
	assert.Equal(t, "id", c.Name)

	_, err = d.Column(0)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	_, err = d.Column(4)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	// Duplicate names resolve to the first.
	i, ok := d.ColumnIndex("id")
	assert.True(t, ok)
	assert.Equal(t, 1, i)
	_, ok = d.ColumnIndex("missing")
	assert.False(t, ok)

	assert.Equal(t, "(id int not null, name text, id text not null)", d.String())
}

func TestOpError(t *testing.T) {
	err := opError("release savepoint", `savepoint "a" (released)`, ErrInvalidState)
	assert.EqualError(t, err, `spibridge: release savepoint savepoint "a" (released): savepoint is not active on this transaction`)
	assert.ErrorIs(t, err, ErrInvalidState)

	// Never wrapped twice.
	assert.Same(t, err, opError("other", "", err))
	assert.NoError(t, opError("noop", "", nil))

	nerr := nativeError(native.ErrResourceGone)
	assert.ErrorIs(t, nerr, ErrStaleHandle)
	assert.NotErrorIs(t, nerr, ErrNativeFailure)
	assert.ErrorIs(t, nativeError(assert.AnError), ErrNativeFailure)
	assert.ErrorIs(t, nativeError(assert.AnError), assert.AnError)
}
