package spibridge

import (
	"fmt"
	"strings"

	"github.com/alexhholmes/spibridge/native"
)

// Column describes one attribute of a row shape.
type Column = native.Column

// ColumnType is the coarse SQL type of a column.
type ColumnType = native.ColumnType

// Value is a column value; SQL NULL has Null set.
type Value = native.Value

// TupleDescriptor is the ordered, immutable column layout shared by every
// tuple of one row shape. Column positions are 1-based.
type TupleDescriptor struct {
	cols  []Column
	index map[string]int // name -> first 1-based position
}

// NewTupleDescriptor builds a descriptor from cols. The slice is copied.
func NewTupleDescriptor(cols ...Column) *TupleDescriptor {
	d := &TupleDescriptor{
		cols:  make([]Column, len(cols)),
		index: make(map[string]int, len(cols)),
	}
	copy(d.cols, cols)
	for i, c := range d.cols {
		if _, dup := d.index[c.Name]; !dup {
			d.index[c.Name] = i + 1
		}
	}
	return d
}

// NumColumns returns the column count.
func (d *TupleDescriptor) NumColumns() int { return len(d.cols) }

// Column returns the column at 1-based position i.
func (d *TupleDescriptor) Column(i int) (Column, error) {
	if err := d.checkIndex(i); err != nil {
		return Column{}, err
	}
	return d.cols[i-1], nil
}

// ColumnIndex returns the 1-based position of the first column called name.
func (d *TupleDescriptor) ColumnIndex(name string) (int, bool) {
	i, ok := d.index[name]
	return i, ok
}

// Columns returns a copy of the columns.
func (d *TupleDescriptor) Columns() []Column {
	out := make([]Column, len(d.cols))
	copy(out, d.cols)
	return out
}

func (d *TupleDescriptor) checkIndex(i int) error {
	if i < 1 || i > len(d.cols) {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrIndexOutOfRange, i, len(d.cols))
	}
	return nil
}

// matches reports whether d can describe rows of shape other. Only the column
// count can be checked without the catalog.
func (d *TupleDescriptor) matches(other *TupleDescriptor) bool {
	if d == nil || other == nil {
		return false
	}
	return d == other || len(d.cols) == len(other.cols)
}

func (d *TupleDescriptor) String() string {
	parts := make([]string, len(d.cols))
	for i, c := range d.cols {
		parts[i] = c.Name + " " + c.Type.String()
		if !c.Nullable {
			parts[i] += " not null"
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
