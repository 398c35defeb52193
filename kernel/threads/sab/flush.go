package sab

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrPartialResize = errors.New("row count changed for a subset of columns")
	ErrColumnLayout  = errors.New("column change does not match column layout")
)

// ColumnChange replaces every buffer of one column. A nil validity buffer
// means all rows are valid.
type ColumnChange struct {
	Index   int
	Node    Node
	Buffers [][]byte
}

type actionKind uint8

const (
	// actionMove shifts an unchanged buffer to its new offset
	actionMove actionKind = iota
	// actionOwned writes bytes produced during the flush
	actionOwned
	// actionRef writes bytes borrowed from the change
	actionRef
)

type bufferAction struct {
	kind      actionKind
	oldOffset int
	newOffset int
	length    int
	padding   int
	data      []byte
}

// allValidBitmap returns a validity bitmap with every bit set
func allValidBitmap(rows int) []byte {
	bitmap := make([]byte, (rows+7)/8)
	for i := range bitmap {
		bitmap[i] = 0xFF
	}
	return bitmap
}

func sortChanges(static Static, changes []ColumnChange) ([]ColumnChange, error) {
	sorted := append([]ColumnChange(nil), changes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	for i, c := range sorted {
		if c.Index < 0 || c.Index >= len(static.Columns) {
			return nil, fmt.Errorf("%w: column %d out of range", ErrColumnLayout, c.Index)
		}
		if i > 0 && sorted[i-1].Index == c.Index {
			return nil, fmt.Errorf("%w: column %d changed twice", ErrColumnLayout, c.Index)
		}
		if len(c.Buffers) != len(static.Columns[c.Index].Buffers) {
			return nil, fmt.Errorf("%w: column %q has %d buffers, change has %d",
				ErrColumnLayout, static.Columns[c.Index].Name, len(static.Columns[c.Index].Buffers), len(c.Buffers))
		}
	}
	return sorted, nil
}

// planFlush computes the new metadata and the actions that produce it
func planFlush(static Static, dyn Dynamic, changes []ColumnChange) (Dynamic, []bufferAction, error) {
	changes, err := sortChanges(static, changes)
	if err != nil {
		return Dynamic{}, nil, err
	}

	rows := dyn.Length
	complete := len(changes) == len(static.Columns)
	for _, c := range changes {
		if c.Node.Length == dyn.Length {
			continue
		}
		if !complete {
			return Dynamic{}, nil, fmt.Errorf("%w: column %q has %d rows, batch has %d",
				ErrPartialResize, static.Columns[c.Index].Name, c.Node.Length, dyn.Length)
		}
		rows = changes[0].Node.Length
	}
	for _, c := range changes {
		if c.Node.Length != rows {
			return Dynamic{}, nil, fmt.Errorf("%w: column %q has %d rows, expected %d",
				ErrPartialResize, static.Columns[c.Index].Name, c.Node.Length, rows)
		}
	}
	if !complete && len(dyn.Buffers) != static.NumBuffers() {
		return Dynamic{}, nil, fmt.Errorf("%w: batch has %d buffers, layout needs %d", ErrColumnLayout, len(dyn.Buffers), static.NumBuffers())
	}

	next := Dynamic{
		Length:  rows,
		Nodes:   make([]Node, len(static.Columns)),
		Buffers: make([]Buffer, static.NumBuffers()),
	}
	copy(next.Nodes, dyn.Nodes)

	var actions []bufferAction
	offset := 0
	bufIdx := 0
	ci := 0
	for col, layout := range static.Columns {
		var change *ColumnChange
		if ci < len(changes) && changes[ci].Index == col {
			change = &changes[ci]
			ci++
			next.Nodes[col] = change.Node
		}

		for k, kind := range layout.Buffers {
			if change == nil {
				old := dyn.Buffers[bufIdx]
				if old.Offset != offset {
					actions = append(actions, bufferAction{
						kind:      actionMove,
						oldOffset: old.Offset,
						newOffset: offset,
						length:    old.Length,
					})
				}
				next.Buffers[bufIdx] = Buffer{Offset: offset, Length: old.Length, Padding: Padding(old.Length)}
			} else {
				action := bufferAction{kind: actionRef, newOffset: offset, data: change.Buffers[k]}
				if action.data == nil {
					if kind != BufferValidity {
						return Dynamic{}, nil, fmt.Errorf("%w: column %q buffer %d is missing", ErrColumnLayout, layout.Name, k)
					}
					if change.Node.NullCount > 0 {
						return Dynamic{}, nil, fmt.Errorf("%w: column %q has nulls but no validity bitmap", ErrColumnLayout, layout.Name)
					}
					action.kind = actionOwned
					action.data = allValidBitmap(change.Node.Length)
				}
				action.length = len(action.data)
				action.padding = Padding(action.length)
				actions = append(actions, action)
				next.Buffers[bufIdx] = Buffer{Offset: offset, Length: action.length, Padding: action.padding}
			}
			offset = next.Buffers[bufIdx].NextOffset()
			bufIdx++
		}
	}
	next.DataLength = offset
	return next, actions, nil
}

// Flush writes column changes into seg and returns the new metadata.
//
// Buffers after a changed one are moved so that every buffer starts at its
// predecessor's NextOffset. The data region grows before any move and
// shrinks after all of them. Moves towards the end run back to front and
// moves towards the start run front to back so no source is overwritten
// before it is read. Metadata is written last.
func Flush(seg *Segment, static Static, dyn Dynamic, changes []ColumnChange) (Dynamic, BufferChange, error) {
	if len(changes) == 0 {
		return dyn, BufferChange{}, nil
	}
	next, actions, err := planFlush(static, dyn, changes)
	if err != nil {
		return Dynamic{}, BufferChange{}, err
	}

	var change BufferChange
	oldLength := len(seg.Data())
	if next.DataLength > oldLength {
		c, err := seg.SetDataLength(next.DataLength)
		if err != nil {
			return Dynamic{}, BufferChange{}, err
		}
		change = change.Merge(c)
	}

	data := seg.Data()
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if a.kind == actionMove && a.newOffset > a.oldOffset {
			copy(data[a.newOffset:a.newOffset+a.length], data[a.oldOffset:a.oldOffset+a.length])
			change.Shifted = true
		}
	}
	for _, a := range actions {
		if a.kind == actionMove && a.newOffset < a.oldOffset {
			copy(data[a.newOffset:a.newOffset+a.length], data[a.oldOffset:a.oldOffset+a.length])
			change.Shifted = true
		}
	}
	for _, a := range actions {
		if a.kind == actionMove {
			continue
		}
		copy(data[a.newOffset:a.newOffset+a.length], a.data)
		clear(data[a.newOffset+a.length : a.newOffset+a.length+a.padding])
	}

	if next.DataLength < oldLength {
		c, err := seg.SetDataLength(next.DataLength)
		if err != nil {
			return Dynamic{}, BufferChange{}, err
		}
		change = change.Merge(c)
	}

	c, err := seg.SetMetadata(next.Encode())
	if err != nil {
		return Dynamic{}, BufferChange{}, err
	}
	return next, change.Merge(c), nil
}

// WriteFresh lays out a complete set of columns into seg, replacing whatever
// it held.
func WriteFresh(seg *Segment, static Static, columns []ColumnChange) (Dynamic, BufferChange, error) {
	if len(columns) != len(static.Columns) {
		return Dynamic{}, BufferChange{}, fmt.Errorf("%w: %d columns for a layout of %d", ErrColumnLayout, len(columns), len(static.Columns))
	}
	return Flush(seg, static, Dynamic{}, columns)
}

// ColumnBuffers returns the data-region slices of column col
func ColumnBuffers(data []byte, static Static, dyn Dynamic, col int) [][]byte {
	start := static.BufferStart(col)
	n := len(static.Columns[col].Buffers)
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		b := dyn.Buffers[start+i]
		out[i] = data[b.Offset : b.Offset+b.Length : b.Offset+b.Length]
	}
	return out
}
