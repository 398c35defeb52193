package sab

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStatic = Static{Columns: []ColumnLayout{
	{Name: "age", Buffers: []BufferKind{BufferValidity, BufferValues}},
	{Name: "name", Buffers: []BufferKind{BufferValidity, BufferOffsets, BufferValues}},
	{Name: "alive", Buffers: []BufferKind{BufferValidity, BufferValues}},
}}

func u32s(vals ...uint32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

func freshColumns(rows int, name string) []ColumnChange {
	ages := make([]uint32, rows)
	offsets := make([]uint32, rows+1)
	names := make([]byte, 0, rows*len(name))
	for i := 0; i < rows; i++ {
		ages[i] = uint32(i)
		names = append(names, name...)
		offsets[i+1] = uint32(len(names))
	}
	return []ColumnChange{
		{Index: 0, Node: Node{Length: rows}, Buffers: [][]byte{nil, u32s(ages...)}},
		{Index: 1, Node: Node{Length: rows}, Buffers: [][]byte{nil, u32s(offsets...), names}},
		{Index: 2, Node: Node{Length: rows}, Buffers: [][]byte{nil, allValidBitmap(rows)}},
	}
}

func newFlushSegment(t *testing.T) *Segment {
	t.Helper()
	seg, err := CreateSegment(NewMemoryAllocator(), uuid.New(), RegionSizes{Schema: 8, Data: 8})
	require.NoError(t, err)
	return seg
}

func assertContiguous(t *testing.T, seg *Segment, dyn Dynamic) {
	t.Helper()
	require.NoError(t, dyn.Validate(testStatic, len(seg.Data())))
	for i := 1; i < len(dyn.Buffers); i++ {
		assert.Equal(t, dyn.Buffers[i-1].NextOffset(), dyn.Buffers[i].Offset)
		assert.Zero(t, dyn.Buffers[i].Offset%ALIGNMENT)
	}
	assert.Equal(t, dyn.DataLength, dyn.Buffers[len(dyn.Buffers)-1].NextOffset())

	persisted, err := DecodeDynamic(seg.Meta())
	require.NoError(t, err)
	assert.Equal(t, dyn, persisted)
}

func TestFlush_WriteFresh(t *testing.T) {
	seg := newFlushSegment(t)
	dyn, change, err := WriteFresh(seg, testStatic, freshColumns(3, "bob"))
	require.NoError(t, err)
	assert.True(t, change.Resized)

	assertContiguous(t, seg, dyn)
	assert.Equal(t, 3, dyn.Length)

	bufs := ColumnBuffers(seg.Data(), testStatic, dyn, 0)
	assert.Equal(t, []byte{0xFF}, bufs[0])
	assert.Equal(t, u32s(0, 1, 2), bufs[1])

	bufs = ColumnBuffers(seg.Data(), testStatic, dyn, 1)
	assert.Equal(t, []byte("bobbobbob"), bufs[2])
}

func TestFlush_GrowMiddleColumnKeepsNeighbours(t *testing.T) {
	seg := newFlushSegment(t)
	dyn, _, err := WriteFresh(seg, testStatic, freshColumns(3, "bob"))
	require.NoError(t, err)

	names := []byte("alexandra-alexandra-alexandra")
	next, change, err := Flush(seg, testStatic, dyn, []ColumnChange{{
		Index:   1,
		Node:    Node{Length: 3},
		Buffers: [][]byte{nil, u32s(0, 9, 19, 29), names},
	}})
	require.NoError(t, err)
	assert.True(t, change.Shifted)
	assertContiguous(t, seg, next)

	assert.Equal(t, u32s(0, 1, 2), ColumnBuffers(seg.Data(), testStatic, next, 0)[1])
	assert.Equal(t, names, ColumnBuffers(seg.Data(), testStatic, next, 1)[2])
	assert.Equal(t, allValidBitmap(3), ColumnBuffers(seg.Data(), testStatic, next, 2)[1])
}

func TestFlush_ShrinkFirstColumnMovesLeft(t *testing.T) {
	seg := newFlushSegment(t)
	dyn, _, err := WriteFresh(seg, testStatic, freshColumns(4, "carol"))
	require.NoError(t, err)
	before := len(seg.Data())

	// Same row count, narrower encoding of the first column's values.
	next, change, err := Flush(seg, testStatic, dyn, []ColumnChange{{
		Index:   0,
		Node:    Node{Length: 4},
		Buffers: [][]byte{nil, []byte{1, 2, 3, 4}},
	}})
	require.NoError(t, err)
	assert.True(t, change.Shifted)
	assertContiguous(t, seg, next)
	assert.Less(t, len(seg.Data()), before)

	assert.Equal(t, []byte("carolcarolcarolcarol"), ColumnBuffers(seg.Data(), testStatic, next, 1)[2])
}

func TestFlush_RowCountChange(t *testing.T) {
	seg := newFlushSegment(t)
	dyn, _, err := WriteFresh(seg, testStatic, freshColumns(2, "x"))
	require.NoError(t, err)

	partial := freshColumns(5, "y")[:1]
	_, _, err = Flush(seg, testStatic, dyn, partial)
	assert.ErrorIs(t, err, ErrPartialResize)

	next, _, err := Flush(seg, testStatic, dyn, freshColumns(5, "y"))
	require.NoError(t, err)
	assert.Equal(t, 5, next.Length)
	assertContiguous(t, seg, next)
}

func TestFlush_LayoutErrors(t *testing.T) {
	seg := newFlushSegment(t)
	dyn, _, err := WriteFresh(seg, testStatic, freshColumns(2, "x"))
	require.NoError(t, err)

	_, _, err = Flush(seg, testStatic, dyn, []ColumnChange{{Index: 7, Node: Node{Length: 2}}})
	assert.ErrorIs(t, err, ErrColumnLayout)

	_, _, err = Flush(seg, testStatic, dyn, []ColumnChange{{Index: 0, Node: Node{Length: 2}, Buffers: [][]byte{nil}}})
	assert.ErrorIs(t, err, ErrColumnLayout)

	_, _, err = Flush(seg, testStatic, dyn, []ColumnChange{{Index: 0, Node: Node{Length: 2, NullCount: 1}, Buffers: [][]byte{nil, u32s(1, 2)}}})
	assert.ErrorIs(t, err, ErrColumnLayout)

	_, _, err = WriteFresh(seg, testStatic, freshColumns(2, "x")[:2])
	assert.ErrorIs(t, err, ErrColumnLayout)
}

func TestFlush_NoChanges(t *testing.T) {
	seg := newFlushSegment(t)
	dyn, _, err := WriteFresh(seg, testStatic, freshColumns(2, "x"))
	require.NoError(t, err)

	next, change, err := Flush(seg, testStatic, dyn, nil)
	require.NoError(t, err)
	assert.Equal(t, dyn, next)
	assert.Equal(t, BufferChange{}, change)
}
