package sab

import (
	"encoding/binary"
	"fmt"
)

// Buffer describes one physical region inside the data region
type Buffer struct {
	Offset  int
	Length  int
	Padding int
}

// NextOffset is where the following buffer starts
func (b Buffer) NextOffset() int {
	return b.Offset + b.Length + b.Padding
}

// Node describes one logical column
type Node struct {
	Length    int
	NullCount int
}

// BufferKind identifies the role of a column buffer
type BufferKind uint8

const (
	BufferValidity BufferKind = iota
	BufferOffsets
	BufferValues
)

// ColumnLayout lists the buffers a column owns, in order
type ColumnLayout struct {
	Name    string
	Buffers []BufferKind
}

// Static is the per-schema part of the batch metadata. It never changes
// after the schema is frozen.
type Static struct {
	Columns []ColumnLayout
}

// NumBuffers is the total buffer count over every column
func (s Static) NumBuffers() int {
	n := 0
	for _, c := range s.Columns {
		n += len(c.Buffers)
	}
	return n
}

// BufferStart returns the index of the first buffer of column col
func (s Static) BufferStart(col int) int {
	n := 0
	for i := 0; i < col; i++ {
		n += len(s.Columns[i].Buffers)
	}
	return n
}

// Dynamic aggregates every node and buffer of a batch
type Dynamic struct {
	Length     int
	DataLength int
	Nodes      []Node
	Buffers    []Buffer
}

const (
	sizeDynamicHeader = 24
	sizeNode          = 16
	sizeBuffer        = 24
)

// EncodedSize is the number of bytes Encode produces
func (d Dynamic) EncodedSize() int {
	return sizeDynamicHeader + len(d.Nodes)*sizeNode + len(d.Buffers)*sizeBuffer
}

// Encode serializes the metadata little-endian
func (d Dynamic) Encode() []byte {
	out := make([]byte, d.EncodedSize())
	binary.LittleEndian.PutUint64(out[0:], uint64(d.Length))
	binary.LittleEndian.PutUint64(out[8:], uint64(d.DataLength))
	binary.LittleEndian.PutUint32(out[16:], uint32(len(d.Nodes)))
	binary.LittleEndian.PutUint32(out[20:], uint32(len(d.Buffers)))
	pos := sizeDynamicHeader
	for _, n := range d.Nodes {
		binary.LittleEndian.PutUint64(out[pos:], uint64(n.Length))
		binary.LittleEndian.PutUint64(out[pos+8:], uint64(n.NullCount))
		pos += sizeNode
	}
	for _, b := range d.Buffers {
		binary.LittleEndian.PutUint64(out[pos:], uint64(b.Offset))
		binary.LittleEndian.PutUint64(out[pos+8:], uint64(b.Length))
		binary.LittleEndian.PutUint64(out[pos+16:], uint64(b.Padding))
		pos += sizeBuffer
	}
	return out
}

// DecodeDynamic parses metadata written by Encode
func DecodeDynamic(src []byte) (Dynamic, error) {
	var d Dynamic
	if len(src) < sizeDynamicHeader {
		return d, &LayoutError{Code: "META_TRUNCATED", Message: "metadata header truncated"}
	}
	d.Length = int(binary.LittleEndian.Uint64(src[0:]))
	d.DataLength = int(binary.LittleEndian.Uint64(src[8:]))
	numNodes := int(binary.LittleEndian.Uint32(src[16:]))
	numBuffers := int(binary.LittleEndian.Uint32(src[20:]))
	if len(src) < sizeDynamicHeader+numNodes*sizeNode+numBuffers*sizeBuffer {
		return d, &LayoutError{Code: "META_TRUNCATED", Message: fmt.Sprintf("metadata for %d nodes and %d buffers truncated", numNodes, numBuffers)}
	}
	pos := sizeDynamicHeader
	d.Nodes = make([]Node, numNodes)
	for i := range d.Nodes {
		d.Nodes[i] = Node{
			Length:    int(binary.LittleEndian.Uint64(src[pos:])),
			NullCount: int(binary.LittleEndian.Uint64(src[pos+8:])),
		}
		pos += sizeNode
	}
	d.Buffers = make([]Buffer, numBuffers)
	for i := range d.Buffers {
		d.Buffers[i] = Buffer{
			Offset:  int(binary.LittleEndian.Uint64(src[pos:])),
			Length:  int(binary.LittleEndian.Uint64(src[pos+8:])),
			Padding: int(binary.LittleEndian.Uint64(src[pos+16:])),
		}
		pos += sizeBuffer
	}
	return d, nil
}

// Validate checks that buffers are contiguous from offset 0 and that the
// last one ends at DataLength, which must fit in dataSize.
func (d Dynamic) Validate(static Static, dataSize int) error {
	if len(d.Nodes) != len(static.Columns) {
		return &LayoutError{Code: "META_NODES", Message: fmt.Sprintf("%d nodes for %d columns", len(d.Nodes), len(static.Columns))}
	}
	if len(d.Buffers) != static.NumBuffers() {
		return &LayoutError{Code: "META_BUFFERS", Message: fmt.Sprintf("%d buffers, layout needs %d", len(d.Buffers), static.NumBuffers())}
	}
	next := 0
	for i, b := range d.Buffers {
		if b.Offset != next {
			return &LayoutError{Code: "META_GAP", Message: fmt.Sprintf("buffer %d at %d, expected %d", i, b.Offset, next)}
		}
		next = b.NextOffset()
	}
	if next != d.DataLength {
		return &LayoutError{Code: "META_LENGTH", Message: fmt.Sprintf("buffers end at %d, data length is %d", next, d.DataLength)}
	}
	if d.DataLength > dataSize {
		return &LayoutError{Code: "META_OVERFLOW", Message: fmt.Sprintf("data length %d exceeds data region %d", d.DataLength, dataSize)}
	}
	return nil
}

// Clone returns a deep copy
func (d Dynamic) Clone() Dynamic {
	return Dynamic{
		Length:     d.Length,
		DataLength: d.DataLength,
		Nodes:      append([]Node(nil), d.Nodes...),
		Buffers:    append([]Buffer(nil), d.Buffers...),
	}
}
