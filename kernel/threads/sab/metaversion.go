package sab

import (
	"encoding/binary"
	"fmt"
)

// Metaversion tracks changes to a batch. Memory changes whenever the
// segment is resized (cached pointers into it are stale); Batch changes on
// every write. Batch is never lower than Memory.
type Metaversion struct {
	Memory uint32
	Batch  uint32
}

// InitialMetaversion is the version of a freshly written batch
var InitialMetaversion = Metaversion{}

// NewMetaversion validates the batch >= memory invariant
func NewMetaversion(memory, batch uint32) (Metaversion, error) {
	if batch < memory {
		return Metaversion{}, fmt.Errorf("invalid metaversion: batch %d < memory %d", batch, memory)
	}
	return Metaversion{Memory: memory, Batch: batch}, nil
}

// Increment bumps both versions
func (m *Metaversion) Increment() {
	m.Memory++
	m.Batch++
}

// IncrementBatch bumps the batch version only
func (m *Metaversion) IncrementBatch() {
	m.Batch++
}

// IncrementWith bumps the versions implied by change. A resize invalidates
// memory, a shift only the batch contents.
func (m *Metaversion) IncrementWith(change BufferChange) {
	switch {
	case change.Resized:
		m.Increment()
	case change.Shifted:
		m.IncrementBatch()
	}
}

// OlderThan compares batch versions
func (m Metaversion) OlderThan(other Metaversion) bool {
	return m.Batch < other.Batch
}

// NewerThan compares batch versions
func (m Metaversion) NewerThan(other Metaversion) bool {
	return m.Batch > other.Batch
}

// MemoryChanged reports whether other observed a different memory version
func (m Metaversion) MemoryChanged(other Metaversion) bool {
	return m.Memory != other.Memory
}

func (m Metaversion) String() string {
	return fmt.Sprintf("(memory: %d, batch: %d)", m.Memory, m.Batch)
}

// Encode serializes the metaversion as 8 little-endian bytes
func (m Metaversion) Encode() []byte {
	out := make([]byte, SIZE_METAVERSION)
	binary.LittleEndian.PutUint32(out[0:], m.Memory)
	binary.LittleEndian.PutUint32(out[4:], m.Batch)
	return out
}

// DecodeMetaversion reads a metaversion from the first 8 bytes of src
func DecodeMetaversion(src []byte) (Metaversion, error) {
	if len(src) < SIZE_METAVERSION {
		return Metaversion{}, fmt.Errorf("metaversion needs %d bytes, got %d", SIZE_METAVERSION, len(src))
	}
	return NewMetaversion(
		binary.LittleEndian.Uint32(src[0:]),
		binary.LittleEndian.Uint32(src[4:]),
	)
}

// BufferChange describes what a segment write did to the memory layout
type BufferChange struct {
	Resized bool
	Shifted bool
}

// Merge combines two changes
func (c BufferChange) Merge(other BufferChange) BufferChange {
	return BufferChange{
		Resized: c.Resized || other.Resized,
		Shifted: c.Shifted || other.Shifted,
	}
}
