package sab

import "errors"

// MemoryProvider abstracts access to the bytes of one segment.
// Implementations may be backed by mmap or by in-memory buffers.
//
// Bytes returns the live mapping. The slice is invalidated by Resize and
// Refresh and must be fetched again afterwards.
type MemoryProvider interface {
	Name() string
	Size() int
	Bytes() []byte
	ReadAt(offset int, dest []byte) error
	WriteAt(offset int, src []byte) error
	AtomicLoad32(offset int) (uint32, error)
	AtomicStore32(offset int, val uint32) error
	Resize(size int) error
	Refresh() (bool, error)
	Close() error
	Unlink() error
}

// Allocator creates, opens and removes named providers.
type Allocator interface {
	Create(name string, size int) (MemoryProvider, error)
	Open(name string) (MemoryProvider, error)
	RemovePrefix(prefix string) (int, error)
}

var (
	ErrOutOfBounds = errors.New("offset out of bounds")
	ErrMisaligned  = errors.New("offset is not 4-byte aligned")
	ErrExists      = errors.New("shared memory already exists")
	ErrNotFound    = errors.New("shared memory not found")
	ErrAllocation  = errors.New("shared memory allocation failed")
	ErrClosed      = errors.New("shared memory closed")
)

func checkRange(size, offset, length int) error {
	if offset < 0 || length < 0 || offset+length > size {
		return ErrOutOfBounds
	}
	return nil
}

func checkAtomic(size, offset int) error {
	if offset < 0 || offset+4 > size {
		return ErrOutOfBounds
	}
	if offset%4 != 0 {
		return ErrMisaligned
	}
	return nil
}
