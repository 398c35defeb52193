package sab

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"
)

// InMemoryProvider stores segment data in a local byte slice.
type InMemoryProvider struct {
	name  string
	data  []byte
	owner *MemoryAllocator
}

// NewInMemoryProvider creates an in-memory provider with the requested size.
func NewInMemoryProvider(size int) *InMemoryProvider {
	return &InMemoryProvider{data: alignedBytes(size)}
}

// alignedBytes allocates a buffer whose first byte is 8-byte aligned.
func alignedBytes(size int) []byte {
	words := make([]uint64, (size+7)/8)
	if len(words) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)[:size]
}

func (m *InMemoryProvider) Name() string {
	return m.name
}

func (m *InMemoryProvider) Size() int {
	return len(m.data)
}

func (m *InMemoryProvider) Bytes() []byte {
	return m.data
}

func (m *InMemoryProvider) ReadAt(offset int, dest []byte) error {
	if err := checkRange(len(m.data), offset, len(dest)); err != nil {
		return err
	}
	copy(dest, m.data[offset:offset+len(dest)])
	return nil
}

func (m *InMemoryProvider) WriteAt(offset int, src []byte) error {
	if err := checkRange(len(m.data), offset, len(src)); err != nil {
		return err
	}
	copy(m.data[offset:offset+len(src)], src)
	return nil
}

func (m *InMemoryProvider) AtomicLoad32(offset int) (uint32, error) {
	if err := checkAtomic(len(m.data), offset); err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.data[offset]))), nil
}

func (m *InMemoryProvider) AtomicStore32(offset int, val uint32) error {
	if err := checkAtomic(len(m.data), offset); err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.data[offset])), val)
	return nil
}

func (m *InMemoryProvider) Resize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: resize to %d bytes", ErrAllocation, size)
	}
	data := alignedBytes(size)
	copy(data, m.data)
	m.data = data
	return nil
}

func (m *InMemoryProvider) Refresh() (bool, error) {
	return false, nil
}

func (m *InMemoryProvider) Close() error {
	return nil
}

func (m *InMemoryProvider) Unlink() error {
	if m.owner != nil {
		m.owner.remove(m.name)
	}
	return nil
}

// MemoryAllocator keeps named in-memory providers. Opening a name returns the
// provider created under it, so every holder sees the same bytes.
type MemoryAllocator struct {
	mu        sync.Mutex
	providers map[string]*InMemoryProvider
}

// NewMemoryAllocator creates an empty in-memory allocator.
func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{providers: make(map[string]*InMemoryProvider)}
}

func (a *MemoryAllocator) Create(name string, size int) (MemoryProvider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.providers[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrAllocation, size)
	}
	p := &InMemoryProvider{name: name, data: alignedBytes(size), owner: a}
	a.providers[name] = p
	return p, nil
}

func (a *MemoryAllocator) Open(name string) (MemoryProvider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

func (a *MemoryAllocator) RemovePrefix(prefix string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for name := range a.providers {
		if strings.HasPrefix(name, prefix) {
			delete(a.providers, name)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of live providers
func (a *MemoryAllocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.providers)
}

func (a *MemoryAllocator) remove(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.providers, name)
}
