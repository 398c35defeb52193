package sab

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrEmptySharedMemory   = errors.New("segment would be empty")
	ErrSharedMemoryMaxSize = errors.New("segment exceeds maximum size")
	ErrInvalidMemoryID     = errors.New("invalid memory id")
	ErrHeaderTooSmall      = errors.New("header region cannot hold the metaversion")
)

// Segment is a named shared-memory region made of a markers table followed
// by schema, header, meta and data regions.
type Segment struct {
	mu       sync.RWMutex
	name     string
	provider MemoryProvider
	markers  Markers
}

// RegionSizes are the byte sizes requested for a new segment
type RegionSizes struct {
	Schema int
	Header int
	Meta   int
	Data   int
}

func (s RegionSizes) array() [NUM_REGIONS]int {
	return [NUM_REGIONS]int{s.Schema, s.Header, s.Meta, s.Data}
}

func validateSize(total, payload int) error {
	if payload == 0 {
		return ErrEmptySharedMemory
	}
	if total > MAX_SEGMENT_SIZE {
		return fmt.Errorf("%w: %d > %d bytes", ErrSharedMemoryMaxSize, total, MAX_SEGMENT_SIZE)
	}
	return nil
}

// CreateSegment allocates a new segment under base. Name collisions are
// retried with a fresh suffix.
func CreateSegment(alloc Allocator, base uuid.UUID, sizes RegionSizes) (*Segment, error) {
	if sizes.Header < SIZE_METAVERSION {
		sizes.Header = SIZE_METAVERSION
	}
	markers := MarkersForSizes(sizes.array())
	total := markers.TotalSize()
	if err := validateSize(total, sizes.Schema+sizes.Meta+sizes.Data); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < MAX_CREATE_RETRY; attempt++ {
		id := NewMemoryID(base)
		provider, err := alloc.Create(id.String(), total)
		if errors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create segment %s: %w", id, err)
		}
		seg := &Segment{name: id.String(), provider: provider, markers: markers}
		markers.Encode(provider.Bytes()[:SIZE_MARKERS])
		return seg, nil
	}
	return nil, fmt.Errorf("%w: no free name under %s after %d attempts", ErrAllocation, Prefix(base), MAX_CREATE_RETRY)
}

// NewSegmentFromBuffers creates a segment holding copies of the given regions
func NewSegmentFromBuffers(alloc Allocator, base uuid.UUID, schema, header, meta, data []byte) (*Segment, error) {
	seg, err := CreateSegment(alloc, base, RegionSizes{
		Schema: len(schema),
		Header: len(header),
		Meta:   len(meta),
		Data:   len(data),
	})
	if err != nil {
		return nil, err
	}
	copy(seg.Schema(), schema)
	copy(seg.Header(), header)
	copy(seg.Meta(), meta)
	copy(seg.Data(), data)
	return seg, nil
}

// OpenSegment attaches to an existing segment by name
func OpenSegment(alloc Allocator, name string) (*Segment, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	provider, err := alloc.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", name, err)
	}
	seg := &Segment{name: name, provider: provider}
	if err := seg.readMarkers(); err != nil {
		_ = provider.Close()
		return nil, err
	}
	return seg, nil
}

func (s *Segment) readMarkers() error {
	markers, err := DecodeMarkers(s.provider.Bytes())
	if err != nil {
		return err
	}
	if err := markers.Validate(s.provider.Size()); err != nil {
		return err
	}
	if markers.Sizes[REGION_HEADER] < SIZE_METAVERSION {
		return ErrHeaderTooSmall
	}
	s.markers = markers
	return nil
}

// Name returns the segment's shared-memory name
func (s *Segment) Name() string {
	return s.name
}

// Size returns the total mapped size
func (s *Segment) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider.Size()
}

// Markers returns a copy of the region table
func (s *Segment) Markers() Markers {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markers
}

func (s *Segment) region(r int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off := s.markers.Offsets[r]
	return s.provider.Bytes()[off : off+s.markers.Sizes[r] : off+s.markers.Sizes[r]]
}

func (s *Segment) Schema() []byte { return s.region(REGION_SCHEMA) }
func (s *Segment) Header() []byte { return s.region(REGION_HEADER) }
func (s *Segment) Meta() []byte   { return s.region(REGION_META) }
func (s *Segment) Data() []byte   { return s.region(REGION_DATA) }

// PersistedMetaversion reads the metaversion stored in the header
func (s *Segment) PersistedMetaversion() (Metaversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off := s.markers.Offsets[REGION_HEADER]
	memory, err := s.provider.AtomicLoad32(off)
	if err != nil {
		return Metaversion{}, err
	}
	batch, err := s.provider.AtomicLoad32(off + 4)
	if err != nil {
		return Metaversion{}, err
	}
	return NewMetaversion(memory, batch)
}

// SetPersistedMetaversion stores mv in the header. The batch version is
// written last so a reader never observes batch < memory.
func (s *Segment) SetPersistedMetaversion(mv Metaversion) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off := s.markers.Offsets[REGION_HEADER]
	if err := s.provider.AtomicStore32(off+4, mv.Batch); err != nil {
		return err
	}
	return s.provider.AtomicStore32(off, mv.Memory)
}

// SetDataLength resizes the data region to n bytes
func (s *Segment) SetDataLength(n int) (BufferChange, error) {
	return s.resizeRegion(REGION_DATA, n)
}

// SetMetadata replaces the meta region with meta, resizing as needed
func (s *Segment) SetMetadata(meta []byte) (BufferChange, error) {
	return s.replaceRegion(REGION_META, meta)
}

// SetSchema replaces the schema region
func (s *Segment) SetSchema(schema []byte) (BufferChange, error) {
	return s.replaceRegion(REGION_SCHEMA, schema)
}

// SetHeader replaces the header region. The persisted metaversion is kept.
func (s *Segment) SetHeader(header []byte) (BufferChange, error) {
	if len(header) < SIZE_METAVERSION {
		return BufferChange{}, ErrHeaderTooSmall
	}
	mv, err := s.PersistedMetaversion()
	if err != nil {
		return BufferChange{}, err
	}
	change, err := s.replaceRegion(REGION_HEADER, header)
	if err != nil {
		return change, err
	}
	return change, s.SetPersistedMetaversion(mv)
}

func (s *Segment) replaceRegion(r int, contents []byte) (BufferChange, error) {
	change, err := s.resizeRegion(r, len(contents))
	if err != nil {
		return change, err
	}
	copy(s.region(r), contents)
	return change, nil
}

// resizeRegion changes the size of region r and shifts the regions after it.
// Growing resizes the mapping before moving trailing regions back to front;
// shrinking moves trailing regions front to back before resizing.
func (s *Segment) resizeRegion(r, size int) (BufferChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.markers.Sizes[r] == size {
		return BufferChange{}, nil
	}

	sizes := s.markers.Sizes
	sizes[r] = size
	next := MarkersForSizes(sizes)
	total := next.TotalSize()
	payload := next.Sizes[REGION_SCHEMA] + next.Sizes[REGION_META] + next.Sizes[REGION_DATA]
	if err := validateSize(total, payload); err != nil {
		return BufferChange{}, err
	}

	prev := s.markers
	change := BufferChange{Resized: total != s.provider.Size()}
	for i := r + 1; i < NUM_REGIONS; i++ {
		if next.Offsets[i] != prev.Offsets[i] {
			change.Shifted = true
		}
	}

	move := func(i int) {
		buf := s.provider.Bytes()
		n := prev.Sizes[i]
		copy(buf[next.Offsets[i]:next.Offsets[i]+n], buf[prev.Offsets[i]:prev.Offsets[i]+n])
	}

	if total > s.provider.Size() {
		if err := s.provider.Resize(total); err != nil {
			return BufferChange{}, fmt.Errorf("resize segment %s: %w", s.name, err)
		}
		for i := NUM_REGIONS - 1; i > r; i-- {
			move(i)
		}
	} else {
		for i := r + 1; i < NUM_REGIONS; i++ {
			move(i)
		}
		if total < s.provider.Size() {
			if err := s.provider.Resize(total); err != nil {
				return BufferChange{}, fmt.Errorf("resize segment %s: %w", s.name, err)
			}
		}
	}

	if size > prev.Sizes[r] {
		buf := s.provider.Bytes()
		clear(buf[next.Offsets[r]+prev.Sizes[r] : next.Offsets[r]+size])
	}

	s.markers = next
	next.Encode(s.provider.Bytes()[:SIZE_MARKERS])
	return change, nil
}

// Refresh picks up a resize made through another handle on the same
// segment. It reports whether the mapping changed.
func (s *Segment) Refresh() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remapped, err := s.provider.Refresh()
	if err != nil {
		return false, err
	}
	before := s.markers
	if err := s.readMarkers(); err != nil {
		return false, err
	}
	return remapped || before != s.markers, nil
}

// Duplicate copies the segment's regions into a new segment under base
func (s *Segment) Duplicate(alloc Allocator, base uuid.UUID) (*Segment, error) {
	dup, err := NewSegmentFromBuffers(alloc, base, s.Schema(), s.Header(), s.Meta(), s.Data())
	if err != nil {
		return nil, fmt.Errorf("duplicate segment %s: %w", s.name, err)
	}
	return dup, nil
}

// Close releases the mapping without removing the segment
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider.Close()
}

// Unlink releases the mapping and removes the segment
func (s *Segment) Unlink() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider.Unlink()
}
