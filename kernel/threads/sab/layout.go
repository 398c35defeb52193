package sab

import (
	"encoding/binary"
	"math"
)

// Segment layout:
//
//	[markers: 8 x u64][schema][header][meta][data]
//
// Every region starts on an ALIGNMENT boundary. The first METAVERSION_SIZE
// bytes of the header region hold the persisted metaversion.
const (
	SIZE_MARKERS      = 64
	ALIGNMENT         = 8
	SIZE_METAVERSION  = 8
	MAX_SEGMENT_SIZE  = math.MaxInt32
	MAX_CREATE_RETRY  = 16
	SHM_ID_PREFIX     = "shm_"
	DARWIN_ID_HEX_LEN = 20
)

// Region indices inside the markers table
const (
	REGION_SCHEMA = iota
	REGION_HEADER
	REGION_META
	REGION_DATA
	NUM_REGIONS
)

var regionNames = map[int]string{
	REGION_SCHEMA: "schema",
	REGION_HEADER: "header",
	REGION_META:   "meta",
	REGION_DATA:   "data",
}

// LayoutError represents a segment layout violation
type LayoutError struct {
	Code    string
	Message string
}

func (e *LayoutError) Error() string {
	return e.Code + ": " + e.Message
}

// AlignOffset rounds offset up to the next multiple of alignment
func AlignOffset(offset, alignment int) int {
	if alignment <= 1 {
		return offset
	}
	return (offset + alignment - 1) / alignment * alignment
}

// Padding returns the number of bytes needed after a buffer of length bytes
// starting at an aligned offset so the next buffer is aligned as well.
func Padding(length int) int {
	return AlignOffset(length, ALIGNMENT) - length
}

// Markers locate the four regions of a segment
type Markers struct {
	Offsets [NUM_REGIONS]int
	Sizes   [NUM_REGIONS]int
}

// MarkersForSizes lays out regions of the given sizes back to back
func MarkersForSizes(sizes [NUM_REGIONS]int) Markers {
	var m Markers
	offset := SIZE_MARKERS
	for i := 0; i < NUM_REGIONS; i++ {
		offset = AlignOffset(offset, ALIGNMENT)
		m.Offsets[i] = offset
		m.Sizes[i] = sizes[i]
		offset += sizes[i]
	}
	return m
}

// TotalSize is the number of bytes needed to hold every region
func (m Markers) TotalSize() int {
	last := NUM_REGIONS - 1
	return m.Offsets[last] + m.Sizes[last]
}

// Encode writes the markers table into dst (at least SIZE_MARKERS bytes)
func (m Markers) Encode(dst []byte) {
	for i := 0; i < NUM_REGIONS; i++ {
		binary.LittleEndian.PutUint64(dst[i*16:], uint64(m.Offsets[i]))
		binary.LittleEndian.PutUint64(dst[i*16+8:], uint64(m.Sizes[i]))
	}
}

// DecodeMarkers reads a markers table from src
func DecodeMarkers(src []byte) (Markers, error) {
	var m Markers
	if len(src) < SIZE_MARKERS {
		return m, &LayoutError{Code: "MARKERS_TRUNCATED", Message: "segment smaller than markers table"}
	}
	for i := 0; i < NUM_REGIONS; i++ {
		off := binary.LittleEndian.Uint64(src[i*16:])
		size := binary.LittleEndian.Uint64(src[i*16+8:])
		if off > MAX_SEGMENT_SIZE || size > MAX_SEGMENT_SIZE {
			return m, &LayoutError{Code: "MARKER_RANGE", Message: regionNames[i] + " marker out of range"}
		}
		m.Offsets[i] = int(off)
		m.Sizes[i] = int(size)
	}
	return m, nil
}

// Validate checks that regions are aligned, ordered, disjoint and fit in size
func (m Markers) Validate(size int) error {
	prevEnd := SIZE_MARKERS
	for i := 0; i < NUM_REGIONS; i++ {
		if m.Offsets[i]%ALIGNMENT != 0 {
			return &LayoutError{Code: "REGION_MISALIGNED", Message: regionNames[i] + " region is not aligned"}
		}
		if m.Offsets[i] < prevEnd {
			return &LayoutError{Code: "REGION_OVERLAP", Message: regionNames[i] + " region overlaps its predecessor"}
		}
		prevEnd = m.Offsets[i] + m.Sizes[i]
	}
	if prevEnd > size {
		return &LayoutError{Code: "REGION_OVERFLOW", Message: "regions exceed segment size"}
	}
	return nil
}
