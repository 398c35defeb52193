package sab

import (
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MemoryID names a segment: a base id shared by every segment of one
// simulation run plus a random suffix distinguishing the segment.
type MemoryID struct {
	Base   uuid.UUID
	Suffix uint16
}

// NewMemoryID returns an id under base with a random suffix
func NewMemoryID(base uuid.UUID) MemoryID {
	return MemoryID{Base: base, Suffix: uint16(rand.Uint32N(1 << 16))}
}

// Prefix returns the name prefix shared by every segment of base
func Prefix(base uuid.UUID) string {
	encoded := hex.EncodeToString(base[:])
	if runtime.GOOS == "darwin" {
		// macOS limits shm names to 31 bytes.
		encoded = encoded[:DARWIN_ID_HEX_LEN]
	}
	return SHM_ID_PREFIX + encoded + "_"
}

func (m MemoryID) String() string {
	return Prefix(m.Base) + strconv.Itoa(int(m.Suffix))
}

// ValidateName checks that name looks like a segment name
func ValidateName(name string) error {
	if !strings.HasPrefix(name, SHM_ID_PREFIX) {
		return fmt.Errorf("%w: %q does not start with %q", ErrInvalidMemoryID, name, SHM_ID_PREFIX)
	}
	rest := strings.TrimPrefix(name, SHM_ID_PREFIX)
	sep := strings.LastIndexByte(rest, '_')
	if sep <= 0 {
		return fmt.Errorf("%w: %q has no suffix", ErrInvalidMemoryID, name)
	}
	if _, err := strconv.ParseUint(rest[sep+1:], 10, 16); err != nil {
		return fmt.Errorf("%w: %q suffix: %v", ErrInvalidMemoryID, name, err)
	}
	if _, err := hex.DecodeString(rest[:sep]); err != nil {
		return fmt.Errorf("%w: %q base: %v", ErrInvalidMemoryID, name, err)
	}
	return nil
}

// CleanUp removes every segment created under base and returns how many
// were removed.
func CleanUp(alloc Allocator, base uuid.UUID) (int, error) {
	return alloc.RemovePrefix(Prefix(base))
}
