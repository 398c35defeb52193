//go:build unix

package sab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// SharedMemoryProvider uses a memory-mapped file for shared access.
type SharedMemoryProvider struct {
	path string
	file *os.File
	data []byte
}

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path   string
	Size   int
	Create bool
}

// DefaultSharedMemoryPath returns the directory segments are created in.
func DefaultSharedMemoryPath() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// OpenSharedMemory opens or exclusively creates a shared memory mapping.
func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemoryProvider, error) {
	if opts.Path == "" {
		return nil, errors.New("shared memory path required")
	}

	path := filepath.Clean(opts.Path)
	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE | os.O_EXCL
	}

	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrExist):
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		case errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: open shared memory file: %v", ErrAllocation, err)
	}

	if opts.Create {
		if opts.Size <= 0 {
			_ = file.Close()
			_ = os.Remove(path)
			return nil, errors.New("shared memory size required when creating")
		}
		if err := file.Truncate(int64(opts.Size)); err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("%w: truncate shared memory file: %v", ErrAllocation, err)
		}
	}

	s := &SharedMemoryProvider{path: path, file: file}
	if err := s.mapFile(); err != nil {
		_ = file.Close()
		if opts.Create {
			_ = os.Remove(path)
		}
		return nil, err
	}
	return s, nil
}

func (s *SharedMemoryProvider) mapFile() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat shared memory file: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("shared memory file has zero size")
	}
	data, err := syscall.Mmap(int(s.file.Fd()), 0, int(info.Size()), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap shared memory file: %w", err)
	}
	s.data = data
	return nil
}

func (s *SharedMemoryProvider) unmap() error {
	if s.data == nil {
		return nil
	}
	err := syscall.Munmap(s.data)
	s.data = nil
	return err
}

func (s *SharedMemoryProvider) Name() string {
	return filepath.Base(s.path)
}

func (s *SharedMemoryProvider) Size() int {
	return len(s.data)
}

func (s *SharedMemoryProvider) Bytes() []byte {
	return s.data
}

func (s *SharedMemoryProvider) ReadAt(offset int, dest []byte) error {
	if err := checkRange(len(s.data), offset, len(dest)); err != nil {
		return err
	}
	copy(dest, s.data[offset:offset+len(dest)])
	return nil
}

func (s *SharedMemoryProvider) WriteAt(offset int, src []byte) error {
	if err := checkRange(len(s.data), offset, len(src)); err != nil {
		return err
	}
	copy(s.data[offset:offset+len(src)], src)
	return nil
}

func (s *SharedMemoryProvider) AtomicLoad32(offset int) (uint32, error) {
	if err := checkAtomic(len(s.data), offset); err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&s.data[offset]))), nil
}

func (s *SharedMemoryProvider) AtomicStore32(offset int, val uint32) error {
	if err := checkAtomic(len(s.data), offset); err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&s.data[offset])), val)
	return nil
}

// Resize truncates the backing file and remaps it.
func (s *SharedMemoryProvider) Resize(size int) error {
	if s.file == nil {
		return ErrClosed
	}
	if size <= 0 {
		return fmt.Errorf("%w: resize to %d bytes", ErrAllocation, size)
	}
	if err := s.unmap(); err != nil {
		return fmt.Errorf("munmap shared memory file: %w", err)
	}
	if err := s.file.Truncate(int64(size)); err != nil {
		return fmt.Errorf("%w: truncate shared memory file: %v", ErrAllocation, err)
	}
	return s.mapFile()
}

// Refresh remaps the file when another process resized it.
func (s *SharedMemoryProvider) Refresh() (bool, error) {
	if s.file == nil {
		return false, ErrClosed
	}
	info, err := s.file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat shared memory file: %w", err)
	}
	if int(info.Size()) == len(s.data) {
		return false, nil
	}
	if err := s.unmap(); err != nil {
		return false, fmt.Errorf("munmap shared memory file: %w", err)
	}
	return true, s.mapFile()
}

func (s *SharedMemoryProvider) Close() error {
	err := s.unmap()
	if s.file != nil {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.file = nil
	}
	return err
}

// Unlink closes the mapping and removes the backing file.
func (s *SharedMemoryProvider) Unlink() error {
	err := s.Close()
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}

// ShmAllocator places segments as files inside Dir.
type ShmAllocator struct {
	Dir string
}

// NewShmAllocator returns an allocator rooted at dir, or at the default
// shared memory path when dir is empty.
func NewShmAllocator(dir string) *ShmAllocator {
	if dir == "" {
		dir = DefaultSharedMemoryPath()
	}
	return &ShmAllocator{Dir: dir}
}

func (a *ShmAllocator) Create(name string, size int) (MemoryProvider, error) {
	return OpenSharedMemory(SharedMemoryOptions{
		Path:   filepath.Join(a.Dir, name),
		Size:   size,
		Create: true,
	})
}

func (a *ShmAllocator) Open(name string) (MemoryProvider, error) {
	return OpenSharedMemory(SharedMemoryOptions{Path: filepath.Join(a.Dir, name)})
}

func (a *ShmAllocator) RemovePrefix(prefix string) (int, error) {
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		return 0, fmt.Errorf("read shared memory dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(a.Dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}
