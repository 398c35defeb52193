//go:build unix

package kernel

import (
	"github.com/nmxmxh/simkernel/kernel/threads/sab"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// newAllocator places batches in the shared memory directory when one is
// configured and in process memory otherwise
func newAllocator(shmDir string, logger *utils.Logger) sab.Allocator {
	if shmDir == "" {
		return sab.NewMemoryAllocator()
	}
	logger.Debug("batches backed by shared memory", utils.String("dir", shmDir))
	return sab.NewShmAllocator(shmDir)
}
