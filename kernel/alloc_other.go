//go:build !unix

package kernel

import (
	"github.com/nmxmxh/simkernel/kernel/threads/sab"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

func newAllocator(shmDir string, logger *utils.Logger) sab.Allocator {
	if shmDir != "" {
		logger.Warn("shared memory segments unsupported here, using process memory", utils.String("dir", shmDir))
	}
	return sab.NewMemoryAllocator()
}
