//go:build unix

package runtime

const sharedMemorySupported = true
