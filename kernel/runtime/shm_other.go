//go:build !unix

package runtime

const sharedMemorySupported = false
