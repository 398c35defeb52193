// Package runtime measures the host the engine runs on and sizes the
// worker pool from it.
package runtime

import "time"

// Capabilities holds the raw performance metrics of the host
type Capabilities struct {
	CPUs            int
	MaxProcs        int
	ComputeScore    float64       // Relative to a reference machine, 1.0 is typical
	AtomicsOverhead time.Duration // Average cost of one contended atomic add
	SharedMemory    bool          // File-backed shared memory segments are available
}
