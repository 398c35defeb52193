package runtime

import (
	goruntime "runtime"
	"time"
)

const (
	maxDefaultWorkers = 16
	atomicsThreshold  = 2 * time.Microsecond
	computeThreshold  = 0.5
)

// Sizing is the pool shape recommended for a host
type Sizing struct {
	NumWorkers      int
	TargetGroupSize int
}

// DefaultWorkers is one worker per schedulable CPU, capped. It does not
// benchmark the host.
func DefaultWorkers() int {
	n := goruntime.GOMAXPROCS(0)
	if n > maxDefaultWorkers {
		n = maxDefaultWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Recommend sizes the pool from measured capabilities. Slow hosts get
// fewer, larger groups; hosts with expensive atomics get larger groups so
// fewer proxies are taken per step.
func Recommend(caps Capabilities) Sizing {
	workers := caps.MaxProcs
	if workers < 1 {
		workers = 1
	}
	if workers > maxDefaultWorkers {
		workers = maxDefaultWorkers
	}
	s := Sizing{NumWorkers: workers, TargetGroupSize: 1000}
	switch {
	case caps.ComputeScore <= computeThreshold:
		s.NumWorkers = (workers + 1) / 2
		s.TargetGroupSize = 4000
	case caps.AtomicsOverhead >= atomicsThreshold:
		s.TargetGroupSize = 2000
	}
	return s
}

// Oversubscribed reports whether numWorkers is far above what the host
// can run in parallel
func Oversubscribed(caps Capabilities, numWorkers int) bool {
	return caps.MaxProcs > 0 && numWorkers > 4*caps.MaxProcs
}
