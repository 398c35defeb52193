package runtime

import (
	goruntime "runtime"
	"sync"
	"sync/atomic"
	"time"
)

// referenceComputeTime is how long the compute benchmark takes on the
// reference machine
const referenceComputeTime = 2 * time.Millisecond

// Profiler measures the host
type Profiler struct {
	computeRounds int
	atomicRounds  int
}

func NewProfiler() *Profiler {
	return &Profiler{computeRounds: 1 << 20, atomicRounds: 1 << 14}
}

// Profile runs the benchmarks and returns the capabilities. It takes a
// few milliseconds.
func (p *Profiler) Profile() Capabilities {
	return Capabilities{
		CPUs:            goruntime.NumCPU(),
		MaxProcs:        goruntime.GOMAXPROCS(0),
		ComputeScore:    p.measureCompute(),
		AtomicsOverhead: p.measureAtomics(),
		SharedMemory:    sharedMemorySupported,
	}
}

var sink uint64

func (p *Profiler) measureCompute() float64 {
	start := time.Now()
	x := uint64(88172645463325252)
	for i := 0; i < p.computeRounds; i++ {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
	}
	atomic.StoreUint64(&sink, x)
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	return float64(referenceComputeTime) / float64(elapsed)
}

func (p *Profiler) measureAtomics() time.Duration {
	const goroutines = 2
	var (
		counter atomic.Int64
		wg      sync.WaitGroup
	)
	start := time.Now()
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < p.atomicRounds; i++ {
				counter.Add(1)
			}
		}()
	}
	wg.Wait()
	return time.Since(start) / time.Duration(goroutines*p.atomicRounds)
}
