package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
)

// DiagnosticsConfig sizes the warning filter and the log rate limit
type DiagnosticsConfig struct {
	ExpectedWarnings  uint
	FalsePositiveRate float64
	LogsPerSecond     int64
	LogBurst          int64
}

func DefaultDiagnosticsConfig() DiagnosticsConfig {
	return DiagnosticsConfig{
		ExpectedWarnings:  100000,
		FalsePositiveRate: 0.001,
		LogsPerSecond:     50,
		LogBurst:          200,
	}
}

// Diagnostics keeps repeated user warnings and log floods from reaching
// the orchestrator. A warning is forwarded the first time it is seen in a
// simulation run; log batches are limited per run.
type Diagnostics struct {
	mu      sync.Mutex
	cfg     DiagnosticsConfig
	seen    *bloom.BloomFilter
	limiter *limiter.TokenBucket
	dropped map[foundation.SimulationID]int
}

func NewDiagnostics(cfg DiagnosticsConfig) (*Diagnostics, error) {
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     cfg.LogsPerSecond,
			Duration: time.Second,
			Burst:    cfg.LogBurst,
		},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("log rate limiter: %w", err)
	}
	return &Diagnostics{
		cfg:     cfg,
		seen:    bloom.NewWithEstimates(cfg.ExpectedWarnings, cfg.FalsePositiveRate),
		limiter: tb,
		dropped: make(map[foundation.SimulationID]int),
	}, nil
}

// NewWarnings filters out warnings already forwarded for simID
func (d *Diagnostics) NewWarnings(simID foundation.SimulationID, warnings []runner.UserWarning) []runner.UserWarning {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := warnings[:0:0]
	for _, w := range warnings {
		key := fmt.Sprintf("%d\x00%s\x00%s", simID, w.Location, w.Message)
		if !d.seen.TestAndAddString(key) {
			out = append(out, w)
		}
	}
	return out
}

// AllowLogs reports whether another log batch of simID may be sent
func (d *Diagnostics) AllowLogs(simID foundation.SimulationID) bool {
	if d.limiter.Allow(simID.String()) {
		return true
	}
	d.mu.Lock()
	d.dropped[simID]++
	d.mu.Unlock()
	return false
}

// Dropped counts the log batches held back for simID
func (d *Diagnostics) Dropped(simID foundation.SimulationID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped[simID]
}

// Reset forgets every warning, for a new experiment
func (d *Diagnostics) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen.ClearAll()
	d.dropped = make(map[foundation.SimulationID]int)
}
