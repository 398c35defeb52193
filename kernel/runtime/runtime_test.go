package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProfiler_Profile(t *testing.T) {
	caps := NewProfiler().Profile()
	assert.GreaterOrEqual(t, caps.CPUs, 1)
	assert.GreaterOrEqual(t, caps.MaxProcs, 1)
	assert.Greater(t, caps.ComputeScore, 0.0)
	assert.GreaterOrEqual(t, caps.AtomicsOverhead, time.Duration(0))
	assert.Equal(t, sharedMemorySupported, caps.SharedMemory)
}

func TestDefaultWorkers(t *testing.T) {
	n := DefaultWorkers()
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, maxDefaultWorkers)
}

func TestRecommend(t *testing.T) {
	cases := []struct {
		name string
		caps Capabilities
		want Sizing
	}{
		{"fast host", Capabilities{MaxProcs: 8, ComputeScore: 1.2, AtomicsOverhead: 50 * time.Nanosecond}, Sizing{NumWorkers: 8, TargetGroupSize: 1000}},
		{"slow atomics", Capabilities{MaxProcs: 8, ComputeScore: 1.2, AtomicsOverhead: 3 * time.Microsecond}, Sizing{NumWorkers: 8, TargetGroupSize: 2000}},
		{"slow compute", Capabilities{MaxProcs: 3, ComputeScore: 0.2}, Sizing{NumWorkers: 2, TargetGroupSize: 4000}},
		{"capped", Capabilities{MaxProcs: 64, ComputeScore: 1}, Sizing{NumWorkers: maxDefaultWorkers, TargetGroupSize: 1000}},
		{"unknown", Capabilities{ComputeScore: 1}, Sizing{NumWorkers: 1, TargetGroupSize: 1000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Recommend(tc.caps))
		})
	}
}

func TestOversubscribed(t *testing.T) {
	caps := Capabilities{MaxProcs: 2}
	assert.False(t, Oversubscribed(caps, 8))
	assert.True(t, Oversubscribed(caps, 9))
	assert.False(t, Oversubscribed(Capabilities{}, 100))
}
