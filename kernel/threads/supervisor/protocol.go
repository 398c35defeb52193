package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// AckSet collects one acknowledgment from each of a fixed set of workers
type AckSet struct {
	acks    chan workerAck
	pending map[int]bool
}

type workerAck struct {
	worker int
	err    error
}

// AckStats counts acknowledgments across the life of a pool
type AckStats struct {
	AcksReceived uint64
	Timeouts     uint64
}

type ackCounters struct {
	received atomic.Uint64
	timeouts atomic.Uint64
}

func (c *ackCounters) stats() AckStats {
	return AckStats{AcksReceived: c.received.Load(), Timeouts: c.timeouts.Load()}
}

// NewAckSet expects one ack from every worker index in workers
func NewAckSet(workers []int) *AckSet {
	s := &AckSet{
		acks:    make(chan workerAck, len(workers)),
		pending: make(map[int]bool, len(workers)),
	}
	for _, w := range workers {
		s.pending[w] = true
	}
	return s
}

// For returns the ack channel to put in worker w's message
func (s *AckSet) For(w int) chan<- error {
	ch := make(chan error, 1)
	go func() {
		err, ok := <-ch
		if !ok {
			err = fmt.Errorf("worker %d closed its ack channel", w)
		}
		s.acks <- workerAck{worker: w, err: err}
	}()
	return ch
}

// Wait blocks until every worker acknowledged, ctx is done or timeout
// passes. A zero timeout waits on ctx alone. Errors reported by workers
// are joined. On timeout the workers still missing are returned with
// ErrAckTimeout.
func (s *AckSet) Wait(ctx context.Context, timeout time.Duration, counters *ackCounters) ([]int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	var errs []error
	for len(s.pending) > 0 {
		select {
		case ack := <-s.acks:
			delete(s.pending, ack.worker)
			if counters != nil {
				counters.received.Add(1)
			}
			if ack.err != nil {
				errs = append(errs, fmt.Errorf("worker %d: %w", ack.worker, ack.err))
			}
		case <-deadline:
			if counters != nil {
				counters.timeouts.Add(1)
			}
			return s.missing(), errors.Join(append(errs, ErrAckTimeout)...)
		case <-ctx.Done():
			return s.missing(), errors.Join(append(errs, ctx.Err())...)
		}
	}
	return nil, errors.Join(errs...)
}

func (s *AckSet) missing() []int {
	out := make([]int, 0, len(s.pending))
	for w := range s.pending {
		out = append(out, w)
	}
	sort.Ints(out)
	return out
}
