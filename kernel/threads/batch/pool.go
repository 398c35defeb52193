package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrLockConflict = errors.New("batch lock conflict")
	ErrIndexRange   = errors.New("batch index out of range")
)

const (
	minProxyBackoff = 50 * time.Microsecond
	maxProxyBackoff = 5 * time.Millisecond
)

type entry struct {
	lock  sync.RWMutex
	batch *Batch
}

// Pool is an ordered set of batches with per-batch reader/writer locks.
// Multi-batch proxies lock in ascending index order.
type Pool struct {
	mu      sync.RWMutex
	entries []*entry
}

// NewPool creates a pool holding batches in order
func NewPool(batches ...*Batch) *Pool {
	p := &Pool{}
	for _, b := range batches {
		p.entries = append(p.entries, &entry{batch: b})
	}
	return p
}

// Push appends a batch and returns its index
func (p *Pool) Push(b *Batch) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, &entry{batch: b})
	return len(p.entries) - 1
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Batch returns batch i without locking it
func (p *Pool) Batch(i int) *Batch {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i < 0 || i >= len(p.entries) {
		return nil
	}
	return p.entries[i].batch
}

// All returns every index in the pool
func (p *Pool) All() []int {
	n := p.Len()
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func (p *Pool) resolve(indices []int) ([]int, []*entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sorted := append([]int(nil), indices...)
	sort.Ints(sorted)
	entries := make([]*entry, 0, len(sorted))
	for i, idx := range sorted {
		if idx < 0 || idx >= len(p.entries) {
			return nil, nil, fmt.Errorf("%w: %d of %d", ErrIndexRange, idx, len(p.entries))
		}
		if i > 0 && sorted[i-1] == idx {
			return nil, nil, fmt.Errorf("%w: index %d requested twice", ErrIndexRange, idx)
		}
		entries = append(entries, p.entries[idx])
	}
	return sorted, entries, nil
}

func tryLockAll(entries []*entry, write bool) bool {
	for i, e := range entries {
		var ok bool
		if write {
			ok = e.lock.TryLock()
		} else {
			ok = e.lock.TryRLock()
		}
		if !ok {
			unlockAll(entries[:i], write)
			return false
		}
	}
	return true
}

func unlockAll(entries []*entry, write bool) {
	for _, e := range entries {
		if write {
			e.lock.Unlock()
		} else {
			e.lock.RUnlock()
		}
	}
}

// acquire locks every entry or none. All-or-nothing attempts with backoff
// keep two proxies over overlapping sets from deadlocking.
func acquire(ctx context.Context, entries []*entry, write bool) error {
	backoff := minProxyBackoff
	for {
		if tryLockAll(entries, write) {
			return nil
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", ErrLockConflict, ctx.Err())
		case <-timer.C:
		}
		if backoff < maxProxyBackoff {
			backoff *= 2
		}
	}
}

func (p *Pool) proxy(ctx context.Context, indices []int, write, block bool) (*proxy, error) {
	sorted, entries, err := p.resolve(indices)
	if err != nil {
		return nil, err
	}
	if block {
		if err := acquire(ctx, entries, write); err != nil {
			return nil, err
		}
	} else if !tryLockAll(entries, write) {
		return nil, fmt.Errorf("%w: batches %v", ErrLockConflict, sorted)
	}
	return &proxy{indices: sorted, entries: entries, write: write}, nil
}

// ReadProxy blocks until it holds shared access to the given batches
func (p *Pool) ReadProxy(ctx context.Context, indices ...int) (*ReadProxy, error) {
	px, err := p.proxy(ctx, indices, false, true)
	if err != nil {
		return nil, err
	}
	return &ReadProxy{px}, nil
}

// WriteProxy blocks until it holds exclusive access to the given batches
func (p *Pool) WriteProxy(ctx context.Context, indices ...int) (*WriteProxy, error) {
	px, err := p.proxy(ctx, indices, true, true)
	if err != nil {
		return nil, err
	}
	return &WriteProxy{px}, nil
}

// TryReadProxy fails with ErrLockConflict instead of waiting
func (p *Pool) TryReadProxy(indices ...int) (*ReadProxy, error) {
	px, err := p.proxy(context.Background(), indices, false, false)
	if err != nil {
		return nil, err
	}
	return &ReadProxy{px}, nil
}

// TryWriteProxy fails with ErrLockConflict instead of waiting
func (p *Pool) TryWriteProxy(indices ...int) (*WriteProxy, error) {
	px, err := p.proxy(context.Background(), indices, true, false)
	if err != nil {
		return nil, err
	}
	return &WriteProxy{px}, nil
}

// FullReadProxy covers every batch in the pool
func (p *Pool) FullReadProxy(ctx context.Context) (*ReadProxy, error) {
	return p.ReadProxy(ctx, p.All()...)
}

// FullWriteProxy covers every batch in the pool
func (p *Pool) FullWriteProxy(ctx context.Context) (*WriteProxy, error) {
	return p.WriteProxy(ctx, p.All()...)
}

// Swap replaces the pool contents once no proxy is outstanding and returns
// the batches it held.
func (p *Pool) Swap(ctx context.Context, batches []*Batch) ([]*Batch, error) {
	full, err := p.FullWriteProxy(ctx)
	if err != nil {
		return nil, err
	}
	defer full.Release()

	p.mu.Lock()
	defer p.mu.Unlock()
	old := make([]*Batch, len(p.entries))
	for i, e := range p.entries {
		old[i] = e.batch
	}
	entries := make([]*entry, len(batches))
	for i, b := range batches {
		entries[i] = &entry{batch: b}
	}
	p.entries = entries
	return old, nil
}

// Close unlinks every batch
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, e := range p.entries {
		if err := e.batch.Unlink(); err != nil {
			errs = append(errs, err)
		}
	}
	p.entries = nil
	return errors.Join(errs...)
}

type proxy struct {
	indices []int
	entries []*entry
	write   bool
	once    sync.Once
}

func (p *proxy) Len() int {
	return len(p.entries)
}

// Indices are the pool indices covered, ascending
func (p *proxy) Indices() []int {
	return append([]int(nil), p.indices...)
}

// Release gives up access. Calling it more than once is a no-op.
func (p *proxy) Release() {
	p.once.Do(func() {
		unlockAll(p.entries, p.write)
	})
}

// ReadProxy grants shared access to a set of batches
type ReadProxy struct {
	*proxy
}

// Batch returns the k-th batch of the proxy
func (r *ReadProxy) Batch(k int) *Batch {
	return r.entries[k].batch
}

// WriteProxy grants exclusive access to a set of batches
type WriteProxy struct {
	*proxy
}

// Batch returns the k-th batch of the proxy
func (w *WriteProxy) Batch(k int) *Batch {
	return w.entries[k].batch
}

// Flush writes staged columns of every batch in the proxy
func (w *WriteProxy) Flush() error {
	for _, e := range w.entries {
		if _, err := e.batch.Flush(); err != nil {
			return err
		}
	}
	return nil
}
