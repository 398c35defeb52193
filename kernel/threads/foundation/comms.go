package foundation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrChannelClosed     = errors.New("task channel closed without a result")
	ErrResultAlreadySent = errors.New("task result already sent")
	ErrTaskCancelled     = errors.New("task cancelled before it was claimed")
	ErrTaskClaimed       = errors.New("task already claimed")
)

// control is shared by the two ends of one task
type control struct {
	id     TaskID
	status atomic.Uint32

	result    chan ResultOrCancelled
	sent      atomic.Bool
	closeOnce sync.Once

	cancel     chan struct{}
	cancelOnce sync.Once

	// closed when the task is cancelled before any executor claimed it
	abandoned chan struct{}
}

func (c *control) closeResult() {
	c.closeOnce.Do(func() { close(c.result) })
}

// OwnerComms is the owner's end: await one result, request cancellation
type OwnerComms struct {
	c *control
}

// ExecutorComms is the worker's end: claim, observe cancellation, send the
// result at most once.
type ExecutorComms struct {
	c *control
}

// NewComms builds the matched pair of one-shot channels for task id
func NewComms(id TaskID) (*OwnerComms, *ExecutorComms) {
	c := &control{
		id:        id,
		result:    make(chan ResultOrCancelled, 1),
		cancel:    make(chan struct{}),
		abandoned: make(chan struct{}),
	}
	return &OwnerComms{c: c}, &ExecutorComms{c: c}
}

// Status returns the current lifecycle state
func (o *OwnerComms) Status() TaskStatus {
	return TaskStatus(o.c.status.Load())
}

// Cancel requests cancellation. A task nobody claimed yet resolves as
// cancelled immediately; a running task sees the request at its next poll.
func (o *OwnerComms) Cancel() {
	o.c.cancelOnce.Do(func() { close(o.c.cancel) })
	if o.c.status.CompareAndSwap(uint32(TaskPending), uint32(TaskCancelled)) {
		close(o.c.abandoned)
	}
}

// Result waits for the single result of the task
func (o *OwnerComms) Result(ctx context.Context) (ResultOrCancelled, error) {
	select {
	case r, ok := <-o.c.result:
		if !ok {
			if o.Status() == TaskCancelled {
				return ResultOrCancelled{TaskID: o.c.id, Cancelled: true}, nil
			}
			return ResultOrCancelled{}, ErrChannelClosed
		}
		return r, nil
	case <-o.c.abandoned:
		return ResultOrCancelled{TaskID: o.c.id, Cancelled: true}, nil
	case <-ctx.Done():
		return ResultOrCancelled{}, ctx.Err()
	}
}

// Claim moves the task to executing. It fails if the owner cancelled first
// or another executor holds it.
func (e *ExecutorComms) Claim() error {
	if e.c.status.CompareAndSwap(uint32(TaskPending), uint32(TaskExecuting)) {
		return nil
	}
	if TaskStatus(e.c.status.Load()) == TaskCancelled {
		return ErrTaskCancelled
	}
	return ErrTaskClaimed
}

func (e *ExecutorComms) TaskID() TaskID {
	return e.c.id
}

// CancelRequested polls for a cancel request
func (e *ExecutorComms) CancelRequested() bool {
	select {
	case <-e.c.cancel:
		return true
	default:
		return false
	}
}

// CancelSignal is closed when cancellation is requested
func (e *ExecutorComms) CancelSignal() <-chan struct{} {
	return e.c.cancel
}

// Status returns the current lifecycle state
func (e *ExecutorComms) Status() TaskStatus {
	return TaskStatus(e.c.status.Load())
}

// Send delivers the result. Only the first call succeeds.
func (e *ExecutorComms) Send(r ResultOrCancelled) error {
	if !e.c.sent.CompareAndSwap(false, true) {
		return ErrResultAlreadySent
	}
	r.TaskID = e.c.id
	final := TaskCompleted
	if r.Cancelled {
		final = TaskCancelled
	}
	e.c.status.Store(uint32(final))
	e.c.result <- r
	e.c.closeResult()
	return nil
}

// Done closes the executor end. If nothing was sent the owner observes
// ErrChannelClosed, unless it had cancelled the task.
func (e *ExecutorComms) Done() {
	if e.c.sent.CompareAndSwap(false, true) {
		e.c.closeResult()
	}
}
