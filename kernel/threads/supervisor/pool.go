package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// RunnerFactory creates one runner for a worker
type RunnerFactory func(logger *utils.Logger) (runner.Runner, error)

// WorkerPool owns a fixed set of workers and routes tasks to them
type WorkerPool struct {
	cfg      Config
	workers  []*Worker
	channels *ChannelSet
	pending  *PendingTasks
	events   chan Event
	logger   *utils.Logger

	next   atomic.Uint64
	acks   ackCounters
	closed atomic.Bool

	// Cancelling ctx force-stops workers
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool spawns cfg.NumWorkers workers, each with one runner from
// every factory. Any factory failure aborts with ErrSpawn.
func NewWorkerPool(cfg Config, factories []RunnerFactory, logger *utils.Logger) (*WorkerPool, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = utils.DefaultLogger("worker-pool")
	}
	if len(factories) == 0 {
		return nil, fmt.Errorf("%w: no runner factories", ErrSpawn)
	}

	runners := make([][]runner.Runner, cfg.NumWorkers)
	var g errgroup.Group
	for i := range runners {
		g.Go(func() error {
			for _, factory := range factories {
				r, err := factory(logger.With(utils.Int("worker", i)))
				if err != nil {
					return fmt.Errorf("%w %d: %v", ErrSpawn, i, err)
				}
				runners[i] = append(runners[i], r)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, rs := range runners {
			for _, r := range rs {
				_ = r.Close()
			}
		}
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		cfg:      cfg,
		channels: NewChannelSet(cfg.NumWorkers, cfg.InboxSize, cfg.EventBuffer),
		pending:  NewPendingTasks(),
		events:   make(chan Event, cfg.EventBuffer),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for i, rs := range runners {
		w := NewWorker(i, rs, p.channels.Inboxes[i], p.channels.Outbox, cfg.MaxChainDepth, logger)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}
	go p.forward()

	logger.Info("worker pool started", utils.Int("workers", cfg.NumWorkers), utils.Int("runners_per_worker", len(factories)))
	return p, nil
}

// NumWorkers is the number of workers in the pool
func (p *WorkerPool) NumWorkers() int {
	return len(p.workers)
}

// Events carries diagnostics from workers: errors, warnings and logs
func (p *WorkerPool) Events() <-chan Event {
	return p.events
}

// Pending is the number of unresolved tasks
func (p *WorkerPool) Pending() int {
	return p.pending.Len()
}

// AckStats reports barrier and termination acknowledgments
func (p *WorkerPool) AckStats() AckStats {
	return p.acks.stats()
}

func (p *WorkerPool) forward() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case e := <-p.channels.Outbox:
			if e.flushed != nil {
				close(e.flushed)
				continue
			}
			if e.Kind == EventTaskResult {
				if !e.Part {
					p.pending.Remove(e.TaskID)
				}
				continue
			}
			select {
			case p.events <- e:
			default:
				p.logger.Warn("diagnostic event dropped", utils.String("kind", e.Kind.String()), utils.Int("worker", e.Worker))
			}
		}
	}
}

func (p *WorkerPool) send(ctx context.Context, w int, msg WorkerMsg) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.channels.Inboxes[w] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

func (p *WorkerPool) allWorkers() []int {
	out := make([]int, len(p.workers))
	for i := range out {
		out[i] = i
	}
	return out
}

// broadcast sends msg to every worker and waits for all of them
func (p *WorkerPool) broadcast(ctx context.Context, msg WorkerMsg, timeout time.Duration) ([]int, error) {
	workers := p.allWorkers()
	acks := NewAckSet(workers)
	for _, w := range workers {
		m := msg
		m.Ack = acks.For(w)
		if err := p.send(ctx, w, m); err != nil {
			return nil, fmt.Errorf("%s to worker %d: %w", msg.Kind, w, err)
		}
	}
	return acks.Wait(ctx, timeout, &p.acks)
}

// NewSimulationRun initializes the run on every worker. It returns once
// all workers acknowledged.
func (p *WorkerPool) NewSimulationRun(ctx context.Context, init *runner.RunInit) error {
	_, err := p.broadcast(ctx, WorkerMsg{SimID: init.SimID, Kind: MsgNewSimulationRun, Init: init}, 0)
	if err != nil {
		return fmt.Errorf("start %s on workers: %w", init.SimID, err)
	}
	return nil
}

// Sync tells every worker about the run's current shared data. Kind must
// be one of the sync message kinds.
func (p *WorkerPool) Sync(ctx context.Context, msg WorkerMsg) error {
	switch msg.Kind {
	case MsgStateSync, MsgStateInterimSync, MsgStateSnapshotSync, MsgContextBatchSync:
	default:
		return fmt.Errorf("%s is not a sync message", msg.Kind)
	}
	_, err := p.broadcast(ctx, msg, 0)
	return err
}

// Submit routes task to the workers. A Main target completes at once
// without reaching a worker. Distributed tasks run one part per worker
// over the store's groups and their results are combined.
func (p *WorkerPool) Submit(ctx context.Context, simID foundation.SimulationID, task *foundation.Task, store foundation.SharedStore) (*foundation.ActiveTask, error) {
	target := task.Target
	switch target {
	case foundation.TargetMain:
		return foundation.CompletedTask(task, foundation.TaskResult{Target: foundation.TargetMain, Payload: task.Payload}), nil
	case foundation.TargetDynamic:
		target = foundation.TargetForLanguage(task.Language)
	}
	if _, ok := target.Language(); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	if task.Distribution.Kind == foundation.DistributionDistributed {
		split := foundation.DistributeBatches(store.GroupIndices(), len(p.workers))
		if split.NumWorkers > 1 {
			return p.submitDistributed(ctx, simID, task, target, store, split)
		}
	}

	w := int(p.next.Add(1)-1) % len(p.workers)
	active, exec := foundation.NewActiveTask(task)
	p.pending.Add(&pendingTask{active: active, simID: simID, workers: []int{w}, execs: []*foundation.ExecutorComms{exec}})
	msg := WorkerMsg{SimID: simID, Kind: MsgTask, Task: &WorkerTask{Task: task, Target: target, Store: store, Comms: exec}}
	if err := p.send(ctx, w, msg); err != nil {
		p.pending.Remove(task.ID)
		return nil, err
	}
	return active, nil
}

func (p *WorkerPool) submitDistributed(ctx context.Context, simID foundation.SimulationID, task *foundation.Task, target foundation.MessageTarget, store foundation.SharedStore, split foundation.SplitConfig) (*foundation.ActiveTask, error) {
	active, exec := foundation.NewActiveTask(task)
	parts := make([]*foundation.OwnerComms, 0, split.NumWorkers)
	execs := make([]*foundation.ExecutorComms, 0, split.NumWorkers)
	stores := store.Distribute(split)
	for i, w := range split.Workers {
		owner, partExec := foundation.NewComms(task.ID)
		msg := WorkerMsg{SimID: simID, Kind: MsgTask, Task: &WorkerTask{
			Task:   task,
			Target: target,
			Store:  stores[i],
			Comms:  partExec,
			Part:   true,
		}}
		if err := p.send(ctx, w, msg); err != nil {
			for _, o := range parts {
				o.Cancel()
			}
			return nil, err
		}
		parts = append(parts, owner)
		execs = append(execs, partExec)
	}
	p.pending.Add(&pendingTask{active: active, simID: simID, workers: split.Workers, execs: execs})

	go p.collect(active, exec, parts)
	return active, nil
}

// collect waits for every part and resolves the distributed task
func (p *WorkerPool) collect(active *foundation.ActiveTask, exec *foundation.ExecutorComms, parts []*foundation.OwnerComms) {
	defer p.pending.Remove(active.ID())
	defer exec.Done()
	if exec.Claim() != nil {
		for _, o := range parts {
			o.Cancel()
		}
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-exec.CancelSignal():
			for _, o := range parts {
				o.Cancel()
			}
		case <-stop:
		}
	}()

	results := make([]foundation.TaskResult, 0, len(parts))
	cancelled := false
	var errs []error
	for i, o := range parts {
		r, err := o.Result(p.ctx)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("part %d: %w", i, err))
		case r.Cancelled:
			cancelled = true
		case r.Result != nil:
			results = append(results, *r.Result)
		}
	}
	if len(errs) > 0 {
		// Nothing is sent; the owner observes a closed channel.
		p.logger.Error("distributed task failed", utils.String("task", active.ID().String()), utils.Err(errors.Join(errs...)))
		return
	}
	if cancelled {
		_ = exec.Send(foundation.ResultOrCancelled{Cancelled: true})
		return
	}
	combined, err := foundation.CombineResults(results)
	if err != nil {
		p.logger.Error("combining distributed results failed", utils.String("task", active.ID().String()), utils.Err(err))
		return
	}
	_ = exec.Send(foundation.ResultOrCancelled{Result: &combined})
}

// Cancel requests cancellation of a submitted task
func (p *WorkerPool) Cancel(ctx context.Context, id foundation.TaskID) error {
	pt, ok := p.pending.Get(id)
	if !ok {
		return nil
	}
	pt.active.Cancel()
	for i, w := range pt.workers {
		msg := WorkerMsg{SimID: pt.simID, Kind: MsgCancelTask, TaskID: id}
		if i < len(pt.execs) {
			msg.Comms = pt.execs[i]
		}
		if err := p.send(ctx, w, msg); err != nil {
			return err
		}
	}
	return nil
}

// TerminateSimulationRun drops the run's state on every worker and
// cancels its unresolved tasks. Events the workers emitted before
// acknowledging are on Events when it returns.
func (p *WorkerPool) TerminateSimulationRun(ctx context.Context, simID foundation.SimulationID) error {
	for _, pt := range p.pending.RemoveSimulation(simID) {
		pt.active.Cancel()
	}
	_, err := p.broadcast(ctx, WorkerMsg{SimID: simID, Kind: MsgTerminateSimulationRun}, p.cfg.TerminateTimeout)
	fctx, cancel := context.WithTimeout(ctx, p.cfg.TerminateTimeout)
	defer cancel()
	return errors.Join(err, p.flush(fctx))
}

// flush waits until the forwarder has handled every event already queued
// by the workers
func (p *WorkerPool) flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.channels.Outbox <- Event{flushed: done}:
	case <-ctx.Done():
		return fmt.Errorf("flush worker events: %w", ctx.Err())
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush worker events: %w", ctx.Err())
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TerminateAll stops every worker. Workers that do not acknowledge within
// the terminate timeout are force-stopped with a warning.
func (p *WorkerPool) TerminateAll(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	workers := p.allWorkers()
	acks := NewAckSet(workers)
	for _, w := range workers {
		select {
		case p.channels.Inboxes[w] <- WorkerMsg{Kind: MsgTerminateRunner, Ack: acks.For(w)}:
		default:
			p.logger.Warn("worker inbox full, not sending terminate", utils.Int("worker", w))
		}
	}
	missing, err := acks.Wait(ctx, p.cfg.TerminateTimeout, &p.acks)
	for _, w := range missing {
		p.logger.Warn("worker did not acknowledge termination, force-stopping", utils.Int("worker", w))
		select {
		case p.events <- Event{Kind: EventRunnerWarnings, Worker: w, Err: fmt.Errorf("worker %d force-stopped", w)}:
		default:
		}
	}
	p.cancel()
	if len(missing) == 0 {
		p.wg.Wait()
	}
	if errors.Is(err, ErrAckTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
