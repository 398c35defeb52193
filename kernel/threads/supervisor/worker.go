package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// simSync is the latest shared data a worker was told about for one run
type simSync struct {
	state    *batch.State
	snapshot *batch.StateSnapshot
	context  *batch.Context
}

// Worker hosts one runner per language and executes tasks one at a time.
// Runners are only touched from the Run goroutine.
type Worker struct {
	index         int
	runners       map[foundation.Language]runner.Runner
	inbox         <-chan WorkerMsg
	outbox        chan<- Event
	maxChainDepth int
	logger        *utils.Logger

	syncs     map[foundation.SimulationID]*simSync
	cancelled map[foundation.TaskID]foundation.SimulationID
	done      chan struct{}
}

// NewWorker creates worker index with the given runners
func NewWorker(index int, runners []runner.Runner, inbox <-chan WorkerMsg, outbox chan<- Event, maxChainDepth int, logger *utils.Logger) *Worker {
	if logger == nil {
		logger = utils.DefaultLogger("worker")
	}
	w := &Worker{
		index:         index,
		runners:       make(map[foundation.Language]runner.Runner, len(runners)),
		inbox:         inbox,
		outbox:        outbox,
		maxChainDepth: maxChainDepth,
		logger:        logger.With(utils.Int("worker", index)),
		syncs:         make(map[foundation.SimulationID]*simSync),
		cancelled:     make(map[foundation.TaskID]foundation.SimulationID),
		done:          make(chan struct{}),
	}
	for _, r := range runners {
		w.runners[r.Language()] = r
	}
	return w
}

// Index of the worker in its pool
func (w *Worker) Index() int {
	return w.index
}

// Done is closed when Run returns
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run handles messages until TerminateRunner arrives or ctx is done
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer w.closeRunners()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.inbox:
			if !ok {
				return
			}
			if !w.handle(ctx, msg) {
				return
			}
		}
	}
}

func (w *Worker) closeRunners() {
	for lang, r := range w.runners {
		if err := r.Close(); err != nil {
			w.logger.Warn("closing runner failed", utils.String("language", lang.String()), utils.Err(err))
		}
	}
	w.runners = nil
}

func ack(msg WorkerMsg, err error) {
	if msg.Ack != nil {
		msg.Ack <- err
	}
}

func (w *Worker) syncFor(simID foundation.SimulationID) *simSync {
	s, ok := w.syncs[simID]
	if !ok {
		s = &simSync{}
		w.syncs[simID] = s
	}
	return s
}

// handle returns false when the worker must stop
func (w *Worker) handle(ctx context.Context, msg WorkerMsg) bool {
	switch msg.Kind {
	case MsgTask:
		w.handleTask(ctx, msg)
		ack(msg, nil)
	case MsgCancelTask:
		// Only a task not yet picked up here can still be skipped
		if msg.Comms != nil && msg.Comms.Status() == foundation.TaskPending {
			w.cancelled[msg.TaskID] = msg.SimID
		}
		ack(msg, nil)
	case MsgStateSync, MsgStateInterimSync:
		w.syncFor(msg.SimID).state = msg.State
		ack(msg, nil)
	case MsgStateSnapshotSync:
		w.syncFor(msg.SimID).snapshot = msg.Snapshot
		ack(msg, nil)
	case MsgContextBatchSync:
		w.syncFor(msg.SimID).context = msg.Context
		ack(msg, nil)
	case MsgNewSimulationRun:
		var errs []error
		for _, lang := range foundation.Languages() {
			r, ok := w.runners[lang]
			if !ok {
				continue
			}
			if err := r.NewSimulationRun(ctx, msg.Init); err != nil {
				errs = append(errs, err)
			}
		}
		w.syncs[msg.SimID] = &simSync{}
		ack(msg, errors.Join(errs...))
	case MsgTerminateSimulationRun:
		for _, r := range w.runners {
			r.TerminateSimulationRun(msg.SimID)
		}
		delete(w.syncs, msg.SimID)
		for id, sim := range w.cancelled {
			if sim == msg.SimID {
				delete(w.cancelled, id)
			}
		}
		ack(msg, nil)
	case MsgTerminateRunner:
		w.logger.Debug("terminating")
		ack(msg, nil)
		return false
	default:
		w.logger.Warn("unknown worker message", utils.Int("kind", int(msg.Kind)))
		ack(msg, fmt.Errorf("unknown worker message kind %d", msg.Kind))
	}
	return true
}

func (w *Worker) emit(e Event) {
	e.Worker = w.index
	select {
	case w.outbox <- e:
	default:
		w.logger.Warn("event dropped, outbox full", utils.String("kind", e.Kind.String()))
	}
}

func (w *Worker) fatal(wt *WorkerTask, simID foundation.SimulationID, err error) {
	kind := EventPackageError
	var runnerErr *runner.RunnerError
	if errors.As(err, &runnerErr) || errors.Is(err, ErrUnknownTarget) || errors.Is(err, ErrChainTooDeep) {
		kind = EventRunnerErrors
	}
	w.logger.Error("task failed",
		utils.String("task", wt.Task.ID.String()),
		utils.String("package", wt.Task.Package),
		utils.String("sim", simID.String()),
		utils.Err(err))
	w.emit(Event{
		Kind:    kind,
		SimID:   simID,
		TaskID:  wt.Task.ID,
		Package: wt.Task.Package,
		Err:     fmt.Errorf("worker %d, %s, task %s: %w", w.index, simID, wt.Task.ID, err),
	})
}

func (w *Worker) diagnostics(simID foundation.SimulationID, wt *WorkerTask, out *runner.Outcome) {
	base := Event{SimID: simID, TaskID: wt.Task.ID, Package: wt.Task.Package}
	if len(out.UserErrors) > 0 {
		e := base
		e.Kind, e.UserErrors = EventUserErrors, out.UserErrors
		w.emit(e)
	}
	if len(out.UserWarnings) > 0 {
		e := base
		e.Kind, e.UserWarnings = EventUserWarnings, out.UserWarnings
		w.emit(e)
	}
	if len(out.Logs) > 0 {
		e := base
		e.Kind, e.Logs = EventRunnerLogs, out.Logs
		w.emit(e)
	}
}

func (w *Worker) handleTask(ctx context.Context, msg WorkerMsg) {
	wt := msg.Task
	defer wt.Comms.Done()

	result := Event{Kind: EventTaskResult, SimID: msg.SimID, TaskID: wt.Task.ID, Package: wt.Task.Package, Part: wt.Part}
	if _, ok := w.cancelled[wt.Task.ID]; ok {
		delete(w.cancelled, wt.Task.ID)
		if wt.Comms.Claim() == nil {
			_ = wt.Comms.Send(foundation.ResultOrCancelled{Cancelled: true})
		}
		result.Cancelled = true
		w.emit(result)
		return
	}
	if err := wt.Comms.Claim(); err != nil {
		// Cancelled before pickup; the owner already has its answer.
		result.Cancelled = true
		w.emit(result)
		return
	}

	store := wt.Store
	if s, ok := w.syncs[msg.SimID]; ok {
		if store.State == nil {
			store.State = s.state
		}
		if store.Context == nil {
			store.Context = s.context
		}
		if store.Snapshot == nil {
			store.Snapshot = s.snapshot
		}
	}

	target := wt.Target
	for depth := 0; ; depth++ {
		if depth > w.maxChainDepth {
			w.fatal(wt, msg.SimID, fmt.Errorf("%w: %d hops", ErrChainTooDeep, depth))
			return
		}
		if wt.Comms.CancelRequested() {
			_ = wt.Comms.Send(foundation.ResultOrCancelled{Cancelled: true})
			result.Cancelled = true
			w.emit(result)
			return
		}
		lang, ok := target.Language()
		if !ok {
			w.fatal(wt, msg.SimID, fmt.Errorf("%w: %s", ErrUnknownTarget, target))
			return
		}
		r, ok := w.runners[lang]
		if !ok {
			w.fatal(wt, msg.SimID, fmt.Errorf("%w: no %s runner", ErrUnknownTarget, lang))
			return
		}

		out, err := r.Run(ctx, &runner.Job{
			TaskID:    wt.Task.ID,
			SimID:     msg.SimID,
			Package:   wt.Task.Package,
			Payload:   wt.Task.Payload,
			Store:     store,
			Cancelled: wt.Comms.CancelRequested,
		})
		if err != nil {
			w.fatal(wt, msg.SimID, err)
			return
		}
		w.diagnostics(msg.SimID, wt, out)

		if out.Cancelled {
			_ = wt.Comms.Send(foundation.ResultOrCancelled{Cancelled: true})
			result.Cancelled = true
			w.emit(result)
			return
		}
		if out.Target == foundation.TargetMain {
			_ = wt.Comms.Send(foundation.ResultOrCancelled{Result: &foundation.TaskResult{Target: foundation.TargetMain, Payload: out.Payload}})
			w.emit(result)
			return
		}
		w.logger.Debug("continuing task",
			utils.String("task", wt.Task.ID.String()),
			utils.String("from", target.String()),
			utils.String("to", out.Target.String()))
		target = out.Target
	}
}
