// Package controller drives one simulation run from its initial state to
// the last step.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nmxmxh/simkernel/kernel/config"
	"github.com/nmxmxh/simkernel/kernel/report"
	"github.com/nmxmxh/simkernel/kernel/status"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/registry"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/threads/sab"
	"github.com/nmxmxh/simkernel/kernel/threads/supervisor"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

var (
	ErrInitFormatMismatch = errors.New("init package does not support the initial state format")
	ErrAlreadyStarted     = errors.New("simulation run already started")
)

// FinalStateName is the final output holding the agents after the last step
const FinalStateName = "final_state"

// RunState is the lifecycle state of a simulation run
type RunState int32

const (
	StateCreated RunState = iota
	StateInitializing
	StateStepping
	StateStopped
	StateErrored
)

var stateNames = map[RunState]string{
	StateCreated:      "CREATED",
	StateInitializing: "INITIALIZING",
	StateStepping:     "STEPPING",
	StateStopped:      "STOPPED",
	StateErrored:      "ERRORED",
}

func (s RunState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RunState(%d)", s)
}

// Pool is the part of the worker pool a controller drives
type Pool interface {
	registry.TaskSubmitter
	NewSimulationRun(ctx context.Context, init *runner.RunInit) error
	Sync(ctx context.Context, msg supervisor.WorkerMsg) error
	TerminateSimulationRun(ctx context.Context, simID foundation.SimulationID) error
	Events() <-chan supervisor.Event
}

// Result of a finished run
type Result struct {
	SimID        foundation.SimulationID
	Steps        int
	StopSignal   bool
	StopMessages []any
	// Outputs of the last step, by package
	Outputs map[string]registry.Output
	// Finals are end-of-run outputs, by package, plus the final state
	Finals     map[string]json.RawMessage
	FinalState []map[string]any
}

// Option configures a Controller
type Option func(*Controller)

// WithAllocator places the run's batches in alloc instead of process memory
func WithAllocator(alloc sab.Allocator) Option {
	return func(c *Controller) { c.alloc = alloc }
}

// WithDiagnostics filters repeated warnings and rate limits logs before
// they reach the status channel
func WithDiagnostics(d *status.Diagnostics) Option {
	return func(c *Controller) { c.diagnostics = d }
}

// Controller runs one simulation run
type Controller struct {
	run         *config.SimulationRun
	registry    *registry.Registry
	pool        Pool
	persist     registry.OutputSink
	status      status.Sender
	diagnostics *status.Diagnostics
	alloc       sab.Allocator
	base        uuid.UUID
	logger      *utils.Logger

	state atomic.Int32
	step  atomic.Int64

	plan *plan

	mu     sync.Mutex
	report *report.Report
	result Result
}

// New checks the run can be started, see Check. It fails before touching
// any worker.
func New(run *config.SimulationRun, reg *registry.Registry, pool Pool, persist registry.OutputSink, sender status.Sender, logger *utils.Logger, opts ...Option) (*Controller, error) {
	p, err := resolve(run, reg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = utils.DefaultLogger("controller")
	}
	if sender == nil {
		sender = status.Discard{}
	}
	c := &Controller{
		run:         run,
		registry:    reg,
		pool:        pool,
		persist:     persist,
		status:      sender,
		alloc:       sab.NewMemoryAllocator(),
		base:        uuid.New(),
		logger:      logger.With(utils.String("sim", run.SimID.String())),
		plan:        p,
		result: Result{
			SimID:   run.SimID,
			Outputs: make(map[string]registry.Output),
			Finals:  make(map[string]json.RawMessage),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(int32(StateCreated))
	return c, nil
}

// selectInit picks the run's init package. A named package must accept the
// source; otherwise the first init package that does is used.
func selectInit(reg *registry.Registry, run *config.SimulationRun) (registry.Creator, error) {
	supports := func(c registry.Creator) bool {
		f, ok := c.(registry.InitFormats)
		return !ok || f.SupportsInit(run.Init.Name)
	}
	if run.InitPackage != "" {
		c, ok := reg.Creator(run.InitPackage)
		if !ok {
			return nil, fmt.Errorf("%w: %s", registry.ErrUnknownPackage, run.InitPackage)
		}
		if c.Kind() != registry.KindInit {
			return nil, fmt.Errorf("package %s is a %s package, not init", c.Name(), c.Kind())
		}
		if !supports(c) {
			return nil, fmt.Errorf("%w: %s cannot read %s", ErrInitFormatMismatch, c.Name(), run.Init.Name)
		}
		return c, nil
	}
	names := reg.Names()
	sort.Strings(names)
	for _, name := range names {
		c, _ := reg.Creator(name)
		if c.Kind() != registry.KindInit {
			continue
		}
		if f, ok := c.(registry.InitFormats); ok && f.SupportsInit(run.Init.Name) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: no init package reads %s", ErrInitFormatMismatch, run.Init.Name)
}

// State returns the current lifecycle state
func (c *Controller) State() RunState {
	return RunState(c.state.Load())
}

// Step returns the step being run, or the last step run once stopped
func (c *Controller) Step() int {
	return int(c.step.Load())
}

// Result returns what the run produced so far
func (c *Controller) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.result
	r.Outputs = make(map[string]registry.Output, len(c.result.Outputs))
	for k, v := range c.result.Outputs {
		r.Outputs[k] = v
	}
	r.Finals = make(map[string]json.RawMessage, len(c.result.Finals))
	for k, v := range c.result.Finals {
		r.Finals[k] = v
	}
	return r
}

// Report returns every error collected during the run, nil if none
func (c *Controller) Report() *report.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

func (c *Controller) transition(from, to RunState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *Controller) addError(err error) {
	c.mu.Lock()
	c.report = report.Add(c.report, err)
	c.mu.Unlock()
}

func (c *Controller) send(s status.Status) {
	if err := c.status.Send(s); err != nil {
		c.logger.Warn("sending status failed", utils.String("kind", s.Kind.String()), utils.Err(err))
	}
}

// Run executes the simulation run to completion. A fatal error leaves the
// run Errored and is returned as a report; output persisted for completed
// steps is kept.
func (c *Controller) Run(ctx context.Context) error {
	if !c.transition(StateCreated, StateInitializing) {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, c.run.SimID, c.State())
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	forwarding := make(chan struct{})
	go func() {
		defer close(forwarding)
		c.forwardEvents(ctx)
	}()

	r := &simRun{c: c}
	err := r.execute(ctx)
	if err != nil {
		c.state.Store(int32(StateErrored))
		rep := report.Add(nil, err).Wrap("simulation run failed").Attach("sim", c.run.SimID).Attach("step", c.Step())
		c.addError(rep)
		c.logger.Error("simulation run failed", utils.Int("step", c.Step()), utils.Err(err))
		c.send(status.PackageError(c.run.SimID, err))
	} else {
		c.state.Store(int32(StateStopped))
	}

	r.cleanup(context.WithoutCancel(ctx))
	cancel()
	<-forwarding
	c.send(status.SimStop(c.run.SimID))

	if err != nil {
		return c.Report()
	}
	return nil
}
