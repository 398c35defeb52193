// Package kernel is the simulation engine process: it obtains an
// experiment, runs its simulation runs on a worker pool and reports
// progress to the orchestrator.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/simkernel/kernel/config"
	"github.com/nmxmxh/simkernel/kernel/persistence"
	hostruntime "github.com/nmxmxh/simkernel/kernel/runtime"
	"github.com/nmxmxh/simkernel/kernel/status"
	"github.com/nmxmxh/simkernel/kernel/threads/controller"
	"github.com/nmxmxh/simkernel/kernel/threads/runner/native"
	"github.com/nmxmxh/simkernel/kernel/threads/supervisor"
	"github.com/nmxmxh/simkernel/kernel/threads/units"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

var ErrNoExperiment = errors.New("no manifest and no orchestrator configured")

// EngineState represents the lifecycle state of the engine
type EngineState int32

const (
	StateUninitialized EngineState = iota
	StateBooting
	StateWaitingForInit
	StateRunning
	StateStopping
	StateStopped
	StatePanic
)

var stateNames = map[EngineState]string{
	StateUninitialized:  "UNINITIALIZED",
	StateBooting:        "BOOTING",
	StateWaitingForInit: "WAITING_FOR_INIT",
	StateRunning:        "RUNNING",
	StateStopping:       "STOPPING",
	StateStopped:        "STOPPED",
	StatePanic:          "PANIC",
}

func (s EngineState) String() string {
	return stateNames[s]
}

// Option configures an Engine
type Option func(*Engine)

// WithManifest runs m instead of asking the orchestrator
func WithManifest(m *config.Manifest) Option {
	return func(e *Engine) { e.manifest = m }
}

// WithSender sends statuses to s when no orchestrator is used
func WithSender(s status.Sender) Option {
	return func(e *Engine) { e.sender = s }
}

// WithFactories limits the runners each worker gets
func WithFactories(f ...supervisor.RunnerFactory) Option {
	return func(e *Engine) { e.factories = f }
}

// WithLogger replaces the logger built from the config's log level
func WithLogger(l *utils.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine is the root object of the engine process
type Engine struct {
	state  atomic.Int32
	config config.EngineConfig
	logger *utils.Logger

	manifest  *config.Manifest
	sender    status.Sender
	factories []supervisor.RunnerFactory

	startTime time.Time
	shutdown  *utils.GracefulShutdown

	mu      sync.Mutex
	results []controller.Result
}

// NewEngine validates cfg and creates an engine
func NewEngine(cfg config.EngineConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{config: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		level, err := utils.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		e.logger = utils.NewLogger(utils.LoggerConfig{
			Level:     level,
			Component: "engine",
			Colorize:  true,
		})
	}
	if e.factories == nil {
		e.factories = supervisor.DefaultFactories()
	}
	e.shutdown = utils.NewGracefulShutdown(cfg.TerminateTimeout+time.Second, e.logger.Named("shutdown"))
	e.setState(StateUninitialized)
	return e, nil
}

// Run boots the engine, runs every simulation run of the experiment and
// shuts down. The orchestrator receives Exit on success and ProcessError
// otherwise.
func (e *Engine) Run(ctx context.Context) (err error) {
	e.startTime = time.Now()
	if !e.transitionState(StateUninitialized, StateBooting) {
		return fmt.Errorf("engine cannot boot from %s", e.State())
	}
	caps := hostruntime.NewProfiler().Profile()
	e.logger.Info("engine boot sequence",
		utils.Int("workers", e.config.NumWorkers),
		utils.String("output", e.config.OutputDir),
		utils.Int("cpus", caps.CPUs),
		utils.Any("compute_score", caps.ComputeScore),
		utils.Duration("atomics_overhead", caps.AtomicsOverhead))
	if hostruntime.Oversubscribed(caps, e.config.NumWorkers) {
		e.logger.Warn("more workers than the host can run in parallel",
			utils.Int("workers", e.config.NumWorkers),
			utils.Int("recommended", hostruntime.Recommend(caps).NumWorkers))
	}

	link, err := e.connect(ctx)
	if err != nil {
		e.setState(StateStopped)
		return err
	}
	defer func() {
		if cerr := link.close(); cerr != nil {
			e.logger.Warn("closing status channel failed", utils.Err(cerr))
		}
	}()
	defer e.recoverPanic(link.sender, &err)

	e.setState(StateRunning)
	runErr := e.runExperiment(ctx, link.manifest, link.sender)

	e.setState(StateStopping)
	e.notify(link.sender, status.Stopping())
	if serr := e.shutdown.Shutdown(context.WithoutCancel(ctx)); serr != nil {
		e.logger.Warn("shutdown incomplete", utils.Err(serr))
	}

	if runErr != nil {
		e.logger.Error("experiment failed", utils.Err(runErr))
		e.notify(link.sender, status.ProcessError(runErr.Error()))
		e.setState(StateStopped)
		return runErr
	}
	e.notify(link.sender, status.Exit())
	e.setState(StateStopped)
	e.logger.Info("engine stopped", utils.Duration("uptime", time.Since(e.startTime)))
	return nil
}

// runExperiment checks every simulation run, then runs them one after
// another on one pool
func (e *Engine) runExperiment(ctx context.Context, manifest *config.Manifest, sender status.Sender) error {
	runs, err := manifest.SimulationRuns(units.DefaultPackages(), native.Builtins(), e.config.TargetGroupSize)
	if err != nil {
		return err
	}
	reg, err := units.DefaultRegistry()
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := controller.Check(run, reg); err != nil {
			return fmt.Errorf("simulation %s: %w", run.SimID, err)
		}
	}

	codec, err := persistence.ParseCodec(e.config.OutputCompression)
	if err != nil {
		return err
	}

	pool, err := supervisor.NewWorkerPool(supervisor.Config{
		NumWorkers:       e.config.NumWorkers,
		MaxChainDepth:    e.config.MaxChainDepth,
		TerminateTimeout: e.config.TerminateTimeout,
	}, e.factories, e.logger.Named("pool"))
	if err != nil {
		return err
	}
	e.shutdown.Register("worker pool", func() error {
		return pool.TerminateAll(context.Background())
	})

	experiment := manifest.Name
	if experiment == "" {
		experiment = "experiment"
	}
	store, err := persistence.NewStore(e.config.OutputDir, experiment, codec, e.logger.Named("persistence"))
	if err != nil {
		return err
	}
	e.shutdown.Register("output store", store.Close)

	diagnostics, err := status.NewDiagnostics(status.DefaultDiagnosticsConfig())
	if err != nil {
		return err
	}
	alloc := newAllocator(e.config.ShmDir, e.logger)

	for _, run := range runs {
		ctl, err := controller.New(run, reg, pool, store, sender, e.logger.Named("controller"),
			controller.WithAllocator(alloc),
			controller.WithDiagnostics(diagnostics))
		if err != nil {
			return fmt.Errorf("simulation %s: %w", run.SimID, err)
		}
		if err := ctl.Run(ctx); err != nil {
			return fmt.Errorf("simulation %s: %w", run.SimID, err)
		}
		res := ctl.Result()
		e.mu.Lock()
		e.results = append(e.results, res)
		e.mu.Unlock()
		e.logger.Info("simulation run complete",
			utils.String("sim", run.SimID.String()),
			utils.Int("steps", res.Steps),
			utils.Int("agents", len(res.FinalState)),
			utils.Int("dropped_logs", diagnostics.Dropped(run.SimID)))
	}
	return nil
}

// Results returns the results of the finished simulation runs
func (e *Engine) Results() []controller.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]controller.Result(nil), e.results...)
}

// Uptime is the time since Run was called
func (e *Engine) Uptime() time.Duration {
	if e.startTime.IsZero() {
		return 0
	}
	return time.Since(e.startTime)
}

// State returns the current lifecycle state
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

func (e *Engine) setState(s EngineState) {
	e.state.Store(int32(s))
}

func (e *Engine) transitionState(from, to EngineState) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}

func (e *Engine) notify(sender status.Sender, s status.Status) {
	if err := sender.Send(s); err != nil {
		e.logger.Warn("status not delivered", utils.String("kind", s.Kind.String()), utils.Err(err))
	}
}

// recoverPanic turns a panic into a ProcessError and a returned error
func (e *Engine) recoverPanic(sender status.Sender, err *error) {
	r := recover()
	if r == nil {
		return
	}
	e.setState(StatePanic)
	stack := string(debug.Stack())
	e.logger.Error("ENGINE PANIC", utils.Any("reason", r), utils.String("stack", stack))
	_ = e.shutdown.Shutdown(context.Background())
	*err = fmt.Errorf("engine panic: %v", r)
	e.notify(sender, status.ProcessError((*err).Error()))
}
