package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

var (
	ErrUnknownSimulation = errors.New("simulation run not started on runner")
	ErrMalformedPayload  = errors.New("malformed task payload")
)

// Payload kinds understood by every runner
const (
	PayloadBehaviors = "behaviors"
	PayloadInit      = "init"
)

// Payload is the task payload sent to runners
type Payload struct {
	Kind   string `json:"kind"`
	Name   string `json:"name,omitempty"`
	Source string `json:"source,omitempty"`
}

// KeyValidator checks an agent against the keys a behavior declares
type KeyValidator interface {
	ValidateAgent(behavior string, agent map[string]any) error
}

// RunInit is broadcast to every runner before a simulation run's first step
type RunInit struct {
	SimID       foundation.SimulationID
	Globals     map[string]any
	Datasets    map[string]any
	Behaviors   *BehaviorMap
	AgentSchema *batch.Schema
	Keys        KeyValidator
}

// Job is one execution of a task on a runner
type Job struct {
	TaskID  foundation.TaskID
	SimID   foundation.SimulationID
	Package string
	Payload json.RawMessage
	Store   foundation.SharedStore
	// Cancelled is polled between agents
	Cancelled func() bool
}

func (j *Job) cancelled() bool {
	return j.Cancelled != nil && j.Cancelled()
}

// Outcome of a job. A Target other than TargetMain is a continuation.
type Outcome struct {
	Target       foundation.MessageTarget
	Payload      json.RawMessage
	Cancelled    bool
	UserErrors   []UserError
	UserWarnings []UserWarning
	Logs         []string
}

// UserError is an exception raised by user code. It is reported, not
// propagated.
type UserError struct {
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

func (e UserError) String() string {
	if e.Location == "" {
		return e.Message
	}
	return e.Location + ": " + e.Message
}

// UserWarning is a non-fatal problem caused by user input
type UserWarning struct {
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

func (w UserWarning) String() string {
	if w.Location == "" {
		return w.Message
	}
	return w.Location + ": " + w.Message
}

// RunnerError is a protocol failure inside a runner. It ends the run.
type RunnerError struct {
	Message  string
	Location string
}

func (e *RunnerError) Error() string {
	if e.Location == "" {
		return e.Message
	}
	return e.Location + ": " + e.Message
}

// ScriptError is returned by an Engine when user code raised
type ScriptError struct {
	Message  string
	Location string
}

func (e *ScriptError) Error() string {
	if e.Location == "" {
		return e.Message
	}
	return e.Location + ": " + e.Message
}

// Runner executes tasks for one language
type Runner interface {
	Language() foundation.Language
	NewSimulationRun(ctx context.Context, init *RunInit) error
	TerminateSimulationRun(simID foundation.SimulationID)
	Run(ctx context.Context, job *Job) (*Outcome, error)
	Close() error
}

// AgentContext is what a behavior sees besides its agent's state
type AgentContext struct {
	Globals   map[string]any
	Data      map[string]any
	Step      int
	Messages  []any
	Neighbors []any
	Row       map[string]any
	// Snapshot is every agent as the step's context phase saw it
	Snapshot *batch.StateSnapshot
}

// InitContext is what an init script sees
type InitContext struct {
	Globals map[string]any
	Data    map[string]any
}

// Engine is the language-specific part of a runner. An Engine is owned
// by one worker and never called concurrently.
type Engine interface {
	Language() foundation.Language
	// Load prepares per-run state such as materialized datasets
	Load(init *RunInit) error
	// RunBehavior runs b against state in place. User failures are
	// reported as *ScriptError.
	RunBehavior(simID foundation.SimulationID, b *Behavior, state map[string]any, ctx *AgentContext) error
	// RunInit runs an init script and returns the initial agents
	RunInit(simID foundation.SimulationID, name, source string, ctx *InitContext) ([]map[string]any, error)
	// Logs drains output printed by user code
	Logs() []string
	Unload(simID foundation.SimulationID)
	Close() error
}

// EngineRunner implements Runner on top of an Engine
type EngineRunner struct {
	engine Engine
	logger *utils.Logger

	mu   sync.Mutex
	runs map[foundation.SimulationID]*RunInit
}

// NewEngineRunner wraps engine. A nil logger gets the default one.
func NewEngineRunner(engine Engine, logger *utils.Logger) *EngineRunner {
	if logger == nil {
		logger = utils.DefaultLogger("runner")
	}
	return &EngineRunner{
		engine: engine,
		logger: logger.With(utils.String("language", engine.Language().String())),
		runs:   make(map[foundation.SimulationID]*RunInit),
	}
}

func (r *EngineRunner) Language() foundation.Language {
	return r.engine.Language()
}

func (r *EngineRunner) NewSimulationRun(ctx context.Context, init *RunInit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.engine.Load(init); err != nil {
		return fmt.Errorf("%s runner: load simulation %s: %w", r.Language(), init.SimID, err)
	}
	r.mu.Lock()
	r.runs[init.SimID] = init
	r.mu.Unlock()
	return nil
}

func (r *EngineRunner) TerminateSimulationRun(simID foundation.SimulationID) {
	r.mu.Lock()
	delete(r.runs, simID)
	r.mu.Unlock()
	r.engine.Unload(simID)
}

func (r *EngineRunner) run(simID foundation.SimulationID) (*RunInit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	init, ok := r.runs[simID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSimulation, simID)
	}
	return init, nil
}

// Run executes job. Panics in the engine become RunnerErrors.
func (r *EngineRunner) Run(ctx context.Context, job *Job) (out *Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = &RunnerError{Message: fmt.Sprintf("panic: %v", rec), Location: r.Language().String() + " runner"}
		}
	}()

	init, err := r.run(job.SimID)
	if err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, &RunnerError{Message: fmt.Sprintf("%v: %v", ErrMalformedPayload, err), Location: job.Package}
	}

	switch payload.Kind {
	case PayloadBehaviors:
		out, err = ExecuteBehaviors(ctx, r.engine, init, job)
	case PayloadInit:
		out, err = r.runInit(init, job, payload)
	default:
		return nil, &RunnerError{Message: fmt.Sprintf("%v: kind %q", ErrMalformedPayload, payload.Kind), Location: job.Package}
	}
	if out != nil {
		out.Logs = append(out.Logs, r.engine.Logs()...)
	}
	return out, err
}

func (r *EngineRunner) runInit(init *RunInit, job *Job, payload Payload) (*Outcome, error) {
	agents, err := r.engine.RunInit(job.SimID, payload.Name, payload.Source, &InitContext{
		Globals: init.Globals,
		Data:    init.Datasets,
	})
	var scriptErr *ScriptError
	if errors.As(err, &scriptErr) {
		return &Outcome{
			Target:     foundation.TargetMain,
			Payload:    json.RawMessage("null"),
			UserErrors: []UserError{{Message: scriptErr.Message, Location: scriptErr.Location}},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []map[string]any{}
	}
	encoded, err := json.Marshal(agents)
	if err != nil {
		return nil, &RunnerError{Message: fmt.Sprintf("encode init agents: %v", err), Location: payload.Name}
	}
	return &Outcome{Target: foundation.TargetMain, Payload: encoded}, nil
}

func (r *EngineRunner) Close() error {
	return r.engine.Close()
}
