// Package py runs Python-dialect behaviors and init scripts on Starlark.
//
// A behavior script defines `behavior(state, context)` and mutates the
// state dict in place. An init script defines `init(context)` and returns
// a list of agent dicts.
package py

import (
	"encoding/json"
	"errors"
	"fmt"

	starjson "go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

var predeclared = starlark.StringDict{
	"json": starjson.Module,
	"math": math.Module,
}

type run struct {
	globals starlark.Value
	data    starlark.Value
}

// Engine runs Starlark scripts. Not safe for concurrent use.
type Engine struct {
	thread   *starlark.Thread
	compiled map[string]starlark.Callable
	runs     map[foundation.SimulationID]*run
	logs     []string
	logger   *utils.Logger
}

// NewEngine creates an engine whose print output is captured as logs
func NewEngine(logger *utils.Logger) *Engine {
	if logger == nil {
		logger = utils.DefaultLogger("py")
	}
	e := &Engine{
		compiled: make(map[string]starlark.Callable),
		runs:     make(map[foundation.SimulationID]*run),
		logger:   logger,
	}
	e.thread = &starlark.Thread{
		Name: "python-runner",
		Print: func(_ *starlark.Thread, msg string) {
			e.logs = append(e.logs, msg)
		},
	}
	return e
}

// NewRunner wraps a fresh engine as a runner
func NewRunner(logger *utils.Logger) runner.Runner {
	return runner.NewEngineRunner(NewEngine(logger), logger)
}

func (e *Engine) toStarlark(v any) (starlark.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	decode := starjson.Module.Members["decode"]
	return starlark.Call(e.thread, decode, starlark.Tuple{starlark.String(raw)}, nil)
}

func (e *Engine) fromStarlark(v starlark.Value, out any) error {
	encode := starjson.Module.Members["encode"]
	s, err := starlark.Call(e.thread, encode, starlark.Tuple{v}, nil)
	if err != nil {
		return err
	}
	str, ok := starlark.AsString(s)
	if !ok {
		return fmt.Errorf("json.encode returned %s", s.Type())
	}
	return json.Unmarshal([]byte(str), out)
}

func scriptError(err error, location string) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return &runner.ScriptError{Message: evalErr.Backtrace(), Location: location}
	}
	return &runner.ScriptError{Message: err.Error(), Location: location}
}

func (e *Engine) compile(name, src, export string) (starlark.Callable, error) {
	key := name + "\x00" + src
	if fn, ok := e.compiled[key]; ok {
		return fn, nil
	}
	globals, err := starlark.ExecFile(e.thread, name, src, predeclared)
	if err != nil {
		return nil, scriptError(err, name)
	}
	fn, ok := globals[export].(starlark.Callable)
	if !ok {
		return nil, &runner.ScriptError{Message: fmt.Sprintf("script must define a function named %s", export), Location: name}
	}
	e.compiled[key] = fn
	return fn, nil
}

func (e *Engine) Language() foundation.Language {
	return foundation.LanguagePython
}

// Load materializes frozen globals and datasets once for the run
func (e *Engine) Load(init *runner.RunInit) error {
	r := &run{}
	var err error
	if r.globals, err = e.toStarlark(orEmpty(init.Globals)); err != nil {
		return fmt.Errorf("globals: %w", err)
	}
	if r.data, err = e.toStarlark(orEmpty(init.Datasets)); err != nil {
		return fmt.Errorf("datasets: %w", err)
	}
	r.globals.Freeze()
	r.data.Freeze()
	e.runs[init.SimID] = r
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func constant(name string, v starlark.Value) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
		return v, nil
	})
}

func (e *Engine) contextValue(r *run, ctx *runner.AgentContext) (starlark.Value, error) {
	members := starlark.StringDict{
		"globals": constant("globals", r.globals),
		"data":    constant("data", r.data),
	}
	if ctx != nil {
		members["step"] = constant("step", starlark.MakeInt(ctx.Step))
		snap := ctx.Snapshot
		members["agents"] = starlark.NewBuiltin("agents", func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
			agents := []map[string]any{}
			if snap != nil {
				agents = append(agents, snap.AllAgents()...)
			}
			return e.toStarlark(agents)
		})
		for name, list := range map[string][]any{"messages": ctx.Messages, "neighbors": ctx.Neighbors} {
			if list == nil {
				list = []any{}
			}
			v, err := e.toStarlark(list)
			if err != nil {
				return nil, err
			}
			v.Freeze()
			members[name] = constant(name, v)
		}
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, members), nil
}

func (e *Engine) RunBehavior(simID foundation.SimulationID, b *runner.Behavior, state map[string]any, ctx *runner.AgentContext) error {
	r, ok := e.runs[simID]
	if !ok {
		return fmt.Errorf("%w: %s", runner.ErrUnknownSimulation, simID)
	}
	if b.SourceText() == "" {
		return &runner.ScriptError{Message: "behavior has no source", Location: b.Name}
	}
	fn, err := e.compile(b.Name, b.SourceText(), "behavior")
	if err != nil {
		return err
	}
	stateVal, err := e.toStarlark(state)
	if err != nil {
		return &runner.RunnerError{Message: err.Error(), Location: b.Name}
	}
	ctxVal, err := e.contextValue(r, ctx)
	if err != nil {
		return &runner.RunnerError{Message: err.Error(), Location: b.Name}
	}
	if _, err := starlark.Call(e.thread, fn, starlark.Tuple{stateVal, ctxVal}, nil); err != nil {
		return scriptError(err, b.Name)
	}

	updated := make(map[string]any, len(state))
	if err := e.fromStarlark(stateVal, &updated); err != nil {
		return &runner.ScriptError{Message: "state: " + err.Error(), Location: b.Name}
	}
	clear(state)
	for k, v := range updated {
		state[k] = v
	}
	return nil
}

func (e *Engine) RunInit(simID foundation.SimulationID, name, source string, _ *runner.InitContext) ([]map[string]any, error) {
	r, ok := e.runs[simID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", runner.ErrUnknownSimulation, simID)
	}
	fn, err := e.compile(name, source, "init")
	if err != nil {
		return nil, err
	}
	ctxVal, err := e.contextValue(r, nil)
	if err != nil {
		return nil, &runner.RunnerError{Message: err.Error(), Location: name}
	}
	res, err := starlark.Call(e.thread, fn, starlark.Tuple{ctxVal}, nil)
	if err != nil {
		return nil, scriptError(err, name)
	}
	var agents []map[string]any
	if err := e.fromStarlark(res, &agents); err != nil {
		return nil, &runner.ScriptError{Message: "init must return a list of agents: " + err.Error(), Location: name}
	}
	return agents, nil
}

func (e *Engine) Logs() []string {
	out := e.logs
	e.logs = nil
	return out
}

func (e *Engine) Unload(simID foundation.SimulationID) {
	delete(e.runs, simID)
}

func (e *Engine) Close() error {
	e.compiled = nil
	e.runs = nil
	return nil
}
