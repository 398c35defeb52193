// Package js runs JavaScript behaviors and init scripts on goja.
//
// A behavior script defines `behavior(state, context)` and mutates state
// in place. An init script defines `init(context)` and returns a list of
// agents. Values cross the boundary as JSON.
package js

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

type run struct {
	globals goja.Value
	data    goja.Value
}

// Engine hosts one goja runtime. Not safe for concurrent use.
type Engine struct {
	vm        *goja.Runtime
	parse     goja.Callable
	stringify goja.Callable
	compiled  map[string]goja.Callable
	runs      map[foundation.SimulationID]*run
	logs      []string
	logger    *utils.Logger
}

// NewEngine creates a runtime with console output captured as logs
func NewEngine(logger *utils.Logger) (*Engine, error) {
	if logger == nil {
		logger = utils.DefaultLogger("js")
	}
	vm := goja.New()
	e := &Engine{
		vm:       vm,
		compiled: make(map[string]goja.Callable),
		runs:     make(map[foundation.SimulationID]*run),
		logger:   logger,
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	var ok bool
	if e.parse, ok = goja.AssertFunction(jsonObj.Get("parse")); !ok {
		return nil, errors.New("js: JSON.parse unavailable")
	}
	if e.stringify, ok = goja.AssertFunction(jsonObj.Get("stringify")); !ok {
		return nil, errors.New("js: JSON.stringify unavailable")
	}

	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, e.consoleLog); err != nil {
			return nil, err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return nil, err
	}
	return e, nil
}

// NewRunner wraps a fresh engine as a runner
func NewRunner(logger *utils.Logger) (runner.Runner, error) {
	e, err := NewEngine(logger)
	if err != nil {
		return nil, err
	}
	return runner.NewEngineRunner(e, logger), nil
}

func (e *Engine) consoleLog(call goja.FunctionCall) goja.Value {
	parts := make([]string, len(call.Arguments))
	for i, arg := range call.Arguments {
		parts[i] = arg.String()
	}
	e.logs = append(e.logs, strings.Join(parts, " "))
	return goja.Undefined()
}

func (e *Engine) toJS(v any) (goja.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return e.parse(goja.Undefined(), e.vm.ToValue(string(raw)))
}

func (e *Engine) fromJS(v goja.Value, out any) error {
	s, err := e.stringify(goja.Undefined(), v)
	if err != nil {
		return err
	}
	if goja.IsUndefined(s) {
		return errors.New("value cannot be represented as JSON")
	}
	return json.Unmarshal([]byte(s.String()), out)
}

func scriptError(err error, location string) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &runner.ScriptError{Message: ex.Value().String(), Location: location}
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &runner.ScriptError{Message: syntax.Error(), Location: location}
	}
	return err
}

// compile evaluates src in its own function scope and returns the
// function it names export
func (e *Engine) compile(name, src, export string) (goja.Callable, error) {
	key := name + "\x00" + src
	if fn, ok := e.compiled[key]; ok {
		return fn, nil
	}
	wrapped := fmt.Sprintf("(function() {\n%s\nreturn typeof %[2]s === \"function\" ? %[2]s : undefined;\n})()", src, export)
	prog, err := goja.Compile(name, wrapped, false)
	if err != nil {
		return nil, scriptError(err, name)
	}
	v, err := e.vm.RunProgram(prog)
	if err != nil {
		return nil, scriptError(err, name)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, &runner.ScriptError{Message: fmt.Sprintf("script must define a function named %s", export), Location: name}
	}
	e.compiled[key] = fn
	return fn, nil
}

func (e *Engine) Language() foundation.Language {
	return foundation.LanguageJavaScript
}

// Load materializes globals and datasets once for the run
func (e *Engine) Load(init *runner.RunInit) error {
	globals, err := e.toJS(orEmpty(init.Globals))
	if err != nil {
		return fmt.Errorf("globals: %w", err)
	}
	data, err := e.toJS(orEmpty(init.Datasets))
	if err != nil {
		return fmt.Errorf("datasets: %w", err)
	}
	e.runs[init.SimID] = &run{globals: globals, data: data}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (e *Engine) contextObject(r *run, ctx *runner.AgentContext) (*goja.Object, error) {
	obj := e.vm.NewObject()
	set := func(name string, v goja.Value) error {
		return obj.Set(name, func(goja.FunctionCall) goja.Value { return v })
	}
	if err := set("globals", r.globals); err != nil {
		return nil, err
	}
	if err := set("data", r.data); err != nil {
		return nil, err
	}
	if ctx == nil {
		return obj, nil
	}
	if err := set("step", e.vm.ToValue(ctx.Step)); err != nil {
		return nil, err
	}
	snap := ctx.Snapshot
	if err := obj.Set("agents", func(goja.FunctionCall) goja.Value {
		var agents []map[string]any
		if snap != nil {
			agents = snap.AllAgents()
		}
		if agents == nil {
			agents = []map[string]any{}
		}
		v, err := e.toJS(agents)
		if err != nil {
			panic(e.vm.NewGoError(err))
		}
		return v
	}); err != nil {
		return nil, err
	}
	for name, list := range map[string][]any{"messages": ctx.Messages, "neighbors": ctx.Neighbors} {
		if list == nil {
			list = []any{}
		}
		v, err := e.toJS(list)
		if err != nil {
			return nil, err
		}
		if err := set(name, v); err != nil {
			return nil, err
		}
	}
	return obj, nil
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
	stateVal, err := e.toJS(state)
	if err != nil {
		return &runner.RunnerError{Message: err.Error(), Location: b.Name}
	}
	ctxObj, err := e.contextObject(r, ctx)
	if err != nil {
		return &runner.RunnerError{Message: err.Error(), Location: b.Name}
	}
	if _, err := fn(goja.Undefined(), stateVal, ctxObj); err != nil {
		return scriptError(err, b.Name)
	}

	updated := make(map[string]any, len(state))
	if err := e.fromJS(stateVal, &updated); err != nil {
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
	ctxObj, err := e.contextObject(r, nil)
	if err != nil {
		return nil, &runner.RunnerError{Message: err.Error(), Location: name}
	}
	res, err := fn(goja.Undefined(), ctxObj)
	if err != nil {
		return nil, scriptError(err, name)
	}
	var agents []map[string]any
	if err := e.fromJS(res, &agents); err != nil {
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
