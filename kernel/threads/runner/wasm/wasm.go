// Package wasm runs WebAssembly behaviors on wasmer.
//
// A behavior's source is the base64 encoding of a module exporting
// `memory`, `alloc(len i32) i32` and `behavior(ptr i32, len i32) i64`.
// The engine writes the agent state as JSON into a buffer from alloc and
// reads the new state back from the returned `ptr<<32 | len`.
package wasm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

type module struct {
	instance *wasmer.Instance
	memory   *wasmer.Memory
	alloc    wasmer.NativeFunction
	behavior wasmer.NativeFunction
}

// Engine instantiates each behavior module once. Not safe for concurrent use.
type Engine struct {
	store   *wasmer.Store
	modules map[string]*module
	runs    map[foundation.SimulationID]struct{}
	logger  *utils.Logger
}

func NewEngine(logger *utils.Logger) *Engine {
	if logger == nil {
		logger = utils.DefaultLogger("wasm")
	}
	return &Engine{
		store:   wasmer.NewStore(wasmer.NewEngine()),
		modules: make(map[string]*module),
		runs:    make(map[foundation.SimulationID]struct{}),
		logger:  logger,
	}
}

// NewRunner wraps a fresh engine as a runner
func NewRunner(logger *utils.Logger) runner.Runner {
	return runner.NewEngineRunner(NewEngine(logger), logger)
}

func (e *Engine) instantiate(b *runner.Behavior) (*module, error) {
	key := b.Name + "\x00" + b.SourceText()
	if m, ok := e.modules[key]; ok {
		return m, nil
	}
	code, err := base64.StdEncoding.DecodeString(b.SourceText())
	if err != nil {
		return nil, &runner.ScriptError{Message: "source is not base64: " + err.Error(), Location: b.Name}
	}
	compiled, err := wasmer.NewModule(e.store, code)
	if err != nil {
		return nil, &runner.ScriptError{Message: "compile: " + err.Error(), Location: b.Name}
	}
	instance, err := wasmer.NewInstance(compiled, wasmer.NewImportObject())
	if err != nil {
		return nil, &runner.ScriptError{Message: "instantiate: " + err.Error(), Location: b.Name}
	}
	m := &module{instance: instance}
	if m.memory, err = instance.Exports.GetMemory("memory"); err != nil {
		return nil, &runner.ScriptError{Message: "missing export memory", Location: b.Name}
	}
	if m.alloc, err = instance.Exports.GetFunction("alloc"); err != nil {
		return nil, &runner.ScriptError{Message: "missing export alloc", Location: b.Name}
	}
	if m.behavior, err = instance.Exports.GetFunction("behavior"); err != nil {
		return nil, &runner.ScriptError{Message: "missing export behavior", Location: b.Name}
	}
	e.modules[key] = m
	return m, nil
}

func (m *module) call(input []byte) ([]byte, error) {
	res, err := m.alloc(int32(len(input)))
	if err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}
	ptr, ok := res.(int32)
	if !ok {
		return nil, fmt.Errorf("alloc returned %T, want i32", res)
	}
	data := m.memory.Data()
	if int(uint32(ptr))+len(input) > len(data) {
		return nil, fmt.Errorf("alloc returned %d, out of memory bounds", ptr)
	}
	copy(data[uint32(ptr):], input)

	res, err = m.behavior(ptr, int32(len(input)))
	if err != nil {
		return nil, err
	}
	packed, ok := res.(int64)
	if !ok {
		return nil, fmt.Errorf("behavior returned %T, want i64", res)
	}
	outPtr, outLen := uint64(packed)>>32, uint64(packed)&0xffffffff
	// Memory may have grown during the call.
	data = m.memory.Data()
	if outPtr+outLen > uint64(len(data)) {
		return nil, fmt.Errorf("result %d+%d is out of memory bounds", outPtr, outLen)
	}
	out := make([]byte, outLen)
	copy(out, data[outPtr:outPtr+outLen])
	return out, nil
}

func (e *Engine) Language() foundation.Language {
	return foundation.LanguageWasm
}

func (e *Engine) Load(init *runner.RunInit) error {
	e.runs[init.SimID] = struct{}{}
	return nil
}

func (e *Engine) RunBehavior(simID foundation.SimulationID, b *runner.Behavior, state map[string]any, _ *runner.AgentContext) error {
	if _, ok := e.runs[simID]; !ok {
		return fmt.Errorf("%w: %s", runner.ErrUnknownSimulation, simID)
	}
	m, err := e.instantiate(b)
	if err != nil {
		return err
	}
	input, err := json.Marshal(state)
	if err != nil {
		return &runner.RunnerError{Message: err.Error(), Location: b.Name}
	}
	output, err := m.call(input)
	if err != nil {
		return &runner.ScriptError{Message: err.Error(), Location: b.Name}
	}
	updated := make(map[string]any, len(state))
	if err := json.Unmarshal(output, &updated); err != nil {
		return &runner.ScriptError{Message: "state: " + err.Error(), Location: b.Name}
	}
	clear(state)
	for k, v := range updated {
		state[k] = v
	}
	return nil
}

func (e *Engine) RunInit(_ foundation.SimulationID, name, _ string, _ *runner.InitContext) ([]map[string]any, error) {
	return nil, &runner.ScriptError{Message: "init scripts cannot be WebAssembly modules", Location: name}
}

func (e *Engine) Logs() []string {
	return nil
}

func (e *Engine) Unload(simID foundation.SimulationID) {
	delete(e.runs, simID)
}

func (e *Engine) Close() error {
	// Instances are released by their finalizers.
	e.modules = make(map[string]*module)
	return nil
}
