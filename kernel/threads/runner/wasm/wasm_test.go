package wasm

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// Echoes the input buffer back unchanged.
const echoWAT = `
(module
  (memory (export "memory") 1)
  (func (export "alloc") (param i32) (result i32)
    i32.const 1024)
  (func (export "behavior") (param $ptr i32) (param $len i32) (result i64)
    local.get $ptr
    i64.extend_i32_u
    i64.const 32
    i64.shl
    local.get $len
    i64.extend_i32_u
    i64.or))
`

// Ignores the input and returns {"age":7}.
const constWAT = `
(module
  (memory (export "memory") 1)
  (data (i32.const 0) "{\"age\":7}")
  (func (export "alloc") (param i32) (result i32)
    i32.const 1024)
  (func (export "behavior") (param i32 i32) (result i64)
    i64.const 9))
`

const trapWAT = `
(module
  (memory (export "memory") 1)
  (func (export "alloc") (param i32) (result i32)
    i32.const 1024)
  (func (export "behavior") (param i32 i32) (result i64)
    unreachable))
`

func behavior(t *testing.T, name, wat string) *runner.Behavior {
	t.Helper()
	code, err := wasmer.Wat2Wasm(wat)
	require.NoError(t, err)
	src := base64.StdEncoding.EncodeToString(code)
	return &runner.Behavior{Name: name, Source: &src}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(utils.NewNopLogger())
	require.NoError(t, e.Load(&runner.RunInit{SimID: 1}))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_Echo(t *testing.T) {
	e := newEngine(t)
	state := map[string]any{"age": 1.0, "agent_name": "a"}
	require.NoError(t, e.RunBehavior(1, behavior(t, "echo.wasm", echoWAT), state, nil))
	assert.Equal(t, map[string]any{"age": 1.0, "agent_name": "a"}, state)
}

func TestEngine_ReplacesState(t *testing.T) {
	e := newEngine(t)
	state := map[string]any{"age": 1.0, "agent_name": "a"}
	b := behavior(t, "const.wasm", constWAT)
	require.NoError(t, e.RunBehavior(1, b, state, nil))
	require.NoError(t, e.RunBehavior(1, b, state, nil))
	assert.Equal(t, map[string]any{"age": 7.0}, state)
}

func TestEngine_Errors(t *testing.T) {
	e := newEngine(t)
	var scriptErr *runner.ScriptError

	err := e.RunBehavior(1, behavior(t, "trap.wasm", trapWAT), map[string]any{}, nil)
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "trap.wasm", scriptErr.Location)

	bad := "not base64!"
	err = e.RunBehavior(1, &runner.Behavior{Name: "bad.wasm", Source: &bad}, map[string]any{}, nil)
	require.ErrorAs(t, err, &scriptErr)

	err = e.RunBehavior(2, behavior(t, "echo.wasm", echoWAT), map[string]any{}, nil)
	assert.ErrorIs(t, err, runner.ErrUnknownSimulation)

	_, err = e.RunInit(1, "init.wasm", "", nil)
	assert.ErrorAs(t, err, &scriptErr)
}
