package js

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(utils.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, e.Load(&runner.RunInit{
		SimID:    1,
		Globals:  map[string]any{"speed": 2.0},
		Datasets: map[string]any{"names": []any{"a", "b"}},
	}))
	return e
}

func behavior(name, src string) *runner.Behavior {
	return &runner.Behavior{Name: name, Source: &src}
}

func TestEngine_RunBehaviorMutatesState(t *testing.T) {
	e := newEngine(t)
	b := behavior("move.js", `
const behavior = (state, context) => {
  state.age = (state.age || 0) + context.globals().speed;
  state.step = context.step();
  state.first = context.data().names[0];
  state.inbox = context.messages().length;
  state.messages.push({ to: "b", type: "hello" });
  console.log("moved", state.age);
};`)
	state := map[string]any{"age": 1.0, "messages": []any{}}
	ctx := &runner.AgentContext{Step: 4, Messages: []any{map[string]any{"from": "x"}}}

	require.NoError(t, e.RunBehavior(1, b, state, ctx))
	assert.Equal(t, 3.0, state["age"])
	assert.Equal(t, 4.0, state["step"])
	assert.Equal(t, "a", state["first"])
	assert.Equal(t, 1.0, state["inbox"])
	assert.Equal(t, []any{map[string]any{"to": "b", "type": "hello"}}, state["messages"])
	assert.Equal(t, []string{"moved 3"}, e.Logs())
	assert.Empty(t, e.Logs())
}

func TestEngine_FunctionDeclaration(t *testing.T) {
	e := newEngine(t)
	b := behavior("flag.js", `function behavior(state) { state.flag = true; }`)
	state := map[string]any{}
	require.NoError(t, e.RunBehavior(1, b, state, &runner.AgentContext{}))
	assert.Equal(t, true, state["flag"])
}

func TestEngine_ThrowIsScriptError(t *testing.T) {
	e := newEngine(t)
	b := behavior("bad.js", `const behavior = () => { throw new Error("nope"); };`)

	err := e.RunBehavior(1, b, map[string]any{}, &runner.AgentContext{})
	var scriptErr *runner.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Contains(t, scriptErr.Message, "nope")
	assert.Equal(t, "bad.js", scriptErr.Location)
}

func TestEngine_CompileErrors(t *testing.T) {
	e := newEngine(t)
	var scriptErr *runner.ScriptError

	err := e.RunBehavior(1, behavior("syntax.js", `const behavior = (state => {`), map[string]any{}, nil)
	require.ErrorAs(t, err, &scriptErr)

	err = e.RunBehavior(1, behavior("missing.js", `const other = 1;`), map[string]any{}, nil)
	require.ErrorAs(t, err, &scriptErr)
	assert.Contains(t, scriptErr.Message, "behavior")

	err = e.RunBehavior(2, behavior("move.js", `function behavior() {}`), map[string]any{}, nil)
	assert.ErrorIs(t, err, runner.ErrUnknownSimulation)
}

func TestEngine_RunInit(t *testing.T) {
	e := newEngine(t)
	agents, err := e.RunInit(1, "init.js", `
const init = (context) => context.data().names.map((n, i) => ({ agent_name: n, position: [i, 0] }));`, nil)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "b", agents[1]["agent_name"])
	assert.Equal(t, []any{1.0, 0.0}, agents[1]["position"])

	_, err = e.RunInit(1, "bad_init.js", `const init = () => 42;`, nil)
	var scriptErr *runner.ScriptError
	assert.ErrorAs(t, err, &scriptErr)
}
