package py

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(utils.NewNopLogger())
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
	b := behavior("move.py", `
def behavior(state, context):
    state["age"] = state.get("age", 0) + context.globals()["speed"]
    state["step"] = context.step()
    state["first"] = context.data()["names"][0]
    state["inbox"] = len(context.messages())
    state["messages"].append({"to": "b", "type": "hello"})
    print("moved", state["age"])
`)
	state := map[string]any{"age": 1.0, "messages": []any{}}
	ctx := &runner.AgentContext{Step: 4, Messages: []any{map[string]any{"from": "x"}}}

	require.NoError(t, e.RunBehavior(1, b, state, ctx))
	assert.Equal(t, 3.0, state["age"])
	assert.Equal(t, 4.0, state["step"])
	assert.Equal(t, "a", state["first"])
	assert.Equal(t, 1.0, state["inbox"])
	assert.Equal(t, []any{map[string]any{"to": "b", "type": "hello"}}, state["messages"])
	assert.Equal(t, []string{"moved 3"}, e.Logs())
}

func TestEngine_GlobalsAreFrozen(t *testing.T) {
	e := newEngine(t)
	b := behavior("mutate.py", `
def behavior(state, context):
    context.globals()["speed"] = 10
`)
	err := e.RunBehavior(1, b, map[string]any{}, &runner.AgentContext{})
	var scriptErr *runner.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "mutate.py", scriptErr.Location)
}

func TestEngine_FailIsScriptError(t *testing.T) {
	e := newEngine(t)
	b := behavior("bad.py", `
def behavior(state, context):
    fail("nope")
`)
	err := e.RunBehavior(1, b, map[string]any{}, &runner.AgentContext{})
	var scriptErr *runner.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Contains(t, scriptErr.Message, "nope")

	err = e.RunBehavior(1, behavior("syntax.py", "def behavior(state:\n"), map[string]any{}, nil)
	require.ErrorAs(t, err, &scriptErr)

	err = e.RunBehavior(1, behavior("missing.py", "x = 1\n"), map[string]any{}, nil)
	require.ErrorAs(t, err, &scriptErr)
	assert.Contains(t, scriptErr.Message, "behavior")
}

func TestEngine_RunInit(t *testing.T) {
	e := newEngine(t)
	agents, err := e.RunInit(1, "init.py", `
def init(context):
    return [{"agent_name": n, "position": [i, 0]} for i, n in enumerate(context.data()["names"])]
`, nil)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "b", agents[1]["agent_name"])
	assert.Equal(t, []any{1.0, 0.0}, agents[1]["position"])

	_, err = e.RunInit(2, "init.py", "def init(context):\n    return []\n", nil)
	assert.ErrorIs(t, err, runner.ErrUnknownSimulation)
}
