package native

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

func run(t *testing.T, name string, state map[string]any) error {
	t.Helper()
	e := NewEngine(utils.NewNopLogger())
	m, err := runner.NewBehaviorMap(Builtins())
	require.NoError(t, err)
	b, ok := m.Resolve(name)
	require.True(t, ok, name)
	return e.RunBehavior(1, b, state, &runner.AgentContext{})
}

func TestBuiltins_ResolveByShortName(t *testing.T) {
	m, err := runner.NewBehaviorMap(Builtins())
	require.NoError(t, err)
	for _, name := range []string{"age", "age.rs", "@hash/age/age.rs", "create_agents", "@hash/create-agents/create_agents.rs"} {
		_, ok := m.Resolve(name)
		assert.True(t, ok, name)
	}
	assert.Len(t, NewEngine(nil).Names(), 5)

	specs, err := m.FieldSpecs()
	require.NoError(t, err)
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "age")
	assert.Contains(t, names, "counter_reset_at")
}

func TestEngine_Age(t *testing.T) {
	state := map[string]any{}
	require.NoError(t, run(t, "age", state))
	require.NoError(t, run(t, "age", state))
	assert.Equal(t, 2.0, state["age"])

	err := run(t, "age", map[string]any{"age": "old"})
	var scriptErr *runner.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "@hash/age/age.rs", scriptErr.Location)
}

func TestEngine_Counter(t *testing.T) {
	state := map[string]any{"counter": 3.0, "counter_increment": 2.0, "counter_reset_at": 6.0, "counter_reset_to": 1.0}
	require.NoError(t, run(t, "counter", state))
	assert.Equal(t, 5.0, state["counter"])
	require.NoError(t, run(t, "counter", state))
	assert.Equal(t, 1.0, state["counter"])

	plain := map[string]any{}
	require.NoError(t, run(t, "counter", plain))
	assert.Equal(t, 1.0, plain["counter"])
}

func TestEngine_MoveInDirection(t *testing.T) {
	state := map[string]any{"position": []any{1.0, 2.0}, "direction": []any{0.5, -1.0}}
	require.NoError(t, run(t, "move_in_direction", state))
	assert.Equal(t, []any{1.5, 1.0}, state["position"])

	unplaced := map[string]any{"direction": []any{1.0}}
	require.NoError(t, run(t, "move_in_direction", unplaced))
	assert.Nil(t, unplaced["position"])
}

func TestEngine_RemoveSelf(t *testing.T) {
	state := map[string]any{"agent_id": "a1", "messages": []any{}}
	require.NoError(t, run(t, "remove_self", state))
	assert.Equal(t, []any{map[string]any{
		"to":   "hash",
		"type": "remove_agent",
		"data": map[string]any{"agent_id": "a1"},
	}}, state["messages"])
}

func TestEngine_CreateAgents(t *testing.T) {
	state := map[string]any{"agents": map[string]any{
		"b": map[string]any{"agent_name": "second"},
		"a": map[string]any{"agent_name": "first"},
	}}
	require.NoError(t, run(t, "create_agents", state))
	msgs := state["messages"].([]any)
	require.Len(t, msgs, 2)
	first := msgs[0].(map[string]any)
	assert.Equal(t, "create_agent", first["type"])
	assert.Equal(t, map[string]any{"agent_name": "first"}, first["data"])
	assert.Empty(t, state["agents"])
}

func TestEngine_InitUnsupported(t *testing.T) {
	_, err := NewEngine(nil).RunInit(1, "init.rs", "", &runner.InitContext{})
	var scriptErr *runner.ScriptError
	assert.ErrorAs(t, err, &scriptErr)
}
