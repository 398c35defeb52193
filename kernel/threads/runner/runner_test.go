package runner_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/threads/sab"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// countingEngine adds one to "count" for every behavior it runs
type countingEngine struct {
	lang  foundation.Language
	calls int
	fail  bool
	panic bool
	logs  []string
}

func (e *countingEngine) Language() foundation.Language { return e.lang }

func (e *countingEngine) Load(*runner.RunInit) error { return nil }

func (e *countingEngine) RunBehavior(_ foundation.SimulationID, b *runner.Behavior, state map[string]any, _ *runner.AgentContext) error {
	e.calls++
	if e.panic {
		panic("boom")
	}
	if e.fail {
		return &runner.ScriptError{Message: "thrown"}
	}
	n, _ := state["count"].(float64)
	state["count"] = n + 1
	state["scratch"] = true
	if e.lang == foundation.LanguageJavaScript {
		msgs, _ := state["messages"].([]any)
		state["messages"] = append(msgs, map[string]any{"to": "x", "type": "ping"})
	}
	e.logs = append(e.logs, b.Name)
	return nil
}

func (e *countingEngine) RunInit(_ foundation.SimulationID, name, _ string, _ *runner.InitContext) ([]map[string]any, error) {
	if e.fail {
		return nil, &runner.ScriptError{Message: "bad init", Location: name}
	}
	return []map[string]any{{"agent_name": "x"}}, nil
}

func (e *countingEngine) Logs() []string {
	out := e.logs
	e.logs = nil
	return out
}

func (e *countingEngine) Unload(foundation.SimulationID) {}

func (e *countingEngine) Close() error { return nil }

type fixture struct {
	init  *runner.RunInit
	state *batch.State
}

func newFixture(t *testing.T, behaviors []string, n int) *fixture {
	t.Helper()
	m, err := runner.NewBehaviorMap([]runner.Behavior{{Name: "inc.rs"}, {Name: "inc.js"}})
	require.NoError(t, err)

	fields := batch.NewFieldSpecMap(batch.AgentFields()...)
	require.NoError(t, fields.Register(batch.RootFieldSpec{FieldSpec: batch.FieldSpec{Name: "count", Type: batch.FieldNumber, Nullable: true}, Source: batch.SourceInit}))
	agentSchema, err := fields.Freeze()
	require.NoError(t, err)
	msgSchema, err := batch.NewSchema(batch.MessageFields())
	require.NoError(t, err)

	list := make([]any, len(behaviors))
	for i, b := range behaviors {
		list[i] = b
	}
	agents := make([]map[string]any, n)
	for i := range agents {
		agents[i] = batch.PrepareAgent(map[string]any{"count": 0.0, "behaviors": list})
	}
	state, err := batch.NewState(sab.NewMemoryAllocator(), uuid.New(), agentSchema, msgSchema, batch.SplitGroups(agents, 2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = state.Close() })

	return &fixture{
		init:  &runner.RunInit{SimID: 1, Behaviors: m, AgentSchema: agentSchema},
		state: state,
	}
}

func (f *fixture) job(cancelled bool) *runner.Job {
	return &runner.Job{
		TaskID:    foundation.NewTaskID(),
		SimID:     1,
		Package:   "behavior_execution",
		Payload:   json.RawMessage(`{"kind":"behaviors"}`),
		Store:     foundation.WriteStore(f.state, nil),
		Cancelled: func() bool { return cancelled },
	}
}

func newRunner(t *testing.T, e runner.Engine, init *runner.RunInit) *runner.EngineRunner {
	t.Helper()
	r := runner.NewEngineRunner(e, utils.NewNopLogger())
	require.NoError(t, r.NewSimulationRun(context.Background(), init))
	return r
}

func TestExecuteBehaviors_ContinuesAcrossLanguages(t *testing.T) {
	f := newFixture(t, []string{"inc.rs", "inc.js", "inc.rs"}, 3)
	ctx := context.Background()
	rust := newRunner(t, &countingEngine{lang: foundation.LanguageRust}, f.init)
	js := newRunner(t, &countingEngine{lang: foundation.LanguageJavaScript}, f.init)

	out, err := rust.Run(ctx, f.job(false))
	require.NoError(t, err)
	assert.Equal(t, foundation.TargetJavaScript, out.Target)
	assert.JSONEq(t, `{"agents_processed":3}`, string(out.Payload))
	assert.Len(t, out.Logs, 3)

	out, err = js.Run(ctx, f.job(false))
	require.NoError(t, err)
	assert.Equal(t, foundation.TargetRust, out.Target)

	out, err = rust.Run(ctx, f.job(false))
	require.NoError(t, err)
	assert.Equal(t, foundation.TargetMain, out.Target)
	require.NotEmpty(t, out.UserWarnings)
	assert.Contains(t, out.UserWarnings[0].Message, "scratch")

	snap, err := f.state.Snapshot(ctx)
	require.NoError(t, err)
	for _, agent := range snap.AllAgents() {
		assert.Equal(t, 3.0, agent["count"])
		assert.NotContains(t, agent, "scratch")
	}
	for _, row := range snap.AllMessages() {
		assert.Len(t, row["messages"], 1)
	}

	agents, err := f.state.Agents.Batch(0).Rows(true)
	require.NoError(t, err)
	assert.Equal(t, 0.0, agents[0][batch.BehaviorIndexField])
}

func TestExecuteBehaviors_CancelledDoesNotCommit(t *testing.T) {
	f := newFixture(t, []string{"inc.rs"}, 2)
	r := newRunner(t, &countingEngine{lang: foundation.LanguageRust}, f.init)

	out, err := r.Run(context.Background(), f.job(true))
	require.NoError(t, err)
	assert.True(t, out.Cancelled)

	snap, err := f.state.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap.AllAgents()[0]["count"])
}

func TestExecuteBehaviors_UnknownBehaviorWarns(t *testing.T) {
	f := newFixture(t, []string{"missing.rs", "inc.rs"}, 1)
	r := newRunner(t, &countingEngine{lang: foundation.LanguageRust}, f.init)

	out, err := r.Run(context.Background(), f.job(false))
	require.NoError(t, err)
	assert.Equal(t, foundation.TargetMain, out.Target)
	require.NotEmpty(t, out.UserWarnings)
	assert.Contains(t, out.UserWarnings[0].Message, "missing.rs")
}

func TestEngineRunner_ScriptErrorIsUserError(t *testing.T) {
	f := newFixture(t, []string{"inc.rs"}, 2)
	r := newRunner(t, &countingEngine{lang: foundation.LanguageRust, fail: true}, f.init)

	out, err := r.Run(context.Background(), f.job(false))
	require.NoError(t, err)
	require.Len(t, out.UserErrors, 2)
	assert.Equal(t, "inc.rs", out.UserErrors[0].Location)
}

func TestEngineRunner_PanicIsRunnerError(t *testing.T) {
	f := newFixture(t, []string{"inc.rs"}, 1)
	r := newRunner(t, &countingEngine{lang: foundation.LanguageRust, panic: true}, f.init)

	_, err := r.Run(context.Background(), f.job(false))
	var runnerErr *runner.RunnerError
	require.ErrorAs(t, err, &runnerErr)
	assert.Contains(t, runnerErr.Message, "boom")
}

func TestEngineRunner_UnknownSimulation(t *testing.T) {
	f := newFixture(t, []string{"inc.rs"}, 1)
	r := runner.NewEngineRunner(&countingEngine{lang: foundation.LanguageRust}, utils.NewNopLogger())

	_, err := r.Run(context.Background(), f.job(false))
	assert.ErrorIs(t, err, runner.ErrUnknownSimulation)

	require.NoError(t, r.NewSimulationRun(context.Background(), f.init))
	r.TerminateSimulationRun(1)
	_, err = r.Run(context.Background(), f.job(false))
	assert.ErrorIs(t, err, runner.ErrUnknownSimulation)
}

func TestEngineRunner_Init(t *testing.T) {
	f := newFixture(t, nil, 1)
	r := newRunner(t, &countingEngine{lang: foundation.LanguageJavaScript}, f.init)
	job := f.job(false)
	job.Payload = json.RawMessage(`{"kind":"init","name":"init.js","source":""}`)

	out, err := r.Run(context.Background(), job)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"agent_name":"x"}]`, string(out.Payload))

	bad := newRunner(t, &countingEngine{lang: foundation.LanguageJavaScript, fail: true}, f.init)
	out, err = bad.Run(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, out.UserErrors, 1)
	assert.Equal(t, "init.js", out.UserErrors[0].Location)

	job.Payload = json.RawMessage(`{"kind":"other"}`)
	_, err = r.Run(context.Background(), job)
	var runnerErr *runner.RunnerError
	assert.ErrorAs(t, err, &runnerErr)
}

func TestBehaviorMap_Validation(t *testing.T) {
	_, err := runner.NewBehaviorMap([]runner.Behavior{{Name: "a.rs"}, {Name: "b.py", ShortNames: []string{"a.rs"}}})
	assert.Error(t, err)
	_, err = runner.NewBehaviorMap([]runner.Behavior{{Name: "a.txt"}})
	assert.Error(t, err)

	keys := `{"keys":{"speed":{"type":"number","nullable":true},"tags":{"type":"list","nullable":false}}}`
	m, err := runner.NewBehaviorMap([]runner.Behavior{{Name: "move.js", KeysSource: &keys}})
	require.NoError(t, err)
	b, ok := m.Resolve("move.js")
	require.True(t, ok)
	parsed, err := b.ParseKeys()
	require.NoError(t, err)
	schema := parsed.JSONSchema()
	props := schema["properties"].(map[string]any)
	assert.Equal(t, map[string]any{"type": "array"}, props["tags"])

	specs, err := m.FieldSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "speed", specs[0].Name)
	assert.Equal(t, batch.FieldJSON, specs[1].Type)
}
