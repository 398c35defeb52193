package units

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/registry"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/threads/sab"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	tasks  []*foundation.Task
	stores []foundation.SharedStore
	result string
	cancel bool
}

func (f *fakeSubmitter) Submit(_ context.Context, _ foundation.SimulationID, task *foundation.Task, store foundation.SharedStore) (*foundation.ActiveTask, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.stores = append(f.stores, store)
	f.mu.Unlock()
	if f.cancel {
		active, _ := foundation.NewActiveTask(task)
		active.Cancel()
		return active, nil
	}
	return foundation.CompletedTask(task, foundation.TaskResult{Target: foundation.TargetMain, Payload: json.RawMessage(f.result)}), nil
}

type metric struct {
	name  string
	step  int
	value float64
}

type memorySink struct {
	mu      sync.Mutex
	steps   map[int][]byte
	finals  map[string][]byte
	metrics []metric
}

func newMemorySink() *memorySink {
	return &memorySink{steps: map[int][]byte{}, finals: map[string][]byte{}}
}

func (s *memorySink) WriteStep(_ foundation.SimulationID, _ string, step int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step] = data
	return nil
}

func (s *memorySink) WriteFinal(_ foundation.SimulationID, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finals[name] = data
	return nil
}

func (s *memorySink) RecordMetric(_ foundation.SimulationID, name string, step int, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, metric{name, step, value})
	return nil
}

func newState(t *testing.T, agents ...map[string]any) *batch.State {
	t.Helper()
	fields := batch.NewFieldSpecMap(batch.AgentFields()...)
	require.NoError(t, fields.Register(batch.RootFieldSpec{FieldSpec: batch.FieldSpec{Name: "age", Type: batch.FieldNumber, Nullable: true}, Source: batch.SourceInit}))
	schema, err := fields.Freeze()
	require.NoError(t, err)
	msgSchema, err := batch.NewSchema(batch.MessageFields())
	require.NoError(t, err)
	rows := make([]map[string]any, len(agents))
	for i, a := range agents {
		rows[i] = batch.PrepareAgent(a)
	}
	state, err := batch.NewState(sab.NewMemoryAllocator(), uuid.New(), schema, msgSchema, batch.SplitGroups(rows, 2))
	require.NoError(t, err)
	t.Cleanup(func() { _ = state.Close() })
	return state
}

func TestDefaultRegistry(t *testing.T) {
	r, err := DefaultRegistry()
	require.NoError(t, err)
	assert.Len(t, r.Names(), 7)
	for kind, names := range DefaultPackages() {
		order, err := r.Order(kind, names)
		require.NoError(t, err)
		assert.Len(t, order, len(names))
	}
}

func TestJSONInit(t *testing.T) {
	c := jsonInitCreator{}
	assert.True(t, c.SupportsInit("init.json"))
	assert.False(t, c.SupportsInit("init.js"))

	_, err := c.Create(registry.CreateParams{})
	assert.ErrorIs(t, err, registry.ErrPackageCreation)

	pkg, err := c.Create(registry.CreateParams{Init: &registry.InitConfig{Name: "init.json", Source: `[{"age":1},{"age":2}]`}})
	require.NoError(t, err)
	agents, err := pkg.(registry.InitPackage).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"age": 1.0}, {"age": 2.0}}, agents)

	pkg, err = c.Create(registry.CreateParams{Init: &registry.InitConfig{Name: "init.json", Source: `{"age":1}`}})
	require.NoError(t, err)
	_, err = pkg.(registry.InitPackage).Run(context.Background())
	assert.ErrorIs(t, err, ErrInitFailed)
}

func TestScriptInit(t *testing.T) {
	c := scriptInitCreator{}
	assert.True(t, c.SupportsInit("init.py"))
	assert.True(t, c.SupportsInit("init.js"))
	assert.False(t, c.SupportsInit("init.json"))
	assert.False(t, c.SupportsInit("init.rs"))

	pool := &fakeSubmitter{result: `[{"age":3}]`}
	pkg, err := c.Create(registry.CreateParams{SimID: 4, Pool: pool, Init: &registry.InitConfig{Name: "init.py", Source: "def init(c): return []"}})
	require.NoError(t, err)
	agents, err := pkg.(registry.InitPackage).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"age": 3.0}}, agents)

	require.Len(t, pool.tasks, 1)
	assert.Equal(t, foundation.TargetPython, pool.tasks[0].Target)
	var payload runner.Payload
	require.NoError(t, json.Unmarshal(pool.tasks[0].Payload, &payload))
	assert.Equal(t, runner.PayloadInit, payload.Kind)
	assert.Equal(t, "init.py", payload.Name)

	pool.result = "null"
	_, err = pkg.(registry.InitPackage).Run(context.Background())
	assert.ErrorIs(t, err, ErrInitFailed)
}

func TestAgentMessages_DeliversByIDAndName(t *testing.T) {
	a, b, c := uuid.NewString(), uuid.NewString(), uuid.NewString()
	snap := &batch.StateSnapshot{
		Agents: [][]map[string]any{
			{{"agent_id": a, "agent_name": "alpha"}, {"agent_id": b, "agent_name": "beta"}},
			{{"agent_id": c, "agent_name": "beta"}},
		},
		Messages: [][]map[string]any{
			{
				{"from": a, "messages": []any{
					map[string]any{"to": "beta", "type": "hi", "data": 1.0},
					map[string]any{"to": "hash", "type": "stop"},
				}},
				{"from": b, "messages": []any{}},
			},
			{{"from": c, "messages": []any{map[string]any{"to": []any{a}, "type": "ping"}}}},
		},
	}
	cols, err := agentMessages{}.Run(context.Background(), snap)
	require.NoError(t, err)
	require.Len(t, cols, 1)
	assert.Equal(t, runner.ContextMessagesField, cols[0].Field)
	values := cols[0].Values
	require.Len(t, values, 3)
	assert.Equal(t, []any{map[string]any{"from": c, "type": "ping", "data": nil}}, values[0])
	assert.Equal(t, []any{map[string]any{"from": a, "type": "hi", "data": 1.0}}, values[1])
	assert.Equal(t, values[1], values[2])

	cmds := Commands(snap.AllMessages())
	require.Len(t, cmds, 1)
	assert.Equal(t, "stop", cmds[0].Type)
	assert.Equal(t, a, cmds[0].From)
}

func TestNeighbors(t *testing.T) {
	pkg, err := neighborsCreator{}.Create(registry.CreateParams{
		Globals: map[string]any{"topology": map[string]any{"search_radius": 1.5, "distance_function": "manhattan"}},
	})
	require.NoError(t, err)
	snap := &batch.StateSnapshot{Agents: [][]map[string]any{{
		{"agent_id": "a", "position": []any{0.0, 0.0}},
		{"agent_id": "b", "position": []any{1.0, 0.0}},
		{"agent_id": "c", "position": []any{1.0, 1.0}},
		{"agent_id": "d"},
	}}}
	cols, err := pkg.(registry.ContextPackage).Run(context.Background(), snap)
	require.NoError(t, err)
	ids := func(v any) []string {
		var out []string
		for _, n := range v.([]any) {
			out = append(out, n.(map[string]any)["agent_id"].(string))
		}
		return out
	}
	values := cols[0].Values
	assert.Equal(t, []string{"b"}, ids(values[0]))
	assert.Equal(t, []string{"a", "c"}, ids(values[1]))
	assert.Empty(t, values[3])

	_, err = neighborsCreator{}.Create(registry.CreateParams{Config: map[string]any{"neighbors": map[string]any{"distance_function": "warp"}}})
	assert.ErrorIs(t, err, registry.ErrPackageCreation)
}

func TestBehaviorExecution_SubmitsDistributedWriteTask(t *testing.T) {
	pool := &fakeSubmitter{result: `{"agents_processed":2}`}
	params := registry.CreateParams{SimID: 2, Pool: pool}
	pkg, err := behaviorExecutionCreator{}.Create(params)
	require.NoError(t, err)

	state := newState(t, map[string]any{"age": 1.0})
	sctx := &batch.Context{Step: 3}
	require.NoError(t, pkg.(registry.StatePackage).Run(context.Background(), state, sctx))
	require.Len(t, pool.tasks, 1)
	assert.Equal(t, foundation.DistributionDistributed, pool.tasks[0].Distribution.Kind)
	assert.Equal(t, foundation.AccessWrite, pool.stores[0].StateAccess)
	assert.Same(t, sctx, pool.stores[0].Context)

	pool.cancel = true
	err = pkg.(registry.StatePackage).Run(context.Background(), state, sctx)
	assert.ErrorIs(t, err, ErrBehaviorTaskCancelled)

	_, err = behaviorExecutionCreator{}.Create(registry.CreateParams{})
	assert.ErrorIs(t, err, registry.ErrPackageCreation)
}

func TestJSONState_WritesSteps(t *testing.T) {
	sink := newMemorySink()
	pkg, err := jsonStateCreator{}.Create(registry.CreateParams{Persist: sink, Config: map[string]any{"json_state": map[string]any{"every": 2.0}}})
	require.NoError(t, err)
	state := newState(t, map[string]any{"age": 1.0}, map[string]any{"age": 2.0}, map[string]any{"age": 3.0})

	out, err := pkg.(registry.OutputPackage).Run(context.Background(), state, &batch.Context{Step: 1})
	require.NoError(t, err)
	assert.JSONEq(t, "null", string(out.Data))
	assert.Empty(t, sink.steps)

	out, err = pkg.(registry.OutputPackage).Run(context.Background(), state, &batch.Context{Step: 2})
	require.NoError(t, err)
	var agents []map[string]any
	require.NoError(t, json.Unmarshal(sink.steps[2], &agents))
	require.Len(t, agents, 3)
	assert.Equal(t, 3.0, agents[2]["age"])
	assert.NotContains(t, agents[0], batch.BehaviorIndexField)
	assert.Equal(t, sink.steps[2], []byte(out.Data))
}

func TestParseAnalysis(t *testing.T) {
	_, err := ParseAnalysis([]byte(`{"outputs":{"x":[{"op":"sum"}]}}`))
	assert.Error(t, err)
	_, err = ParseAnalysis([]byte(`{"outputs":{"x":[{"op":"get","field":"age"}]}}`))
	assert.Error(t, err)
	_, err = ParseAnalysis([]byte(`{"outputs":{"x":[{"op":"count"},{"op":"count"}]}}`))
	assert.Error(t, err)
	_, err = ParseAnalysis([]byte(`{"outputs":{"x":[{"op":"filter","field":"age","comparison":"like","value":1}]}}`))
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	agents := []map[string]any{
		{"age": 1.0, "kind": "fox", "pos": map[string]any{"x": 2.0}},
		{"age": 5.0, "kind": "hen", "pos": map[string]any{"x": 4.0}},
		{"age": 9.0, "kind": "hen"},
		{"kind": "fox"},
	}
	tests := []struct {
		name string
		ops  []Op
		want *float64
	}{
		{"count", []Op{{Op: "count"}}, ptr(4)},
		{"filter count", []Op{{Op: "filter", Field: "kind", Comparison: "eq", Value: "hen"}, {Op: "count"}}, ptr(2)},
		{"sum", []Op{{Op: "get", Field: "age"}, {Op: "sum"}}, ptr(15)},
		{"min", []Op{{Op: "get", Field: "age"}, {Op: "min"}}, ptr(1)},
		{"max", []Op{{Op: "get", Field: "age"}, {Op: "max"}}, ptr(9)},
		{"mean", []Op{{Op: "get", Field: "age"}, {Op: "mean"}}, ptr(5)},
		{"nested get", []Op{{Op: "get", Field: "pos.x"}, {Op: "sum"}}, ptr(6)},
		{"value filter", []Op{{Op: "get", Field: "age"}, {Op: "filter", Comparison: "gte", Value: 5.0}, {Op: "count"}}, ptr(2)},
		{"mean of nothing", []Op{{Op: "filter", Field: "age", Comparison: "gt", Value: 100.0}, {Op: "get", Field: "age"}, {Op: "mean"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, validatePipeline(tt.ops))
			assert.Equal(t, tt.want, Evaluate(tt.ops, agents))
		})
	}
}

func ptr(f float64) *float64 { return &f }

func TestAnalysis_RecordsSeries(t *testing.T) {
	sink := newMemorySink()
	pkg, err := analysisCreator{}.Create(registry.CreateParams{
		SimID:   1,
		Persist: sink,
		Config: map[string]any{"analysis": map[string]any{
			"source": `{"outputs":{"agent_count":[{"op":"count"}],"total_age":[{"op":"get","field":"age"},{"op":"sum"}]}}`,
		}},
	})
	require.NoError(t, err)
	a := pkg.(*Analysis)

	state := newState(t, map[string]any{"age": 2.0}, map[string]any{"age": 3.0})
	for step := 1; step <= 2; step++ {
		out, err := a.Run(context.Background(), state, &batch.Context{Step: step})
		require.NoError(t, err)
		assert.JSONEq(t, `{"agent_count":2,"total_age":5}`, string(out.Data))
	}
	assert.Equal(t, []*float64{ptr(2), ptr(2)}, a.Series("agent_count"))
	assert.Len(t, sink.metrics, 4)
	assert.Equal(t, metric{"agent_count", 1, 2}, sink.metrics[0])

	final, err := a.Finalize(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent_count":[2,2],"total_age":[5,5]}`, string(final.Data))
	assert.Equal(t, []byte(final.Data), sink.finals[AnalysisName])

	_, err = analysisCreator{}.Create(registry.CreateParams{})
	assert.ErrorIs(t, err, registry.ErrPackageCreation)
}
