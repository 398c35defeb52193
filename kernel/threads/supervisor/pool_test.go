package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

type runFunc func(ctx context.Context, job *runner.Job) (*runner.Outcome, error)

type fakeRunner struct {
	lang  foundation.Language
	run   runFunc
	calls *atomic.Int32

	mu    sync.Mutex
	inits []foundation.SimulationID
}

func (f *fakeRunner) Language() foundation.Language { return f.lang }

func (f *fakeRunner) NewSimulationRun(_ context.Context, init *runner.RunInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, init.SimID)
	return nil
}

func (f *fakeRunner) TerminateSimulationRun(foundation.SimulationID) {}

func (f *fakeRunner) Run(ctx context.Context, job *runner.Job) (*runner.Outcome, error) {
	f.calls.Add(1)
	return f.run(ctx, job)
}

func (f *fakeRunner) Close() error { return nil }

type fakeFleet struct {
	mu      sync.Mutex
	runners []*fakeRunner
	calls   atomic.Int32
}

func (ff *fakeFleet) factory(lang foundation.Language, run runFunc) RunnerFactory {
	return func(*utils.Logger) (runner.Runner, error) {
		r := &fakeRunner{lang: lang, run: run, calls: &ff.calls}
		ff.mu.Lock()
		ff.runners = append(ff.runners, r)
		ff.mu.Unlock()
		return r, nil
	}
}

func finish(payload string) runFunc {
	return func(context.Context, *runner.Job) (*runner.Outcome, error) {
		return &runner.Outcome{Target: foundation.TargetMain, Payload: json.RawMessage(payload)}, nil
	}
}

func newPool(t *testing.T, cfg Config, factories ...RunnerFactory) *WorkerPool {
	t.Helper()
	pool, err := NewWorkerPool(cfg, factories, utils.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.TerminateAll(context.Background()) })
	return pool
}

func newTask(t *testing.T, target foundation.MessageTarget) *foundation.Task {
	t.Helper()
	task, err := foundation.NewTask("test_pkg", target, map[string]any{"kind": "behaviors"}, foundation.Distribution{})
	require.NoError(t, err)
	return task
}

func wait(t *testing.T, active *foundation.ActiveTask) foundation.ResultOrCancelled {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := active.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestNewWorkerPool_SpawnError(t *testing.T) {
	failing := func(*utils.Logger) (runner.Runner, error) { return nil, errors.New("interpreter init") }
	_, err := NewWorkerPool(Config{NumWorkers: 2}, []RunnerFactory{failing}, utils.NewNopLogger())
	assert.ErrorIs(t, err, ErrSpawn)

	_, err = NewWorkerPool(Config{NumWorkers: 2}, nil, utils.NewNopLogger())
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestWorkerPool_MainShortCircuits(t *testing.T) {
	var fleet fakeFleet
	pool := newPool(t, Config{NumWorkers: 1}, fleet.factory(foundation.LanguageRust, finish(`1`)))

	task := newTask(t, foundation.TargetMain)
	active, err := pool.Submit(context.Background(), 1, task, foundation.SharedStore{})
	require.NoError(t, err)
	res := wait(t, active)
	require.NotNil(t, res.Result)
	assert.JSONEq(t, `{"kind":"behaviors"}`, string(res.Result.Payload))
	assert.Equal(t, int32(0), fleet.calls.Load())
}

func TestWorkerPool_SubmitAndDynamicTarget(t *testing.T) {
	var fleet fakeFleet
	pool := newPool(t, Config{NumWorkers: 2},
		fleet.factory(foundation.LanguageRust, finish(`"rust"`)),
		fleet.factory(foundation.LanguagePython, finish(`"python"`)))

	res := wait(t, mustSubmit(t, pool, newTask(t, foundation.TargetRust)))
	assert.JSONEq(t, `"rust"`, string(res.Result.Payload))

	task := newTask(t, foundation.TargetDynamic)
	task.Language = foundation.LanguagePython
	res = wait(t, mustSubmit(t, pool, task))
	assert.JSONEq(t, `"python"`, string(res.Result.Payload))

	_, err := pool.Submit(context.Background(), 1, newTask(t, foundation.MessageTarget(42)), foundation.SharedStore{})
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func mustSubmit(t *testing.T, pool *WorkerPool, task *foundation.Task) *foundation.ActiveTask {
	t.Helper()
	active, err := pool.Submit(context.Background(), 1, task, foundation.SharedStore{})
	require.NoError(t, err)
	return active
}

func TestWorkerPool_Continuation(t *testing.T) {
	var fleet fakeFleet
	toJS := func(context.Context, *runner.Job) (*runner.Outcome, error) {
		return &runner.Outcome{Target: foundation.TargetJavaScript}, nil
	}
	pool := newPool(t, Config{NumWorkers: 1},
		fleet.factory(foundation.LanguageRust, toJS),
		fleet.factory(foundation.LanguageJavaScript, finish(`{"done":true}`)))

	res := wait(t, mustSubmit(t, pool, newTask(t, foundation.TargetRust)))
	assert.JSONEq(t, `{"done":true}`, string(res.Result.Payload))
	assert.Equal(t, int32(2), fleet.calls.Load())
}

func TestWorkerPool_ChainTooDeep(t *testing.T) {
	var fleet fakeFleet
	loop := func(context.Context, *runner.Job) (*runner.Outcome, error) {
		return &runner.Outcome{Target: foundation.TargetRust}, nil
	}
	pool := newPool(t, Config{NumWorkers: 1, MaxChainDepth: 3}, fleet.factory(foundation.LanguageRust, loop))

	active := mustSubmit(t, pool, newTask(t, foundation.TargetRust))
	_, err := active.Wait(context.Background())
	assert.ErrorIs(t, err, foundation.ErrChannelClosed)

	select {
	case e := <-pool.Events():
		assert.True(t, e.Fatal())
		assert.ErrorIs(t, e.Err, ErrChainTooDeep)
	case <-time.After(time.Second):
		t.Fatal("no runner error event")
	}
	assert.Equal(t, int32(4), fleet.calls.Load())
}

func TestWorkerPool_CancelBeforePickup(t *testing.T) {
	var fleet fakeFleet
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := func(_ context.Context, job *runner.Job) (*runner.Outcome, error) {
		if string(job.Payload) == `{"kind":"block"}` {
			started <- struct{}{}
			<-release
		}
		return &runner.Outcome{Target: foundation.TargetMain, Payload: json.RawMessage(`1`)}, nil
	}
	pool := newPool(t, Config{NumWorkers: 1}, fleet.factory(foundation.LanguageRust, blocking))

	first := newTask(t, foundation.TargetRust)
	first.Payload = json.RawMessage(`{"kind":"block"}`)
	a := mustSubmit(t, pool, first)
	<-started

	b := mustSubmit(t, pool, newTask(t, foundation.TargetRust))
	require.NoError(t, pool.Cancel(context.Background(), b.ID()))
	assert.True(t, wait(t, b).Cancelled)

	close(release)
	assert.False(t, wait(t, a).Cancelled)

	c := wait(t, mustSubmit(t, pool, newTask(t, foundation.TargetRust)))
	assert.NotNil(t, c.Result)
	assert.Equal(t, int32(2), fleet.calls.Load())
}

func TestWorkerPool_CooperativeCancel(t *testing.T) {
	var fleet fakeFleet
	started := make(chan struct{}, 1)
	polling := func(ctx context.Context, job *runner.Job) (*runner.Outcome, error) {
		started <- struct{}{}
		for !job.Cancelled() {
			time.Sleep(time.Millisecond)
		}
		return &runner.Outcome{Target: foundation.TargetMain, Cancelled: true}, nil
	}
	pool := newPool(t, Config{NumWorkers: 1}, fleet.factory(foundation.LanguageRust, polling))

	active := mustSubmit(t, pool, newTask(t, foundation.TargetRust))
	<-started
	require.NoError(t, pool.Cancel(context.Background(), active.ID()))
	assert.True(t, wait(t, active).Cancelled)
}

func TestWorkerPool_Distributed(t *testing.T) {
	var fleet fakeFleet
	countGroups := func(_ context.Context, job *runner.Job) (*runner.Outcome, error) {
		payload, _ := json.Marshal(map[string]any{"groups": len(job.Store.Groups)})
		return &runner.Outcome{Target: foundation.TargetMain, Payload: payload}, nil
	}
	pool := newPool(t, Config{NumWorkers: 3}, fleet.factory(foundation.LanguageRust, countGroups))

	task := newTask(t, foundation.TargetRust)
	task.Distribution = foundation.Distribution{Kind: foundation.DistributionDistributed}
	store := foundation.SharedStore{StateAccess: foundation.AccessWrite, Groups: []int{0, 1, 2, 3, 4}}
	active, err := pool.Submit(context.Background(), 1, task, store)
	require.NoError(t, err)

	res := wait(t, active)
	assert.JSONEq(t, `{"groups":5}`, string(res.Result.Payload))
	assert.Equal(t, int32(3), fleet.calls.Load())
	assert.Eventually(t, func() bool { return pool.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_NewSimulationRunBarrier(t *testing.T) {
	var fleet fakeFleet
	pool := newPool(t, Config{NumWorkers: 3},
		fleet.factory(foundation.LanguageRust, finish(`1`)),
		fleet.factory(foundation.LanguageJavaScript, finish(`1`)))

	require.NoError(t, pool.NewSimulationRun(context.Background(), &runner.RunInit{SimID: 7}))
	fleet.mu.Lock()
	defer fleet.mu.Unlock()
	require.Len(t, fleet.runners, 6)
	for _, r := range fleet.runners {
		assert.Equal(t, []foundation.SimulationID{7}, r.inits)
	}
	assert.Equal(t, uint64(3), pool.AckStats().AcksReceived)
}

func TestWorkerPool_ForwardsUserDiagnostics(t *testing.T) {
	var fleet fakeFleet
	warn := func(context.Context, *runner.Job) (*runner.Outcome, error) {
		return &runner.Outcome{
			Target:       foundation.TargetMain,
			UserWarnings: []runner.UserWarning{{Message: "careful"}},
		}, nil
	}
	pool := newPool(t, Config{NumWorkers: 1}, fleet.factory(foundation.LanguageRust, warn))

	wait(t, mustSubmit(t, pool, newTask(t, foundation.TargetRust)))
	select {
	case e := <-pool.Events():
		assert.Equal(t, EventUserWarnings, e.Kind)
		assert.False(t, e.Fatal())
		assert.Equal(t, "careful", e.UserWarnings[0].Message)
	case <-time.After(time.Second):
		t.Fatal("no warning event")
	}
}

func TestWorkerPool_TerminateAllForceStops(t *testing.T) {
	var fleet fakeFleet
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	stuck := func(context.Context, *runner.Job) (*runner.Outcome, error) {
		started <- struct{}{}
		<-release
		return &runner.Outcome{Target: foundation.TargetMain}, nil
	}
	pool, err := NewWorkerPool(Config{NumWorkers: 2, TerminateTimeout: 50 * time.Millisecond},
		[]RunnerFactory{fleet.factory(foundation.LanguageRust, stuck)}, utils.NewNopLogger())
	require.NoError(t, err)

	mustSubmit(t, pool, newTask(t, foundation.TargetRust))
	<-started

	start := time.Now()
	require.NoError(t, pool.TerminateAll(context.Background()))
	assert.Less(t, time.Since(start), time.Second)

	e := <-pool.Events()
	assert.Equal(t, EventRunnerWarnings, e.Kind)
	assert.Equal(t, uint64(1), pool.AckStats().Timeouts)

	_, err = pool.Submit(context.Background(), 1, newTask(t, foundation.TargetRust), foundation.SharedStore{})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestWorkerPool_TerminateSimulationRunFlushesEvents(t *testing.T) {
	var fleet fakeFleet
	logs := func(context.Context, *runner.Job) (*runner.Outcome, error) {
		return &runner.Outcome{Target: foundation.TargetMain, Logs: []string{"last words"}}, nil
	}
	pool := newPool(t, Config{NumWorkers: 2}, fleet.factory(foundation.LanguageRust, logs))

	for i := 0; i < 4; i++ {
		active, err := pool.Submit(context.Background(), 3, newTask(t, foundation.TargetRust), foundation.SharedStore{})
		require.NoError(t, err)
		wait(t, active)
	}
	require.NoError(t, pool.TerminateSimulationRun(context.Background(), 3))

	got := 0
	for {
		select {
		case e := <-pool.Events():
			assert.Equal(t, EventRunnerLogs, e.Kind)
			assert.Equal(t, foundation.SimulationID(3), e.SimID)
			got++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 4, got)
}
