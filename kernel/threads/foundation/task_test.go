package foundation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(t *testing.T) *Task {
	t.Helper()
	task, err := NewTask("behavior_execution", TargetDynamic, map[string]any{"kind": "behaviors"}, Distribution{})
	require.NoError(t, err)
	return task
}

func TestLanguageFromPath(t *testing.T) {
	cases := map[string]Language{
		"@hash/age/age.rs": LanguageRust,
		"move.py":          LanguagePython,
		"walk.js":          LanguageJavaScript,
		"walk.ts":          LanguageJavaScript,
		"kernel.WASM":      LanguageWasm,
	}
	for name, want := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := LanguageFromPath(name)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
	_, err := LanguageFromPath("notes.txt")
	assert.Error(t, err)
}

func TestMessageTarget_RoundTrip(t *testing.T) {
	for _, l := range Languages() {
		target := TargetForLanguage(l)
		back, ok := target.Language()
		require.True(t, ok)
		assert.Equal(t, l, back)

		parsed, err := ParseTarget(target.String())
		require.NoError(t, err)
		assert.Equal(t, target, parsed)
	}
	_, ok := TargetMain.Language()
	assert.False(t, ok)
	_, err := ParseTarget("cobol")
	assert.Error(t, err)
}

func TestActiveTask_CancelBeforeClaim(t *testing.T) {
	active, exec := NewActiveTask(newTestTask(t))
	active.Cancel()

	assert.ErrorIs(t, exec.Claim(), ErrTaskCancelled)
	exec.Done()

	res, err := active.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Nil(t, res.Result)
	assert.Equal(t, active.ID(), res.TaskID)
	assert.Equal(t, TaskCancelled, active.Status())
}

func TestActiveTask_CancelBeforeClaimWithoutExecutor(t *testing.T) {
	active, _ := NewActiveTask(newTestTask(t))
	active.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := active.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
}

func TestActiveTask_CompletionIsNeverCancelled(t *testing.T) {
	active, exec := NewActiveTask(newTestTask(t))
	require.NoError(t, exec.Claim())
	require.NoError(t, exec.Send(ResultOrCancelled{Result: &TaskResult{Target: TargetMain, Payload: json.RawMessage(`1`)}}))

	active.Cancel()
	res, err := active.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	require.NotNil(t, res.Result)
	assert.JSONEq(t, `1`, string(res.Result.Payload))
	assert.Equal(t, TaskCompleted, active.Status())
}

func TestActiveTask_CooperativeCancel(t *testing.T) {
	active, exec := NewActiveTask(newTestTask(t))
	require.NoError(t, exec.Claim())
	assert.False(t, exec.CancelRequested())

	active.Cancel()
	active.Cancel()
	assert.True(t, exec.CancelRequested())
	<-exec.CancelSignal()
	assert.Equal(t, TaskExecuting, active.Status())

	require.NoError(t, exec.Send(ResultOrCancelled{Cancelled: true}))
	res, err := active.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
}

func TestExecutorComms_AtMostOnce(t *testing.T) {
	active, exec := NewActiveTask(newTestTask(t))
	require.NoError(t, exec.Claim())
	assert.ErrorIs(t, exec.Claim(), ErrTaskClaimed)

	require.NoError(t, exec.Send(ResultOrCancelled{Result: &TaskResult{Target: TargetMain}}))
	assert.ErrorIs(t, exec.Send(ResultOrCancelled{Cancelled: true}), ErrResultAlreadySent)
	exec.Done()

	res, err := active.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
}

func TestExecutorComms_DroppedWithoutResult(t *testing.T) {
	active, exec := NewActiveTask(newTestTask(t))
	require.NoError(t, exec.Claim())
	exec.Done()

	_, err := active.Wait(context.Background())
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, exec.Send(ResultOrCancelled{}), ErrResultAlreadySent)
}

func TestActiveTask_WaitHonoursContext(t *testing.T) {
	active, _ := NewActiveTask(newTestTask(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := active.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompletedTask(t *testing.T) {
	active := CompletedTask(newTestTask(t), TaskResult{Target: TargetMain, Payload: json.RawMessage(`{}`)})
	res, err := active.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TargetMain, res.Result.Target)
}

func TestDistributeBatches(t *testing.T) {
	split := DistributeBatches([]int{0, 1, 2, 3, 4}, 2)
	assert.Equal(t, 2, split.NumWorkers)
	assert.Equal(t, [][]int{{0, 2, 4}, {1, 3}}, split.GroupsPerWorker)

	split = DistributeBatches([]int{0, 1}, 4)
	assert.Equal(t, 2, split.NumWorkers)
	assert.Equal(t, []int{0, 1}, split.Workers)

	stores := SharedStore{StateAccess: AccessWrite}.Distribute(split)
	require.Len(t, stores, 2)
	assert.True(t, stores[0].Partial())
	assert.Equal(t, []int{1}, stores[1].GroupIndices())
}

func TestCombineResults(t *testing.T) {
	combined, err := CombineResults([]TaskResult{
		{Target: TargetMain, Payload: json.RawMessage(`{"user_errors":["a"],"agents":2}`)},
		{Target: TargetMain, Payload: json.RawMessage(`{"user_errors":["b"],"agents":3}`)},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_errors":["a","b"],"agents":5}`, string(combined.Payload))

	combined, err = CombineResults([]TaskResult{
		{Target: TargetMain, Payload: json.RawMessage(`[1]`)},
		{Target: TargetMain, Payload: json.RawMessage(`[2,3]`)},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(combined.Payload))

	_, err = CombineResults([]TaskResult{
		{Target: TargetMain, Payload: json.RawMessage(`[1]`)},
		{Target: TargetRust, Payload: json.RawMessage(`[2]`)},
	})
	assert.Error(t, err)
}
