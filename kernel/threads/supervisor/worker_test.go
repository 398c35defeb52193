package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

func startWorker(t *testing.T) (*Worker, func(WorkerMsg)) {
	t.Helper()
	var fleet fakeFleet
	r, err := fleet.factory(foundation.LanguageRust, finish(`1`))(utils.NewNopLogger())
	require.NoError(t, err)

	inbox := make(chan WorkerMsg)
	w := NewWorker(0, []runner.Runner{r}, inbox, make(chan Event, 16), 4, utils.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-w.Done()
	})
	go w.Run(ctx)

	send := func(msg WorkerMsg) {
		ack := make(chan error, 1)
		msg.Ack = ack
		inbox <- msg
		require.NoError(t, <-ack)
	}
	return w, send
}

func TestWorker_CancelAfterFinishIsNotRemembered(t *testing.T) {
	w, send := startWorker(t)

	task := newTask(t, foundation.TargetRust)
	active, exec := foundation.NewActiveTask(task)
	send(WorkerMsg{SimID: 1, Kind: MsgTask, Task: &WorkerTask{Task: task, Target: foundation.TargetRust, Comms: exec}})
	assert.False(t, wait(t, active).Cancelled)

	send(WorkerMsg{SimID: 1, Kind: MsgCancelTask, TaskID: task.ID, Comms: exec})
	assert.Empty(t, w.cancelled)
}

func TestWorker_CancelBeforePartArrives(t *testing.T) {
	w, send := startWorker(t)

	task := newTask(t, foundation.TargetRust)
	owner, exec := foundation.NewComms(task.ID)
	send(WorkerMsg{SimID: 1, Kind: MsgCancelTask, TaskID: task.ID, Comms: exec})
	assert.Len(t, w.cancelled, 1)

	send(WorkerMsg{SimID: 1, Kind: MsgTask, Task: &WorkerTask{Task: task, Target: foundation.TargetRust, Comms: exec, Part: true}})
	assert.Empty(t, w.cancelled)

	res, err := owner.Result(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
}
