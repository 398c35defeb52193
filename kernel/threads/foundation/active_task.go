package foundation

import (
	"context"
)

// ActiveTask is the owner-side handle of a submitted task
type ActiveTask struct {
	Task  *Task
	owner *OwnerComms
}

// NewActiveTask wraps task with a fresh comms pair. The executor end goes
// to whoever runs the task.
func NewActiveTask(task *Task) (*ActiveTask, *ExecutorComms) {
	owner, exec := NewComms(task.ID)
	return &ActiveTask{Task: task, owner: owner}, exec
}

// CompletedTask is an ActiveTask that already holds its result
func CompletedTask(task *Task, result TaskResult) *ActiveTask {
	active, exec := NewActiveTask(task)
	_ = exec.Claim()
	_ = exec.Send(ResultOrCancelled{Result: &result})
	return active
}

func (a *ActiveTask) ID() TaskID {
	return a.Task.ID
}

func (a *ActiveTask) Status() TaskStatus {
	return a.owner.Status()
}

// Cancel requests cooperative cancellation
func (a *ActiveTask) Cancel() {
	a.owner.Cancel()
}

// Wait blocks until the task completes or is cancelled
func (a *ActiveTask) Wait(ctx context.Context) (ResultOrCancelled, error) {
	return a.owner.Result(ctx)
}
