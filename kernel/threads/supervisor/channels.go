package supervisor

import (
	"sync"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
)

// ChannelSet groups the channels between the pool and its workers
type ChannelSet struct {
	Inboxes []chan WorkerMsg
	Outbox  chan Event
}

// NewChannelSet creates one inbox per worker and a shared outbox
func NewChannelSet(workers, inboxSize, outboxSize int) *ChannelSet {
	cs := &ChannelSet{
		Inboxes: make([]chan WorkerMsg, workers),
		Outbox:  make(chan Event, outboxSize),
	}
	for i := range cs.Inboxes {
		cs.Inboxes[i] = make(chan WorkerMsg, inboxSize)
	}
	return cs
}

// pendingTask is a submitted task that has not resolved yet
type pendingTask struct {
	active  *foundation.ActiveTask
	simID   foundation.SimulationID
	workers []int
	// execs[i] is the executor end sent to workers[i]
	execs []*foundation.ExecutorComms
}

// PendingTasks tracks tasks by id until their result is delivered
type PendingTasks struct {
	tasks map[foundation.TaskID]*pendingTask
	mu    sync.RWMutex
}

func NewPendingTasks() *PendingTasks {
	return &PendingTasks{tasks: make(map[foundation.TaskID]*pendingTask)}
}

func (pt *PendingTasks) Add(p *pendingTask) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.tasks[p.active.ID()] = p
}

func (pt *PendingTasks) Get(id foundation.TaskID) (*pendingTask, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p, ok := pt.tasks[id]
	return p, ok
}

func (pt *PendingTasks) Remove(id foundation.TaskID) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.tasks, id)
}

// RemoveSimulation drops every task of simID and returns them
func (pt *PendingTasks) RemoveSimulation(simID foundation.SimulationID) []*pendingTask {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var out []*pendingTask
	for id, p := range pt.tasks {
		if p.simID == simID {
			out = append(out, p)
			delete(pt.tasks, id)
		}
	}
	return out
}

// Len returns the number of unresolved tasks
func (pt *PendingTasks) Len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.tasks)
}
