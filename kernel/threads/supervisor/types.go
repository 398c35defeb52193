package supervisor

import (
	"errors"
	"time"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
)

var (
	ErrSpawn         = errors.New("failed to spawn worker")
	ErrUnknownTarget = errors.New("unknown message target")
	ErrChainTooDeep  = errors.New("continuation chain too deep")
	ErrPoolClosed    = errors.New("worker pool closed")
	ErrAckTimeout    = errors.New("acknowledgment timeout")
)

// MsgKind of a message sent to a worker
type MsgKind uint8

const (
	MsgTask MsgKind = iota
	MsgCancelTask
	MsgStateSync
	MsgStateSnapshotSync
	MsgContextBatchSync
	MsgStateInterimSync
	MsgTerminateSimulationRun
	MsgTerminateRunner
	MsgNewSimulationRun
)

var msgKindNames = map[MsgKind]string{
	MsgTask:                   "task",
	MsgCancelTask:             "cancel_task",
	MsgStateSync:              "state_sync",
	MsgStateSnapshotSync:      "state_snapshot_sync",
	MsgContextBatchSync:       "context_batch_sync",
	MsgStateInterimSync:       "state_interim_sync",
	MsgTerminateSimulationRun: "terminate_simulation_run",
	MsgTerminateRunner:        "terminate_runner",
	MsgNewSimulationRun:       "new_simulation_run",
}

func (k MsgKind) String() string {
	if name, ok := msgKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// WorkerTask is a task (or one part of a distributed task) handed to a
// worker together with the executor end of its comms.
type WorkerTask struct {
	Task   *foundation.Task
	Target foundation.MessageTarget
	Store  foundation.SharedStore
	Comms  *foundation.ExecutorComms
	// Part is set on the pieces of a distributed task
	Part bool
}

// WorkerMsg is the inbound envelope of a worker. Only the fields of Kind
// are set.
type WorkerMsg struct {
	SimID foundation.SimulationID
	Kind  MsgKind

	Task     *WorkerTask
	TaskID   foundation.TaskID
	Init     *runner.RunInit
	State    *batch.State
	Snapshot *batch.StateSnapshot
	Context  *batch.Context
	// Comms is this worker's end of the task a MsgCancelTask refers to
	Comms *foundation.ExecutorComms

	// Ack receives exactly one value once the message is handled
	Ack chan<- error
}

// EventKind of a worker outbound message
type EventKind uint8

const (
	EventTaskResult EventKind = iota
	EventRunnerErrors
	EventRunnerWarnings
	EventRunnerLogs
	EventUserErrors
	EventUserWarnings
	EventPackageError
)

var eventKindNames = map[EventKind]string{
	EventTaskResult:     "task_result",
	EventRunnerErrors:   "runner_errors",
	EventRunnerWarnings: "runner_warnings",
	EventRunnerLogs:     "runner_logs",
	EventUserErrors:     "user_errors",
	EventUserWarnings:   "user_warnings",
	EventPackageError:   "package_error",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is reported by workers. Everything except task results is
// forwarded to the controller through WorkerPool.Events.
type Event struct {
	Kind    EventKind
	Worker  int
	SimID   foundation.SimulationID
	TaskID  foundation.TaskID
	Package string

	Cancelled    bool
	Part         bool
	Err          error
	UserErrors   []runner.UserError
	UserWarnings []runner.UserWarning
	Logs         []string

	// closed by the forwarder instead of forwarding the event
	flushed chan struct{}
}

// Fatal reports whether the event must stop the simulation run
func (e Event) Fatal() bool {
	return e.Kind == EventRunnerErrors || e.Kind == EventPackageError
}

// Config of a WorkerPool
type Config struct {
	NumWorkers int
	// MaxChainDepth bounds continuations of one task
	MaxChainDepth    int
	TerminateTimeout time.Duration
	InboxSize        int
	EventBuffer      int
}

// DefaultConfig returns a pool sized for a small machine
func DefaultConfig() Config {
	return Config{
		NumWorkers:       4,
		MaxChainDepth:    16,
		TerminateTimeout: 5 * time.Second,
		InboxSize:        64,
		EventBuffer:      1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NumWorkers <= 0 {
		c.NumWorkers = d.NumWorkers
	}
	if c.MaxChainDepth <= 0 {
		c.MaxChainDepth = d.MaxChainDepth
	}
	if c.TerminateTimeout <= 0 {
		c.TerminateTimeout = d.TerminateTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}
