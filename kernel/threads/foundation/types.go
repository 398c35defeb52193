package foundation

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Language of a runner
type Language uint8

const (
	LanguageRust Language = iota
	LanguagePython
	LanguageJavaScript
	LanguageWasm
)

// Languages lists every runner language in dispatch order
func Languages() []Language {
	return []Language{LanguageRust, LanguagePython, LanguageJavaScript, LanguageWasm}
}

func (l Language) String() string {
	switch l {
	case LanguageRust:
		return "rust"
	case LanguagePython:
		return "python"
	case LanguageJavaScript:
		return "javascript"
	case LanguageWasm:
		return "wasm"
	default:
		return "unknown"
	}
}

// LanguageFromPath infers a language from a file extension
func LanguageFromPath(name string) (Language, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".rs":
		return LanguageRust, nil
	case ".py":
		return LanguagePython, nil
	case ".js", ".ts":
		return LanguageJavaScript, nil
	case ".wasm":
		return LanguageWasm, nil
	}
	return 0, fmt.Errorf("no runner language for %q", name)
}

// MessageTarget is where a task or a continuation is routed
type MessageTarget uint8

const (
	TargetRust MessageTarget = iota
	TargetPython
	TargetJavaScript
	TargetWasm
	// TargetDynamic resolves to the language declared on the task
	TargetDynamic
	// TargetMain means the task is finished
	TargetMain
)

var targetNames = map[MessageTarget]string{
	TargetRust:       "rust",
	TargetPython:     "python",
	TargetJavaScript: "javascript",
	TargetWasm:       "wasm",
	TargetDynamic:    "dynamic",
	TargetMain:       "main",
}

func (t MessageTarget) String() string {
	if name, ok := targetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageTarget(%d)", t)
}

// ParseTarget is the inverse of String
func ParseTarget(name string) (MessageTarget, error) {
	for t, n := range targetNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown message target %q", name)
}

// TargetForLanguage returns the runner target of l
func TargetForLanguage(l Language) MessageTarget {
	switch l {
	case LanguagePython:
		return TargetPython
	case LanguageJavaScript:
		return TargetJavaScript
	case LanguageWasm:
		return TargetWasm
	default:
		return TargetRust
	}
}

// Language returns the runner language of t, if t names a runner
func (t MessageTarget) Language() (Language, bool) {
	switch t {
	case TargetRust:
		return LanguageRust, true
	case TargetPython:
		return LanguagePython, true
	case TargetJavaScript:
		return LanguageJavaScript, true
	case TargetWasm:
		return LanguageWasm, true
	}
	return 0, false
}

// SimulationID identifies one simulation run of an experiment
type SimulationID uint32

func (id SimulationID) String() string {
	return fmt.Sprintf("sim-%d", uint32(id))
}

// TaskID identifies a task for its whole life, across continuations
type TaskID uuid.UUID

func NewTaskID() TaskID {
	return TaskID(uuid.New())
}

func (id TaskID) String() string {
	return uuid.UUID(id).String()
}

// DistributionKind says whether a task runs on one worker or is split
// across workers by group.
type DistributionKind uint8

const (
	DistributionSingle DistributionKind = iota
	DistributionDistributed
)

// Distribution of a task over the worker pool
type Distribution struct {
	Kind DistributionKind
}

// Task is a unit of work issued by a package. It is not modified once
// submitted.
type Task struct {
	ID           TaskID
	Package      string
	Target       MessageTarget
	Language     Language
	Payload      json.RawMessage
	Distribution Distribution
}

// NewTask encodes payload and assigns a fresh id
func NewTask(pkg string, target MessageTarget, payload any, dist Distribution) (*Task, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload of %s task: %w", pkg, err)
	}
	return &Task{
		ID:           NewTaskID(),
		Package:      pkg,
		Target:       target,
		Payload:      encoded,
		Distribution: dist,
	}, nil
}

// TaskResult is the payload a task finished with
type TaskResult struct {
	Target  MessageTarget
	Payload json.RawMessage
}

// ResultOrCancelled is delivered exactly once to a task's owner
type ResultOrCancelled struct {
	TaskID    TaskID
	Result    *TaskResult
	Cancelled bool
}

// TaskStatus is the lifecycle state of a task
type TaskStatus uint32

const (
	TaskPending TaskStatus = iota
	TaskExecuting
	TaskCompleted
	TaskCancelled
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskExecuting:
		return "executing"
	case TaskCompleted:
		return "completed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
