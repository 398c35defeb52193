// Package status carries engine statuses to the orchestrator.
package status

import (
	"encoding/json"
	"fmt"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
)

// Kind of an engine status
type Kind uint16

const (
	KindStarted Kind = iota
	KindSimStart
	KindSimStatus
	KindSimStop
	KindRunnerErrors
	KindRunnerWarnings
	KindUserErrors
	KindUserWarnings
	KindPackageError
	KindLogs
	KindExit
	KindStopping
	KindProcessError
	// KindInit is the orchestrator's answer to KindStarted
	KindInit
)

var kindNames = map[Kind]string{
	KindStarted:        "started",
	KindSimStart:       "sim_start",
	KindSimStatus:      "sim_status",
	KindSimStop:        "sim_stop",
	KindRunnerErrors:   "runner_errors",
	KindRunnerWarnings: "runner_warnings",
	KindUserErrors:     "user_errors",
	KindUserWarnings:   "user_warnings",
	KindPackageError:   "package_error",
	KindLogs:           "logs",
	KindExit:           "exit",
	KindStopping:       "stopping",
	KindProcessError:   "process_error",
	KindInit:           "init",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Diagnostic is one error or warning with where it happened
type Diagnostic struct {
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

// Status is one message of the engine/orchestrator conversation. Which
// fields are set depends on Kind.
type Status struct {
	Kind        Kind
	SimID       foundation.SimulationID
	Steps       int64
	Running     bool
	StopSignal  bool
	Message     string
	Payload     json.RawMessage
	Diagnostics []Diagnostic
	Logs        []string
}

func Started() Status { return Status{Kind: KindStarted} }

func Exit() Status { return Status{Kind: KindExit} }

func Stopping() Status { return Status{Kind: KindStopping} }

// Init answers the handshake with the experiment manifest
func Init(manifest []byte) Status {
	return Status{Kind: KindInit, Payload: manifest}
}

func SimStart(simID foundation.SimulationID, globals map[string]any) (Status, error) {
	data, err := json.Marshal(globals)
	if err != nil {
		return Status{}, fmt.Errorf("encode globals: %w", err)
	}
	return Status{Kind: KindSimStart, SimID: simID, Payload: data}, nil
}

// SimStatus reports progress. stopMessages are the stop commands seen this
// step, if any.
func SimStatus(simID foundation.SimulationID, steps int64, running, stopSignal bool, stopMessages []any) (Status, error) {
	s := Status{Kind: KindSimStatus, SimID: simID, Steps: steps, Running: running, StopSignal: stopSignal}
	if len(stopMessages) > 0 {
		data, err := json.Marshal(stopMessages)
		if err != nil {
			return Status{}, fmt.Errorf("encode stop messages: %w", err)
		}
		s.Payload = data
	}
	return s, nil
}

func SimStop(simID foundation.SimulationID) Status {
	return Status{Kind: KindSimStop, SimID: simID}
}

func ProcessError(msg string) Status {
	return Status{Kind: KindProcessError, Message: msg}
}

func PackageError(simID foundation.SimulationID, err error) Status {
	return Status{Kind: KindPackageError, SimID: simID, Message: err.Error()}
}

func RunnerErrors(simID foundation.SimulationID, errs []error) Status {
	s := Status{Kind: KindRunnerErrors, SimID: simID}
	for _, err := range errs {
		s.Diagnostics = append(s.Diagnostics, Diagnostic{Message: err.Error()})
	}
	return s
}

func RunnerWarnings(simID foundation.SimulationID, warnings []string) Status {
	s := Status{Kind: KindRunnerWarnings, SimID: simID}
	for _, w := range warnings {
		s.Diagnostics = append(s.Diagnostics, Diagnostic{Message: w})
	}
	return s
}

func UserErrors(simID foundation.SimulationID, errs []runner.UserError) Status {
	s := Status{Kind: KindUserErrors, SimID: simID}
	for _, e := range errs {
		s.Diagnostics = append(s.Diagnostics, Diagnostic{Message: e.Message, Location: e.Location})
	}
	return s
}

func UserWarnings(simID foundation.SimulationID, warnings []runner.UserWarning) Status {
	s := Status{Kind: KindUserWarnings, SimID: simID}
	for _, w := range warnings {
		s.Diagnostics = append(s.Diagnostics, Diagnostic{Message: w.Message, Location: w.Location})
	}
	return s
}

func Logs(simID foundation.SimulationID, lines []string) Status {
	return Status{Kind: KindLogs, SimID: simID, Logs: lines}
}

// Sender delivers statuses to whoever watches the engine
type Sender interface {
	Send(s Status) error
}

// Discard drops every status
type Discard struct{}

func (Discard) Send(Status) error { return nil }
