package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

var ErrPackageCreation = errors.New("package creation failed")

// Kind is the phase a package runs in
type Kind uint8

const (
	KindInit Kind = iota
	KindContext
	KindState
	KindOutput
)

var kindNames = map[Kind]string{
	KindInit:    "init",
	KindContext: "context",
	KindState:   "state",
	KindOutput:  "output",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Package is one unit of simulation logic, created per simulation run
type Package interface {
	Name() string
}

// InitPackage produces the initial agents
type InitPackage interface {
	Package
	Run(ctx context.Context) ([]map[string]any, error)
}

// ContextColumn is one context field, with one value per agent in
// snapshot order
type ContextColumn struct {
	Field  string
	Values []any
}

// ContextPackage derives context columns from a read-only snapshot. It
// may run concurrently with other context packages.
type ContextPackage interface {
	Package
	Run(ctx context.Context, snapshot *batch.StateSnapshot) ([]ContextColumn, error)
}

// StatePackage is the only kind allowed to modify state
type StatePackage interface {
	Package
	Run(ctx context.Context, state *batch.State, sctx *batch.Context) error
}

// Output of an output package for one step
type Output struct {
	Package string          `json:"package"`
	Step    int             `json:"step"`
	Data    json.RawMessage `json:"data"`
}

// OutputPackage reads state and context after the state phase
type OutputPackage interface {
	Package
	Run(ctx context.Context, state *batch.State, sctx *batch.Context) (Output, error)
}

// Finalizer is implemented by output packages with an end-of-run result
type Finalizer interface {
	Finalize(ctx context.Context) (Output, error)
}

// TaskSubmitter sends tasks to runners
type TaskSubmitter interface {
	Submit(ctx context.Context, simID foundation.SimulationID, task *foundation.Task, store foundation.SharedStore) (*foundation.ActiveTask, error)
}

// OutputSink persists what output packages produce
type OutputSink interface {
	WriteStep(simID foundation.SimulationID, name string, step int, data []byte) error
	WriteFinal(simID foundation.SimulationID, name string, data []byte) error
	RecordMetric(simID foundation.SimulationID, metric string, step int, value float64) error
}

// InitConfig names the initial state source and carries its contents
type InitConfig struct {
	Name   string
	Source string
}

// CreateParams is everything a creator may use to build a package
type CreateParams struct {
	SimID     foundation.SimulationID
	Config    map[string]any
	Globals   map[string]any
	Datasets  map[string]any
	Init      *InitConfig
	Behaviors *runner.BehaviorMap
	Pool      TaskSubmitter
	Persist   OutputSink
	Logger    *utils.Logger
}

// PackageConfig returns the config section of the named package
func (p CreateParams) PackageConfig(name string) map[string]any {
	section, _ := p.Config[name].(map[string]any)
	return section
}

// Creator builds one package instance per simulation run
type Creator interface {
	Name() string
	Kind() Kind
	// Dependencies name packages that must run first. They may belong to
	// this kind or an earlier one.
	Dependencies() []string
	// Fields the package adds. Context packages add context fields, every
	// other kind adds agent fields.
	Fields(params CreateParams) ([]batch.RootFieldSpec, error)
	Create(params CreateParams) (Package, error)
}

// InitFormats is implemented by init creators that only accept some
// initial state sources
type InitFormats interface {
	SupportsInit(name string) bool
}
