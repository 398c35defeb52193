// Package units holds the built-in simulation packages.
package units

import (
	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/registry"
)

// Package names
const (
	JSONInitName          = "json_init"
	ScriptInitName        = "script_init"
	AgentMessagesName     = "agent_messages"
	NeighborsName         = "neighbors"
	BehaviorExecutionName = "behavior_execution"
	JSONStateName         = "json_state"
	AnalysisName          = "analysis"
)

// Creators returns a fresh creator for every built-in package
func Creators() []registry.Creator {
	return []registry.Creator{
		jsonInitCreator{},
		scriptInitCreator{},
		agentMessagesCreator{},
		neighborsCreator{},
		behaviorExecutionCreator{},
		jsonStateCreator{},
		analysisCreator{},
	}
}

// DefaultRegistry is the registry of built-in packages
func DefaultRegistry() (*registry.Registry, error) {
	return registry.NewRegistry(Creators()...)
}

// DefaultPackages are the packages a run uses when its manifest names none
func DefaultPackages() map[registry.Kind][]string {
	return map[registry.Kind][]string{
		registry.KindContext: {AgentMessagesName, NeighborsName},
		registry.KindState:   {BehaviorExecutionName},
		registry.KindOutput:  {JSONStateName},
	}
}

// base implements the parts of registry.Creator shared by built-ins
type base struct{}

func (base) Dependencies() []string { return nil }

func (base) Fields(registry.CreateParams) ([]batch.RootFieldSpec, error) { return nil, nil }

func contextField(pkg, name string) batch.RootFieldSpec {
	return batch.RootFieldSpec{
		FieldSpec: batch.FieldSpec{Name: name, Type: batch.FieldJSON, Nullable: true},
		Source:    batch.PackageSource(pkg),
	}
}

// lookup reads a dotted path out of nested maps
func lookup(m map[string]any, path ...string) (any, bool) {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
