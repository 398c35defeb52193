package controller

import (
	"fmt"

	"github.com/nmxmxh/simkernel/kernel/config"
	"github.com/nmxmxh/simkernel/kernel/threads/registry"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
)

// plan is a run resolved against the registry
type plan struct {
	init      registry.Creator
	behaviors *runner.BehaviorMap
	keys      *config.Validator

	context []registry.Creator
	state   []registry.Creator
	output  []registry.Creator
}

// Check reports the configuration errors of run without starting it: no
// init package for the source format, globals failing their schema,
// unusable behaviors or keys, unknown packages and dependency cycles.
func Check(run *config.SimulationRun, reg *registry.Registry) error {
	_, err := resolve(run, reg)
	return err
}

func resolve(run *config.SimulationRun, reg *registry.Registry) (*plan, error) {
	if run == nil || run.Init == nil {
		return nil, fmt.Errorf("%w: run has no initial state", config.ErrInvalidManifest)
	}
	p := &plan{}
	var err error
	if p.init, err = selectInit(reg, run); err != nil {
		return nil, err
	}
	if err = config.ValidateGlobals(run.GlobalsSchema, run.Globals); err != nil {
		return nil, err
	}
	if p.behaviors, err = runner.NewBehaviorMap(run.Behaviors); err != nil {
		return nil, fmt.Errorf("behaviors: %w", err)
	}
	if p.keys, err = config.NewValidator(p.behaviors); err != nil {
		return nil, fmt.Errorf("behavior keys: %w", err)
	}
	if p.context, err = reg.Order(registry.KindContext, run.Packages[registry.KindContext]); err != nil {
		return nil, err
	}
	if p.state, err = reg.Order(registry.KindState, run.Packages[registry.KindState]); err != nil {
		return nil, err
	}
	if p.output, err = reg.Order(registry.KindOutput, run.Packages[registry.KindOutput]); err != nil {
		return nil, err
	}
	return p, nil
}
