package units

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/registry"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

type jsonStateCreator struct{ base }

func (jsonStateCreator) Name() string        { return JSONStateName }
func (jsonStateCreator) Kind() registry.Kind { return registry.KindOutput }

// Create accepts an "every" option: persist one step in every N
func (c jsonStateCreator) Create(params registry.CreateParams) (registry.Package, error) {
	every := 1
	if v, ok := params.PackageConfig(c.Name())["every"]; ok {
		n, ok := toFloat(v)
		if !ok || n < 1 {
			return nil, fmt.Errorf("%w: %s.every must be a positive number", registry.ErrPackageCreation, c.Name())
		}
		every = int(n)
	}
	logger := params.Logger
	if logger == nil {
		logger = utils.DefaultLogger(c.Name())
	}
	return &jsonState{simID: params.SimID, sink: params.Persist, every: every, logger: logger}, nil
}

// jsonState writes the agents of a step as a JSON array
type jsonState struct {
	simID  foundation.SimulationID
	sink   registry.OutputSink
	every  int
	logger *utils.Logger
}

func (p *jsonState) Name() string { return JSONStateName }

func (p *jsonState) Run(ctx context.Context, state *batch.State, sctx *batch.Context) (registry.Output, error) {
	step := stepOf(sctx)
	out := registry.Output{Package: p.Name(), Step: step, Data: json.RawMessage("null")}
	if step%p.every != 0 {
		return out, nil
	}
	snap, err := state.Snapshot(ctx)
	if err != nil {
		return out, err
	}
	agents := snap.AllAgents()
	if agents == nil {
		agents = []map[string]any{}
	}
	data, err := json.Marshal(agents)
	if err != nil {
		return out, fmt.Errorf("encode agents of step %d: %w", step, err)
	}
	if p.sink != nil {
		if err := p.sink.WriteStep(p.simID, p.Name(), step, data); err != nil {
			return out, fmt.Errorf("persist step %d: %w", step, err)
		}
	}
	p.logger.Debug("state written", utils.Int("step", step), utils.Int("agents", len(agents)), utils.Int("bytes", len(data)))
	out.Data = data
	return out, nil
}
