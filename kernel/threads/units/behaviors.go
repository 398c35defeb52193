package units

import (
	"context"
	"errors"
	"fmt"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/registry"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

var ErrBehaviorTaskCancelled = errors.New("behavior task cancelled")

type behaviorExecutionCreator struct{ base }

func (behaviorExecutionCreator) Name() string        { return BehaviorExecutionName }
func (behaviorExecutionCreator) Kind() registry.Kind { return registry.KindState }

// Fields are the keys every known behavior declares
func (behaviorExecutionCreator) Fields(params registry.CreateParams) ([]batch.RootFieldSpec, error) {
	if params.Behaviors == nil {
		return nil, nil
	}
	return params.Behaviors.FieldSpecs()
}

func (c behaviorExecutionCreator) Create(params registry.CreateParams) (registry.Package, error) {
	if params.Pool == nil {
		return nil, fmt.Errorf("%w: %s needs a worker pool", registry.ErrPackageCreation, c.Name())
	}
	logger := params.Logger
	if logger == nil {
		logger = utils.DefaultLogger(c.Name())
	}
	return &BehaviorExecution{simID: params.SimID, pool: params.Pool, logger: logger}, nil
}

// BehaviorExecution runs every agent's behavior chain once per step as one
// task distributed over all agent groups
type BehaviorExecution struct {
	simID  foundation.SimulationID
	pool   registry.TaskSubmitter
	logger *utils.Logger
}

func (p *BehaviorExecution) Name() string { return BehaviorExecutionName }

// Submit starts the step's behavior task without waiting for it
func (p *BehaviorExecution) Submit(ctx context.Context, state *batch.State, sctx *batch.Context) (*foundation.ActiveTask, error) {
	task, err := foundation.NewTask(p.Name(), foundation.TargetRust, runner.Payload{Kind: runner.PayloadBehaviors},
		foundation.Distribution{Kind: foundation.DistributionDistributed})
	if err != nil {
		return nil, err
	}
	return p.pool.Submit(ctx, p.simID, task, foundation.WriteStore(state, sctx))
}

func (p *BehaviorExecution) Run(ctx context.Context, state *batch.State, sctx *batch.Context) error {
	active, err := p.Submit(ctx, state, sctx)
	if err != nil {
		return err
	}
	res, err := active.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			active.Cancel()
		}
		return fmt.Errorf("behavior task %s: %w", active.ID(), err)
	}
	if res.Cancelled {
		return fmt.Errorf("%w: %s", ErrBehaviorTaskCancelled, active.ID())
	}
	if step := stepOf(sctx); res.Result != nil {
		p.logger.Debug("behaviors executed", utils.Int("step", step), utils.String("result", string(res.Result.Payload)))
	}
	return nil
}

func stepOf(sctx *batch.Context) int {
	if sctx == nil {
		return 0
	}
	return sctx.Step
}
