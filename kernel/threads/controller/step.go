package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/simkernel/kernel/status"
	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/registry"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/threads/sab"
	"github.com/nmxmxh/simkernel/kernel/threads/supervisor"
	"github.com/nmxmxh/simkernel/kernel/threads/units"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// simRun is the state of one execution of a Controller
type simRun struct {
	c *Controller

	params  registry.CreateParams
	runInit *runner.RunInit
	started bool

	contextCreators []registry.Creator
	stateCreators   []registry.Creator
	outputCreators  []registry.Creator

	contextPkgs []registry.ContextPackage
	statePkgs   []registry.StatePackage
	outputPkgs  []registry.OutputPackage

	contextSchema *batch.Schema
	state         *batch.State
	contextBatch  *batch.Batch

	pending []units.Command
}

func (r *simRun) execute(ctx context.Context) error {
	if err := r.initialize(ctx); err != nil {
		return err
	}
	c := r.c
	if !c.transition(StateInitializing, StateStepping) {
		return fmt.Errorf("simulation run left %s during init: %s", StateInitializing, c.State())
	}

	stopped := false
	for step := 0; step < c.run.MaxSteps && !stopped; step++ {
		c.step.Store(int64(step))
		var err error
		if stopped, err = r.runStep(ctx, step); err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
	}
	return r.finish(ctx)
}

// initialize builds the initial state. The workers learn about the run
// before the init package runs since init scripts execute on them; the
// schema reaches them through the same RunInit once it is frozen.
func (r *simRun) initialize(ctx context.Context) error {
	c := r.c
	run := c.run
	behaviors, keys := c.plan.behaviors, c.plan.keys
	r.contextCreators = c.plan.context
	r.stateCreators = c.plan.state
	r.outputCreators = c.plan.output

	r.params = registry.CreateParams{
		SimID:     run.SimID,
		Config:    run.PackageConfig,
		Globals:   run.Globals,
		Datasets:  run.Datasets,
		Init:      run.Init,
		Behaviors: behaviors,
		Pool:      c.pool,
		Persist:   c.persist,
		Logger:    c.logger,
	}
	r.runInit = &runner.RunInit{
		SimID:     run.SimID,
		Globals:   run.Globals,
		Datasets:  run.Datasets,
		Behaviors: behaviors,
	}
	if err := c.pool.NewSimulationRun(ctx, r.runInit); err != nil {
		return err
	}
	r.started = true

	start, err := status.SimStart(run.SimID, run.Globals)
	if err != nil {
		return err
	}
	c.send(start)

	agents, err := r.buildAgents(ctx)
	if err != nil {
		return err
	}

	agentSchema, err := r.freezeSchemas(agents)
	if err != nil {
		return err
	}
	messageSchema, err := batch.NewSchema(batch.MessageFields())
	if err != nil {
		return err
	}
	r.runInit.AgentSchema = agentSchema
	r.runInit.Keys = keys

	groups := batch.SplitGroups(agents, run.GroupSize)
	if r.state, err = batch.NewState(c.alloc, c.base, agentSchema, messageSchema, groups); err != nil {
		return fmt.Errorf("initial state: %w", err)
	}
	if err := c.pool.Sync(ctx, supervisor.WorkerMsg{SimID: run.SimID, Kind: supervisor.MsgStateSync, State: r.state}); err != nil {
		return err
	}
	c.logger.Info("initial state built",
		utils.Int("agents", len(agents)),
		utils.Int("groups", len(groups)),
		utils.Int("fields", agentSchema.Len()))

	return r.createPackages()
}

// buildAgents runs the init package and prepares its agents
func (r *simRun) buildAgents(ctx context.Context) ([]map[string]any, error) {
	pkg, err := r.c.plan.init.Create(r.params)
	if err != nil {
		return nil, err
	}
	initPkg, ok := pkg.(registry.InitPackage)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an init package", registry.ErrPackageCreation, pkg.Name())
	}
	raw, err := initPkg.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("init package %s: %w", pkg.Name(), err)
	}
	agents := make([]map[string]any, len(raw))
	for i, a := range raw {
		agents[i] = batch.PrepareAgent(a)
	}
	return agents, nil
}

// freezeSchemas registers package fields and the fields the initial
// agents carry, then freezes the agent and context schemas
func (r *simRun) freezeSchemas(agents []map[string]any) (*batch.Schema, error) {
	agentFields := batch.NewFieldSpecMap(batch.AgentFields()...)
	contextFields := batch.NewFieldSpecMap()

	creators := append([]registry.Creator{r.c.plan.init}, r.contextCreators...)
	creators = append(creators, r.stateCreators...)
	creators = append(creators, r.outputCreators...)
	if err := r.c.registry.RegisterFields(agentFields, contextFields, creators, r.params); err != nil {
		return nil, err
	}

	inferred := make(map[string]any)
	var names []string
	for _, a := range agents {
		for k, v := range a {
			if k == batch.OutboundField || agentFields.Has(k) {
				continue
			}
			prev, seen := inferred[k]
			if !seen {
				names = append(names, k)
			}
			if prev == nil {
				inferred[k] = v
			}
		}
	}
	sort.Strings(names)
	for _, name := range names {
		spec := batch.RootFieldSpec{
			FieldSpec: batch.FieldSpec{Name: name, Type: batch.InferFieldType(inferred[name]), Nullable: true},
			Source:    batch.SourceInit,
		}
		if err := agentFields.Register(spec); err != nil {
			return nil, err
		}
	}

	agentSchema, err := agentFields.Freeze()
	if err != nil {
		return nil, err
	}
	if r.contextSchema, err = contextFields.Freeze(); err != nil {
		return nil, err
	}
	return agentSchema, nil
}

func (r *simRun) createPackages() error {
	for _, cr := range r.contextCreators {
		pkg, err := cr.Create(r.params)
		if err != nil {
			return err
		}
		p, ok := pkg.(registry.ContextPackage)
		if !ok {
			return fmt.Errorf("%w: %s is not a context package", registry.ErrPackageCreation, cr.Name())
		}
		r.contextPkgs = append(r.contextPkgs, p)
	}
	for _, cr := range r.stateCreators {
		pkg, err := cr.Create(r.params)
		if err != nil {
			return err
		}
		p, ok := pkg.(registry.StatePackage)
		if !ok {
			return fmt.Errorf("%w: %s is not a state package", registry.ErrPackageCreation, cr.Name())
		}
		r.statePkgs = append(r.statePkgs, p)
	}
	for _, cr := range r.outputCreators {
		pkg, err := cr.Create(r.params)
		if err != nil {
			return err
		}
		p, ok := pkg.(registry.OutputPackage)
		if !ok {
			return fmt.Errorf("%w: %s is not an output package", registry.ErrPackageCreation, cr.Name())
		}
		r.outputPkgs = append(r.outputPkgs, p)
	}
	return nil
}

// runStep runs one step and reports whether a stop command arrived
func (r *simRun) runStep(ctx context.Context, step int) (bool, error) {
	c := r.c
	if len(r.pending) > 0 {
		if err := r.applyCommands(ctx, r.pending); err != nil {
			return false, fmt.Errorf("engine commands: %w", err)
		}
		r.pending = nil
	}

	sctx, err := r.contextPhase(ctx, step)
	if err != nil {
		return false, fmt.Errorf("context phase: %w", err)
	}
	if err := r.clearMessages(ctx); err != nil {
		return false, err
	}

	for _, pkg := range r.statePkgs {
		err := pkg.Run(ctx, r.state, sctx)
		if errors.Is(err, units.ErrBehaviorTaskCancelled) {
			c.logger.Warn("state package produced no result", utils.String("package", pkg.Name()), utils.Int("step", step))
			continue
		}
		if err != nil {
			return false, fmt.Errorf("state package %s: %w", pkg.Name(), err)
		}
	}

	outputs, err := r.outputPhase(ctx, sctx)
	if err != nil {
		return false, fmt.Errorf("output phase: %w", err)
	}

	snap, err := r.state.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	stop, stopMessages := r.collectCommands(snap.AllMessages())

	c.mu.Lock()
	c.result.Steps = step + 1
	for _, out := range outputs {
		c.result.Outputs[out.Package] = out
	}
	if stop {
		c.result.StopSignal = true
		c.result.StopMessages = append(c.result.StopMessages, stopMessages...)
	}
	c.mu.Unlock()

	running := !stop && step+1 < c.run.MaxSteps
	st, err := status.SimStatus(c.run.SimID, int64(step+1), running, stop, stopMessages)
	if err != nil {
		return false, err
	}
	c.send(st)
	c.logger.Debug("step complete", utils.Int("step", step), utils.Bool("stop", stop))
	return stop, nil
}

// contextPhase runs the context packages concurrently over one snapshot
// and writes their columns into a fresh context batch
func (r *simRun) contextPhase(ctx context.Context, step int) (*batch.Context, error) {
	c := r.c
	snap, err := r.state.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.pool.Sync(ctx, supervisor.WorkerMsg{SimID: c.run.SimID, Kind: supervisor.MsgStateSnapshotSync, Snapshot: snap}); err != nil {
		return nil, err
	}
	starts := make([]int, len(snap.Agents))
	total := 0
	for g, rows := range snap.Agents {
		starts[g] = total
		total += len(rows)
	}

	columns := make([][]registry.ContextColumn, len(r.contextPkgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, pkg := range r.contextPkgs {
		g.Go(func() error {
			cols, err := pkg.Run(gctx, snap)
			if err != nil {
				return fmt.Errorf("context package %s: %w", pkg.Name(), err)
			}
			columns[i] = cols
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sctx := &batch.Context{
		GroupStarts: starts,
		Globals:     c.run.Globals,
		Datasets:    c.run.Datasets,
		Step:        step,
	}
	if r.contextSchema.Len() > 0 {
		rows := make([]map[string]any, total)
		for i := range rows {
			rows[i] = make(map[string]any, r.contextSchema.Len())
		}
		for i, cols := range columns {
			for _, col := range cols {
				if _, ok := r.contextSchema.Field(col.Field); !ok {
					return nil, fmt.Errorf("%w: %s wrote unregistered context field %q", batch.ErrSchemaMismatch, r.contextPkgs[i].Name(), col.Field)
				}
				if len(col.Values) != total {
					return nil, fmt.Errorf("%w: context field %q has %d values for %d agents", batch.ErrSchemaMismatch, col.Field, len(col.Values), total)
				}
				for k, v := range col.Values {
					rows[k][col.Field] = v
				}
			}
		}
		b, err := batch.NewBatchFromRows(c.alloc, c.base, r.contextSchema, rows)
		if err != nil {
			return nil, fmt.Errorf("context batch: %w", err)
		}
		r.releaseContext()
		r.contextBatch = b
		sctx.Batch = b
	}

	if err := c.pool.Sync(ctx, supervisor.WorkerMsg{SimID: c.run.SimID, Kind: supervisor.MsgContextBatchSync, Context: sctx}); err != nil {
		return nil, err
	}
	return sctx, nil
}

func (r *simRun) releaseContext() {
	if r.contextBatch == nil {
		return
	}
	if err := r.contextBatch.Unlink(); err != nil {
		r.c.logger.Warn("releasing context batch failed", utils.Err(err))
	}
	r.contextBatch = nil
}

// clearMessages empties every agent's outbox once the context phase has
// delivered the previous step's messages
func (r *simRun) clearMessages(ctx context.Context) error {
	px, err := r.state.Messages.FullWriteProxy(ctx)
	if err != nil {
		return err
	}
	defer px.Release()
	for k := 0; k < px.Len(); k++ {
		b := px.Batch(k)
		rows, err := b.Rows(false)
		if err != nil {
			return err
		}
		dirty := false
		for _, row := range rows {
			if msgs, _ := row[batch.MessageContentField].([]any); len(msgs) > 0 || row[batch.MessageContentField] == nil {
				row[batch.MessageContentField] = []any{}
				dirty = true
			}
		}
		if !dirty {
			continue
		}
		if err := b.ReplaceRows(rows); err != nil {
			b.Discard()
			return err
		}
	}
	return px.Flush()
}

// outputPhase runs the output packages concurrently
func (r *simRun) outputPhase(ctx context.Context, sctx *batch.Context) ([]registry.Output, error) {
	outputs := make([]registry.Output, len(r.outputPkgs))
	g, gctx := errgroup.WithContext(ctx)
	for i, pkg := range r.outputPkgs {
		g.Go(func() error {
			out, err := pkg.Run(gctx, r.state, sctx)
			if err != nil {
				return fmt.Errorf("output package %s: %w", pkg.Name(), err)
			}
			if out.Package == "" {
				out.Package = pkg.Name()
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// finish persists the final state and the end-of-run outputs
func (r *simRun) finish(ctx context.Context) error {
	c := r.c
	snap, err := r.state.Snapshot(ctx)
	if err != nil {
		return err
	}
	agents := make([]map[string]any, 0)
	for _, a := range snap.AllAgents() {
		agents = append(agents, compact(a))
	}
	data, err := json.Marshal(agents)
	if err != nil {
		return fmt.Errorf("encode final state: %w", err)
	}
	if c.persist != nil {
		if err := c.persist.WriteFinal(c.run.SimID, FinalStateName, data); err != nil {
			return fmt.Errorf("persist final state: %w", err)
		}
	}

	finals := map[string]json.RawMessage{FinalStateName: data}
	for _, pkg := range r.outputPkgs {
		f, ok := pkg.(registry.Finalizer)
		if !ok {
			continue
		}
		out, err := f.Finalize(ctx)
		if err != nil {
			return fmt.Errorf("finalize %s: %w", pkg.Name(), err)
		}
		finals[pkg.Name()] = out.Data
	}

	c.mu.Lock()
	c.result.FinalState = agents
	for k, v := range finals {
		c.result.Finals[k] = v
	}
	steps := c.result.Steps
	c.mu.Unlock()
	c.logger.Info("simulation run finished", utils.Int("steps", steps), utils.Int("agents", len(agents)))
	return nil
}

// cleanup releases everything the run allocated. It runs on every exit
// path and only logs failures.
func (r *simRun) cleanup(ctx context.Context) {
	c := r.c
	if r.started {
		if err := c.pool.TerminateSimulationRun(ctx, c.run.SimID); err != nil {
			c.logger.Warn("terminating run on workers failed", utils.Err(err))
		}
	}
	r.releaseContext()
	if r.state != nil {
		if err := r.state.Close(); err != nil {
			c.logger.Warn("releasing state failed", utils.Err(err))
		}
	}
	removed, err := sab.CleanUp(c.alloc, c.base)
	if err != nil {
		c.logger.Warn("removing segments failed", utils.Err(err))
	} else if removed > 0 {
		c.logger.Debug("removed leftover segments", utils.Int("count", removed))
	}
}

// compact drops null fields, which the batch stores for absent values
func compact(agent map[string]any) map[string]any {
	out := make(map[string]any, len(agent))
	for k, v := range agent {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
