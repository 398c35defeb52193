package controller

import (
	"context"
	"fmt"
	"strings"

	"github.com/nmxmxh/simkernel/kernel/status"
	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/threads/supervisor"
	"github.com/nmxmxh/simkernel/kernel/threads/units"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// Engine command types
const (
	CommandCreateAgent = "create_agent"
	CommandRemoveAgent = "remove_agent"
	CommandStop        = "stop"
)

// collectCommands reads the engine commands of a step's messages. Stop
// commands are returned; agent commands wait for the next step.
func (r *simRun) collectCommands(messages []map[string]any) (bool, []any) {
	var (
		stop         bool
		stopMessages []any
		warnings     []runner.UserWarning
	)
	for _, cmd := range units.Commands(messages) {
		switch strings.ToLower(cmd.Type) {
		case CommandCreateAgent, CommandRemoveAgent:
			r.pending = append(r.pending, cmd)
		case CommandStop:
			stop = true
			data := cmd.Data
			if data == nil {
				data = map[string]any{}
			}
			stopMessages = append(stopMessages, data)
		default:
			warnings = append(warnings, runner.UserWarning{
				Message:  fmt.Sprintf("unknown engine command %q", cmd.Type),
				Location: fmt.Sprint(cmd.From),
			})
		}
	}
	r.warn(warnings)
	return stop, stopMessages
}

func (r *simRun) warn(warnings []runner.UserWarning) {
	if len(warnings) == 0 {
		return
	}
	c := r.c
	if c.diagnostics != nil {
		if warnings = c.diagnostics.NewWarnings(c.run.SimID, warnings); len(warnings) == 0 {
			return
		}
	}
	c.send(status.UserWarnings(c.run.SimID, warnings))
}

// applyCommands adds and removes agents, then rebuilds the agent and
// message batches. Surviving agents keep their pending messages.
// Malformed commands are skipped with a warning.
func (r *simRun) applyCommands(ctx context.Context, cmds []units.Command) error {
	c := r.c
	agents, messages, err := r.currentRows(ctx)
	if err != nil {
		return err
	}

	var warnings []runner.UserWarning
	removed := make(map[string]bool)
	var created []map[string]any
	for _, cmd := range cmds {
		switch strings.ToLower(cmd.Type) {
		case CommandCreateAgent:
			agent, err := r.newAgent(cmd)
			if err != nil {
				warnings = append(warnings, runner.UserWarning{Message: err.Error(), Location: fmt.Sprint(cmd.From)})
				continue
			}
			created = append(created, agent)
		case CommandRemoveAgent:
			id, err := removeTarget(cmd)
			if err != nil {
				warnings = append(warnings, runner.UserWarning{Message: err.Error(), Location: fmt.Sprint(cmd.From)})
				continue
			}
			removed[strings.ToLower(id)] = true
		}
	}
	r.warn(warnings)
	if len(created) == 0 && len(removed) == 0 {
		return nil
	}

	nextAgents := make([]map[string]any, 0, len(agents)+len(created))
	nextMessages := make([]map[string]any, 0, len(agents)+len(created))
	for i, a := range agents {
		if removed[strings.ToLower(fmt.Sprint(a[batch.AgentIDField]))] {
			continue
		}
		nextAgents = append(nextAgents, a)
		nextMessages = append(nextMessages, messages[i])
	}
	nextAgents = append(nextAgents, created...)
	nextMessages = append(nextMessages, batch.EmptyMessageRows(created)...)

	if err := r.rebuild(ctx, nextAgents, nextMessages); err != nil {
		return err
	}
	c.logger.Debug("agents updated",
		utils.Int("created", len(created)),
		utils.Int("removed", len(agents)+len(created)-len(nextAgents)),
		utils.Int("agents", len(nextAgents)))
	return nil
}

// newAgent builds the agent a create_agent command describes. Fields the
// schema does not know are dropped; a value of the wrong type rejects the
// agent.
func (r *simRun) newAgent(cmd units.Command) (map[string]any, error) {
	data, ok := cmd.Data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: data must be an object, got %T", CommandCreateAgent, cmd.Data)
	}
	schema := r.state.AgentSchema
	agent := batch.PrepareAgent(data)
	for k, v := range agent {
		spec, ok := schema.Field(k)
		if !ok {
			delete(agent, k)
			continue
		}
		if err := batch.CheckValue(spec.FieldSpec, v); err != nil {
			return nil, fmt.Errorf("%s: %w", CommandCreateAgent, err)
		}
	}
	return agent, nil
}

// removeTarget is data.agent_id, or the sender when data is empty
func removeTarget(cmd units.Command) (string, error) {
	switch data := cmd.Data.(type) {
	case nil:
	case map[string]any:
		if raw, ok := data[batch.AgentIDField]; ok {
			id, ok := raw.(string)
			if !ok || id == "" {
				return "", fmt.Errorf("%s: agent_id must be a non-empty string", CommandRemoveAgent)
			}
			return id, nil
		}
	default:
		return "", fmt.Errorf("%s: data must be an object, got %T", CommandRemoveAgent, cmd.Data)
	}
	id, ok := cmd.From.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%s: no agent_id and no sender", CommandRemoveAgent)
	}
	return id, nil
}

// currentRows reads every agent, hidden fields included, with its message
// row
func (r *simRun) currentRows(ctx context.Context) ([]map[string]any, []map[string]any, error) {
	agentsPx, err := r.state.Agents.FullReadProxy(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer agentsPx.Release()
	messagesPx, err := r.state.Messages.FullReadProxy(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer messagesPx.Release()

	var agents, messages []map[string]any
	for k := 0; k < agentsPx.Len(); k++ {
		rows, err := agentsPx.Batch(k).Rows(true)
		if err != nil {
			return nil, nil, err
		}
		agents = append(agents, rows...)
		if rows, err = messagesPx.Batch(k).Rows(false); err != nil {
			return nil, nil, err
		}
		messages = append(messages, rows...)
	}
	if len(agents) != len(messages) {
		return nil, nil, fmt.Errorf("%w: %d agents but %d message rows", batch.ErrSchemaMismatch, len(agents), len(messages))
	}
	return agents, messages, nil
}

// rebuild regroups agents and messages into new batches and swaps them in
func (r *simRun) rebuild(ctx context.Context, agents, messages []map[string]any) error {
	c := r.c
	agentGroups := batch.SplitGroups(agents, c.run.GroupSize)
	messageGroups := batch.SplitGroups(messages, c.run.GroupSize)

	var agentBatches, messageBatches []*batch.Batch
	unlink := func(batches []*batch.Batch) {
		for _, b := range batches {
			if err := b.Unlink(); err != nil {
				c.logger.Warn("releasing batch failed", utils.String("batch", b.Name()), utils.Err(err))
			}
		}
	}
	for g := range agentGroups {
		ab, err := batch.NewBatchFromRows(c.alloc, c.base, r.state.AgentSchema, agentGroups[g])
		if err != nil {
			unlink(agentBatches)
			unlink(messageBatches)
			return fmt.Errorf("agent batch: %w", err)
		}
		agentBatches = append(agentBatches, ab)
		mb, err := batch.NewBatchFromRows(c.alloc, c.base, r.state.MessageSchema, messageGroups[g])
		if err != nil {
			unlink(agentBatches)
			unlink(messageBatches)
			return fmt.Errorf("message batch: %w", err)
		}
		messageBatches = append(messageBatches, mb)
	}

	oldAgents, err := r.state.Agents.Swap(ctx, agentBatches)
	if err != nil {
		unlink(agentBatches)
		unlink(messageBatches)
		return err
	}
	unlink(oldAgents)
	oldMessages, err := r.state.Messages.Swap(ctx, messageBatches)
	if err != nil {
		unlink(messageBatches)
		return err
	}
	unlink(oldMessages)

	return c.pool.Sync(ctx, supervisor.WorkerMsg{SimID: c.run.SimID, Kind: supervisor.MsgStateInterimSync, State: r.state})
}
