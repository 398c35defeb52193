package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
)

// Context columns read by the behavior loop
const (
	ContextMessagesField  = "messages"
	ContextNeighborsField = "neighbors"
)

type groupRows struct {
	agents   []map[string]any
	messages []map[string]any
}

// ExecuteBehaviors runs every agent's behaviors that belong to engine's
// language, starting at the agent's __i_behavior. Agents stop at the first
// behavior of another language; the outcome then continues to that
// language's runner. Once no agent has behaviors left, __i_behavior is
// reset and the outcome targets main.
//
// State is committed only when the job was not cancelled.
func ExecuteBehaviors(ctx context.Context, engine Engine, init *RunInit, job *Job) (*Outcome, error) {
	store := job.Store
	if store.State == nil || store.StateAccess != foundation.AccessWrite {
		return nil, &RunnerError{Message: "behavior execution needs write access to state", Location: job.Package}
	}
	lang := engine.Language()
	groups := store.GroupIndices()

	agentsPx, err := store.State.Agents.WriteProxy(ctx, groups...)
	if err != nil {
		return nil, err
	}
	defer agentsPx.Release()
	messagesPx, err := store.State.Messages.WriteProxy(ctx, groups...)
	if err != nil {
		return nil, err
	}
	defer messagesPx.Release()

	out := &Outcome{Target: foundation.TargetMain}
	warned := make(map[string]bool)
	warn := func(key string, w UserWarning) {
		if !warned[key] {
			warned[key] = true
			out.UserWarnings = append(out.UserWarnings, w)
		}
	}

	data := make([]groupRows, agentsPx.Len())
	for k := 0; k < agentsPx.Len(); k++ {
		if data[k].agents, err = agentsPx.Batch(k).Rows(true); err != nil {
			return nil, err
		}
		if data[k].messages, err = messagesPx.Batch(k).Rows(false); err != nil {
			return nil, err
		}
	}

	var step int
	var globals map[string]any
	if store.Context != nil {
		step = store.Context.Step
		globals = store.Context.Globals
	}
	if globals == nil {
		globals = init.Globals
	}

	processed := 0
	next := foundation.TargetMain
	for k, g := range agentsPx.Indices() {
		rows := data[k]
		var ctxRows []map[string]any
		if store.Context != nil {
			if ctxRows, err = store.Context.GroupRows(g, len(rows.agents)); err != nil {
				return nil, &RunnerError{Message: err.Error(), Location: job.Package}
			}
		}

		for i, agent := range rows.agents {
			if job.cancelled() {
				return &Outcome{Target: foundation.TargetMain, Cancelled: true}, nil
			}
			names := behaviorNames(agent)
			idx := behaviorIndex(agent)
			if idx >= len(names) {
				continue
			}

			agentCtx := &AgentContext{Globals: globals, Data: init.Datasets, Step: step, Snapshot: store.Snapshot}
			if ctxRows != nil {
				agentCtx.Row = ctxRows[i]
				agentCtx.Messages, _ = ctxRows[i][ContextMessagesField].([]any)
				agentCtx.Neighbors, _ = ctxRows[i][ContextNeighborsField].([]any)
			}

			state := make(map[string]any, len(agent)+1)
			for key, v := range agent {
				if key != batch.BehaviorIndexField {
					state[key] = v
				}
			}
			outbound, _ := rows.messages[i][batch.MessageContentField].([]any)
			if outbound == nil {
				outbound = []any{}
			}
			state[batch.OutboundField] = outbound

			for idx < len(names) {
				b, ok := init.Behaviors.Resolve(names[idx])
				if !ok {
					warn("unknown:"+names[idx], UserWarning{Message: fmt.Sprintf("unknown behavior %q", names[idx]), Location: fmt.Sprint(agent[batch.AgentIDField])})
					idx++
					continue
				}
				bl, err := b.Language()
				if err != nil {
					return nil, &RunnerError{Message: err.Error(), Location: b.Name}
				}
				if bl != lang {
					break
				}
				if err := engine.RunBehavior(job.SimID, b, state, agentCtx); err != nil {
					var scriptErr *ScriptError
					if !errors.As(err, &scriptErr) {
						return nil, err
					}
					loc := scriptErr.Location
					if loc == "" {
						loc = b.Name
					}
					out.UserErrors = append(out.UserErrors, UserError{Message: scriptErr.Message, Location: loc})
				}
				if init.Keys != nil {
					if err := init.Keys.ValidateAgent(b.Name, state); err != nil {
						warn("keys:"+b.Name, UserWarning{Message: err.Error(), Location: b.Name})
					}
				}
				idx++
				// Behaviors may rewrite the list mid-chain.
				names = behaviorNames(state)
			}
			processed++

			outbound, ok := state[batch.OutboundField].([]any)
			if !ok && state[batch.OutboundField] != nil {
				warn("outbound", UserWarning{Message: "state.messages must be a list", Location: fmt.Sprint(agent[batch.AgentIDField])})
			}
			delete(state, batch.OutboundField)
			rows.messages[i][batch.MessageContentField] = outbound
			if outbound == nil {
				rows.messages[i][batch.MessageContentField] = []any{}
			}

			sanitized := sanitizeState(init.AgentSchema, agent, state, func(key string, w UserWarning) { warn(key, w) })
			sanitized[batch.BehaviorIndexField] = float64(idx)
			rows.agents[i] = sanitized
		}
		data[k] = rows
	}

	// Continue with the language of the first agent still pending
	for k := range data {
		for _, agent := range data[k].agents {
			names := behaviorNames(agent)
			idx := behaviorIndex(agent)
			if idx >= len(names) {
				continue
			}
			if b, ok := init.Behaviors.Resolve(names[idx]); ok {
				if bl, err := b.Language(); err == nil && bl != lang {
					next = foundation.TargetForLanguage(bl)
					break
				}
			}
		}
		if next != foundation.TargetMain {
			break
		}
	}
	if next == foundation.TargetMain {
		for k := range data {
			for _, agent := range data[k].agents {
				agent[batch.BehaviorIndexField] = float64(0)
			}
		}
	}

	if job.cancelled() {
		return &Outcome{Target: foundation.TargetMain, Cancelled: true}, nil
	}
	for k := range data {
		if err := agentsPx.Batch(k).ReplaceRows(data[k].agents); err != nil {
			agentsPx.Batch(k).Discard()
			return nil, &RunnerError{Message: err.Error(), Location: job.Package}
		}
		if err := messagesPx.Batch(k).ReplaceRows(data[k].messages); err != nil {
			messagesPx.Batch(k).Discard()
			return nil, &RunnerError{Message: err.Error(), Location: job.Package}
		}
	}
	if err := agentsPx.Flush(); err != nil {
		return nil, err
	}
	if err := messagesPx.Flush(); err != nil {
		return nil, err
	}

	out.Target = next
	out.Payload, _ = json.Marshal(map[string]any{"agents_processed": processed})
	return out, nil
}

func behaviorNames(agent map[string]any) []string {
	raw, _ := agent[batch.BehaviorsField].([]any)
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}
	return names
}

func behaviorIndex(agent map[string]any) int {
	f, _ := agent[batch.BehaviorIndexField].(float64)
	return int(f)
}

// sanitizeState keeps the fields of state the schema can store. Unknown
// fields and values of the wrong type are dropped with a warning, keeping
// the previous value.
func sanitizeState(schema *batch.Schema, prev, state map[string]any, warn func(string, UserWarning)) map[string]any {
	out := make(map[string]any, schema.Len())
	for key, v := range state {
		spec, ok := schema.Field(key)
		if !ok {
			warn("unknown-field:"+key, UserWarning{Message: fmt.Sprintf("field %q is not part of the agent schema", key)})
			continue
		}
		if err := batch.CheckValue(spec.FieldSpec, v); err != nil {
			warn("bad-field:"+key, UserWarning{Message: err.Error()})
			if old, ok := prev[key]; ok {
				out[key] = old
			}
			continue
		}
		out[key] = v
	}
	if _, ok := out[batch.AgentIDField]; !ok {
		out[batch.AgentIDField] = prev[batch.AgentIDField]
	}
	return out
}
