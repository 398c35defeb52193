package units

import (
	"context"
	"fmt"
	"strings"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/registry"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
)

// EngineRecipient addresses messages to the engine rather than an agent
const EngineRecipient = "hash"

type agentMessagesCreator struct{ base }

func (agentMessagesCreator) Name() string        { return AgentMessagesName }
func (agentMessagesCreator) Kind() registry.Kind { return registry.KindContext }

func (c agentMessagesCreator) Fields(registry.CreateParams) ([]batch.RootFieldSpec, error) {
	return []batch.RootFieldSpec{contextField(c.Name(), runner.ContextMessagesField)}, nil
}

func (agentMessagesCreator) Create(registry.CreateParams) (registry.Package, error) {
	return agentMessages{}, nil
}

// agentMessages delivers the messages sent in the previous step. Each
// agent's inbox holds {from, type, data} entries in sending order.
type agentMessages struct{}

func (agentMessages) Name() string { return AgentMessagesName }

func (agentMessages) Run(ctx context.Context, snap *batch.StateSnapshot) ([]registry.ContextColumn, error) {
	agents := snap.AllAgents()
	byID := make(map[string]int, len(agents))
	byName := make(map[string][]int)
	for i, a := range agents {
		if id, ok := a[batch.AgentIDField].(string); ok {
			byID[strings.ToLower(id)] = i
		}
		if name, ok := a[batch.AgentNameField].(string); ok && name != "" {
			byName[name] = append(byName[name], i)
		}
	}

	inboxes := make([][]any, len(agents))
	for _, row := range snap.AllMessages() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		from := row[batch.MessageFromField]
		outbound, _ := row[batch.MessageContentField].([]any)
		for _, raw := range outbound {
			msg, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			delivered := map[string]any{"from": from, "type": msg["type"], "data": msg["data"]}
			for _, to := range recipients(msg["to"]) {
				if strings.EqualFold(to, EngineRecipient) {
					continue
				}
				if i, ok := byID[strings.ToLower(to)]; ok {
					inboxes[i] = append(inboxes[i], delivered)
					continue
				}
				for _, i := range byName[to] {
					inboxes[i] = append(inboxes[i], delivered)
				}
			}
		}
	}

	values := make([]any, len(agents))
	for i, inbox := range inboxes {
		if inbox == nil {
			inbox = []any{}
		}
		values[i] = inbox
	}
	return []registry.ContextColumn{{Field: runner.ContextMessagesField, Values: values}}, nil
}

// recipients accepts a single recipient or a list of them
func recipients(to any) []string {
	switch v := to.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Command is a message addressed to the engine
type Command struct {
	Type string
	From any
	Data any
}

// Commands extracts the engine commands from message rows
func Commands(rows []map[string]any) []Command {
	var out []Command
	for _, row := range rows {
		outbound, _ := row[batch.MessageContentField].([]any)
		for _, raw := range outbound {
			msg, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			for _, to := range recipients(msg["to"]) {
				if strings.EqualFold(to, EngineRecipient) {
					t, _ := msg["type"].(string)
					out = append(out, Command{Type: t, From: row[batch.MessageFromField], Data: msg["data"]})
					break
				}
			}
		}
	}
	return out
}

func (c Command) String() string {
	return fmt.Sprintf("%s from %v", c.Type, c.From)
}
