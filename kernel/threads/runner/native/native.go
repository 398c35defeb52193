// Package native runs the built-in behaviors compiled into the engine.
package native

import (
	"fmt"
	"sort"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// BehaviorFunc mutates state in place
type BehaviorFunc func(state map[string]any, ctx *runner.AgentContext) error

type builtin struct {
	short string
	name  string
	keys  string
	fn    BehaviorFunc
}

var builtins = []builtin{
	{
		short: "age",
		name:  "@hash/age/age.rs",
		keys:  `{"keys":{"age":{"type":"number","nullable":true}}}`,
		fn:    age,
	},
	{
		short: "counter",
		name:  "@hash/counter/counter.rs",
		keys: `{"keys":{"counter":{"type":"number","nullable":true},` +
			`"counter_increment":{"type":"number","nullable":true},` +
			`"counter_reset_at":{"type":"number","nullable":true},` +
			`"counter_reset_to":{"type":"number","nullable":true}}}`,
		fn: counter,
	},
	{
		short: "create_agents",
		name:  "@hash/create-agents/create_agents.rs",
		keys:  `{"keys":{"agents":{"type":"any","nullable":true}}}`,
		fn:    createAgents,
	},
	{
		short: "move_in_direction",
		name:  "@hash/move-in-direction/move_in_direction.rs",
		fn:    moveInDirection,
	},
	{
		short: "remove_self",
		name:  "@hash/remove-self/remove_self.rs",
		fn:    removeSelf,
	},
}

// Builtins describes every built-in behavior. Each is reachable by its
// full name, its short name and its file name.
func Builtins() []runner.Behavior {
	out := make([]runner.Behavior, 0, len(builtins))
	for _, b := range builtins {
		behavior := runner.Behavior{
			ID:         b.name,
			Name:       b.name,
			ShortNames: []string{b.short, b.short + ".rs"},
		}
		if b.keys != "" {
			keys := b.keys
			behavior.KeysSource = &keys
		}
		out = append(out, behavior)
	}
	return out
}

// Engine runs built-in behaviors
type Engine struct {
	fns    map[string]BehaviorFunc
	logger *utils.Logger
}

// NewEngine creates an engine with every built-in registered
func NewEngine(logger *utils.Logger) *Engine {
	if logger == nil {
		logger = utils.DefaultLogger("native")
	}
	e := &Engine{fns: make(map[string]BehaviorFunc), logger: logger}
	for _, b := range builtins {
		e.fns[b.name] = b.fn
	}
	return e
}

// NewRunner wraps a fresh native engine as a runner
func NewRunner(logger *utils.Logger) runner.Runner {
	return runner.NewEngineRunner(NewEngine(logger), logger)
}

// Names lists the registered built-ins
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.fns))
	for name := range e.fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) Language() foundation.Language {
	return foundation.LanguageRust
}

func (e *Engine) Load(init *runner.RunInit) error {
	for _, b := range init.Behaviors.All() {
		lang, _ := b.Language()
		if lang != foundation.LanguageRust {
			continue
		}
		if _, ok := e.fns[b.Name]; !ok {
			e.logger.Warn("no built-in behavior with this name", utils.String("behavior", b.Name))
		}
	}
	return nil
}

func (e *Engine) RunBehavior(_ foundation.SimulationID, b *runner.Behavior, state map[string]any, ctx *runner.AgentContext) error {
	fn, ok := e.fns[b.Name]
	if !ok {
		return &runner.ScriptError{Message: "no built-in behavior with this name", Location: b.Name}
	}
	if err := fn(state, ctx); err != nil {
		return &runner.ScriptError{Message: err.Error(), Location: b.Name}
	}
	return nil
}

func (e *Engine) RunInit(_ foundation.SimulationID, name, _ string, _ *runner.InitContext) ([]map[string]any, error) {
	return nil, &runner.ScriptError{Message: "init scripts cannot be written in rust", Location: name}
}

func (e *Engine) Logs() []string {
	return nil
}

func (e *Engine) Unload(foundation.SimulationID) {}

func (e *Engine) Close() error {
	return nil
}

func number(state map[string]any, key string, fallback float64) (float64, error) {
	v, ok := state[key]
	if !ok || v == nil {
		return fallback, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
	return f, nil
}

func vector(state map[string]any, key string) ([]float64, error) {
	raw, ok := state[key].([]any)
	if !ok {
		if state[key] == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%s must be a list of numbers", key)
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a number", key, i)
		}
		out[i] = f
	}
	return out, nil
}

func send(state map[string]any, msgType string, data any) {
	outbound, _ := state[batch.OutboundField].([]any)
	state[batch.OutboundField] = append(outbound, map[string]any{
		"to":   "hash",
		"type": msgType,
		"data": data,
	})
}

func age(state map[string]any, _ *runner.AgentContext) error {
	current, err := number(state, "age", 0)
	if err != nil {
		return err
	}
	state["age"] = current + 1
	return nil
}

func counter(state map[string]any, _ *runner.AgentContext) error {
	value, err := number(state, "counter", 0)
	if err != nil {
		return err
	}
	inc, err := number(state, "counter_increment", 1)
	if err != nil {
		return err
	}
	value += inc
	if _, ok := state["counter_reset_at"]; ok {
		resetAt, err := number(state, "counter_reset_at", 0)
		if err != nil {
			return err
		}
		resetTo, err := number(state, "counter_reset_to", 0)
		if err != nil {
			return err
		}
		if value >= resetAt {
			value = resetTo
		}
	}
	state["counter"] = value
	return nil
}

func moveInDirection(state map[string]any, _ *runner.AgentContext) error {
	pos, err := vector(state, batch.PositionField)
	if err != nil {
		return err
	}
	dir, err := vector(state, batch.DirectionField)
	if err != nil {
		return err
	}
	if pos == nil || dir == nil {
		return nil
	}
	next := make([]any, len(pos))
	for i := range pos {
		if i < len(dir) {
			pos[i] += dir[i]
		}
		next[i] = pos[i]
	}
	state[batch.PositionField] = next
	return nil
}

func removeSelf(state map[string]any, _ *runner.AgentContext) error {
	send(state, "remove_agent", map[string]any{"agent_id": state[batch.AgentIDField]})
	return nil
}

// createAgents sends a create_agent message for every agent queued under
// state.agents, which may be a list or an object of agents, then clears it.
func createAgents(state map[string]any, _ *runner.AgentContext) error {
	switch queued := state["agents"].(type) {
	case nil:
		return nil
	case []any:
		for _, a := range queued {
			send(state, "create_agent", a)
		}
	case map[string]any:
		keys := make([]string, 0, len(queued))
		for k := range queued {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			send(state, "create_agent", queued[k])
		}
	default:
		return fmt.Errorf("agents must be a list or an object, got %T", queued)
	}
	state["agents"] = map[string]any{}
	return nil
}
