package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nmxmxh/simkernel/kernel/threads/sab"
)

// State holds the agent batches of a run and, at the same indices, the
// message batches carrying each agent's outbound messages.
type State struct {
	Agents        *Pool
	Messages      *Pool
	AgentSchema   *Schema
	MessageSchema *Schema
}

// PrepareAgent fills engine fields a new agent may lack and strips the
// outbound message list, which lives in the message batch.
func PrepareAgent(agent map[string]any) map[string]any {
	out := make(map[string]any, len(agent)+2)
	for k, v := range agent {
		out[k] = v
	}
	if id, ok := out[AgentIDField].(string); !ok || id == "" {
		out[AgentIDField] = uuid.NewString()
	}
	out[BehaviorIndexField] = float64(0)
	delete(out, OutboundField)
	return out
}

// SplitGroups cuts agents into consecutive groups of at most size rows.
// There is always at least one group.
func SplitGroups(agents []map[string]any, size int) [][]map[string]any {
	if size <= 0 {
		size = len(agents)
	}
	var groups [][]map[string]any
	for start := 0; start < len(agents); start += size {
		end := min(start+size, len(agents))
		groups = append(groups, agents[start:end])
	}
	if len(groups) == 0 {
		groups = append(groups, nil)
	}
	return groups
}

// EmptyMessageRows returns one message row per agent with no messages
func EmptyMessageRows(agents []map[string]any) []map[string]any {
	rows := make([]map[string]any, len(agents))
	for i, a := range agents {
		rows[i] = map[string]any{MessageFromField: a[AgentIDField], MessageContentField: []any{}}
	}
	return rows
}

// NewState writes every group into fresh agent and message batches
func NewState(alloc sab.Allocator, base uuid.UUID, agentSchema, messageSchema *Schema, groups [][]map[string]any) (*State, error) {
	s := &State{
		Agents:        NewPool(),
		Messages:      NewPool(),
		AgentSchema:   agentSchema,
		MessageSchema: messageSchema,
	}
	for _, group := range groups {
		agents, err := NewBatchFromRows(alloc, base, agentSchema, group)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("agent batch: %w", err)
		}
		s.Agents.Push(agents)
		messages, err := NewBatchFromRows(alloc, base, messageSchema, EmptyMessageRows(group))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("message batch: %w", err)
		}
		s.Messages.Push(messages)
	}
	return s, nil
}

// GroupSizes returns the row count of every agent batch
func (s *State) GroupSizes(ctx context.Context) ([]int, error) {
	px, err := s.Agents.FullReadProxy(ctx)
	if err != nil {
		return nil, err
	}
	defer px.Release()
	sizes := make([]int, px.Len())
	for k := range sizes {
		sizes[k] = px.Batch(k).NumRows()
	}
	return sizes, nil
}

// NumAgents is the total number of agents across groups
func (s *State) NumAgents(ctx context.Context) (int, error) {
	sizes, err := s.GroupSizes(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, size := range sizes {
		n += size
	}
	return n, nil
}

// Snapshot copies the state into row maps. Hidden fields are left out.
func (s *State) Snapshot(ctx context.Context) (*StateSnapshot, error) {
	agents, err := s.Agents.FullReadProxy(ctx)
	if err != nil {
		return nil, err
	}
	defer agents.Release()
	messages, err := s.Messages.FullReadProxy(ctx)
	if err != nil {
		return nil, err
	}
	defer messages.Release()

	snap := &StateSnapshot{
		Agents:   make([][]map[string]any, agents.Len()),
		Messages: make([][]map[string]any, messages.Len()),
	}
	for k := 0; k < agents.Len(); k++ {
		if snap.Agents[k], err = agents.Batch(k).Rows(false); err != nil {
			return nil, err
		}
	}
	for k := 0; k < messages.Len(); k++ {
		if snap.Messages[k], err = messages.Batch(k).Rows(false); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// Close unlinks every agent and message batch
func (s *State) Close() error {
	return errors.Join(s.Agents.Close(), s.Messages.Close())
}

// StateSnapshot is a read-only copy of the state for context packages
type StateSnapshot struct {
	Agents   [][]map[string]any
	Messages [][]map[string]any
}

// AllAgents flattens the agent groups in order
func (s *StateSnapshot) AllAgents() []map[string]any {
	var out []map[string]any
	for _, g := range s.Agents {
		out = append(out, g...)
	}
	return out
}

// AllMessages flattens the message groups in order
func (s *StateSnapshot) AllMessages() []map[string]any {
	var out []map[string]any
	for _, g := range s.Messages {
		out = append(out, g...)
	}
	return out
}

// Context is the read-only view packages and runners get for one step.
// Row r of group g in Batch is at GroupStarts[g]+r.
type Context struct {
	Batch       *Batch
	GroupStarts []int
	Globals     map[string]any
	Datasets    map[string]any
	Step        int

	mu   sync.Mutex
	rows []map[string]any
}

// GroupRows returns the context rows of group g, n rows long. The rows
// are shared between callers and must not be modified.
func (c *Context) GroupRows(g, n int) ([]map[string]any, error) {
	rows := make([]map[string]any, n)
	if c.Batch == nil || g >= len(c.GroupStarts) {
		for i := range rows {
			rows[i] = map[string]any{}
		}
		return rows, nil
	}
	c.mu.Lock()
	if c.rows == nil {
		decoded, err := c.Batch.Rows(false)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.rows = decoded
	}
	all := c.rows
	c.mu.Unlock()

	start := c.GroupStarts[g]
	if start+n > len(all) {
		return nil, fmt.Errorf("%w: context has %d rows, group %d needs %d..%d", ErrSchemaMismatch, len(all), g, start, start+n)
	}
	copy(rows, all[start:start+n])
	return rows, nil
}
