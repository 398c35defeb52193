package foundation

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
)

// Access a task has to a part of the shared store
type Access uint8

const (
	AccessNone Access = iota
	AccessRead
	AccessWrite
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	default:
		return "none"
	}
}

// SharedStore names the state and context a task may touch. Groups limits
// state access to a subset of agent groups; nil means every group.
// Snapshot, when set, is read only.
type SharedStore struct {
	State         *batch.State
	StateAccess   Access
	Groups        []int
	Context       *batch.Context
	ContextAccess Access
	Snapshot      *batch.StateSnapshot
}

// WriteStore grants write access to all of state and read access to context
func WriteStore(state *batch.State, ctx *batch.Context) SharedStore {
	return SharedStore{State: state, StateAccess: AccessWrite, Context: ctx, ContextAccess: AccessRead}
}

// ReadStore grants read access to state and context
func ReadStore(state *batch.State, ctx *batch.Context) SharedStore {
	return SharedStore{State: state, StateAccess: AccessRead, Context: ctx, ContextAccess: AccessRead}
}

// Partial reports whether the store is limited to some groups
func (s SharedStore) Partial() bool {
	return s.Groups != nil
}

// GroupIndices resolves the groups the store covers
func (s SharedStore) GroupIndices() []int {
	if s.Groups != nil {
		return append([]int(nil), s.Groups...)
	}
	if s.State == nil || s.StateAccess == AccessNone {
		return nil
	}
	return s.State.Agents.All()
}

// Distribute splits the store into one partial store per worker of split
func (s SharedStore) Distribute(split SplitConfig) []SharedStore {
	stores := make([]SharedStore, 0, len(split.GroupsPerWorker))
	for _, groups := range split.GroupsPerWorker {
		part := s
		part.Groups = append([]int{}, groups...)
		stores = append(stores, part)
	}
	return stores
}

// SplitConfig assigns agent groups to workers
type SplitConfig struct {
	NumWorkers      int
	Workers         []int
	GroupsPerWorker [][]int
}

// DistributeBatches assigns group g to worker g % numWorkers. Workers that
// receive no group are left out.
func DistributeBatches(groups []int, numWorkers int) SplitConfig {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	perWorker := make([][]int, numWorkers)
	for i, g := range groups {
		w := i % numWorkers
		perWorker[w] = append(perWorker[w], g)
	}
	split := SplitConfig{}
	for w, gs := range perWorker {
		if len(gs) == 0 {
			continue
		}
		split.Workers = append(split.Workers, w)
		split.GroupsPerWorker = append(split.GroupsPerWorker, gs)
	}
	split.NumWorkers = len(split.Workers)
	return split
}

// CombineResults merges the results of the parts of a distributed task.
// Array payloads are concatenated. Object payloads are merged key by key:
// arrays concatenate, numbers add up, anything else keeps the last value.
func CombineResults(results []TaskResult) (TaskResult, error) {
	combined := TaskResult{Target: TargetMain}
	if len(results) == 0 {
		combined.Payload = json.RawMessage("null")
		return combined, nil
	}
	if len(results) == 1 {
		return results[0], nil
	}

	var (
		arrays  []any
		objects = map[string]any{}
		isArray bool
		isObj   bool
	)
	for i, r := range results {
		if r.Target != TargetMain {
			return TaskResult{}, fmt.Errorf("part %d of distributed task ended on %s, not main", i, r.Target)
		}
		var v any
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &v); err != nil {
				return TaskResult{}, fmt.Errorf("decode part %d: %w", i, err)
			}
		}
		switch val := v.(type) {
		case nil:
		case []any:
			isArray = true
			arrays = append(arrays, val...)
		case map[string]any:
			isObj = true
			mergeObject(objects, val)
		default:
			return TaskResult{}, fmt.Errorf("part %d of distributed task has scalar payload", i)
		}
	}
	if isArray && isObj {
		return TaskResult{}, fmt.Errorf("distributed task parts mix array and object payloads")
	}

	var out any = objects
	if isArray {
		out = arrays
	} else if !isObj {
		out = nil
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return TaskResult{}, err
	}
	combined.Payload = encoded
	return combined, nil
}

func mergeObject(dst, src map[string]any) {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := src[k]
		existing, ok := dst[k]
		if !ok {
			dst[k] = v
			continue
		}
		switch cur := existing.(type) {
		case []any:
			if more, ok := v.([]any); ok {
				dst[k] = append(cur, more...)
				continue
			}
		case float64:
			if n, ok := v.(float64); ok {
				dst[k] = cur + n
				continue
			}
		}
		dst[k] = v
	}
}
