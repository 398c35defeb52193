package runner

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
)

// Behavior is a named script run against agents
type Behavior struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	ShortNames []string `json:"shortnames"`
	Source     *string  `json:"behavior_src"`
	KeysSource *string  `json:"behavior_keys_src"`
}

// Language is inferred from the file extension of Name
func (b *Behavior) Language() (foundation.Language, error) {
	return foundation.LanguageFromPath(b.Name)
}

// SourceText returns the behavior source or "" for built-ins
func (b *Behavior) SourceText() string {
	if b.Source == nil {
		return ""
	}
	return *b.Source
}

// KeySpec declares one agent field a behavior reads or writes
type KeySpec struct {
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// BehaviorKeys is the decoded form of behavior_keys_src
type BehaviorKeys struct {
	Keys map[string]KeySpec `json:"keys"`
}

// ParseKeys decodes a behavior's key declaration. A behavior without one
// declares no keys.
func (b *Behavior) ParseKeys() (BehaviorKeys, error) {
	var keys BehaviorKeys
	if b.KeysSource == nil || *b.KeysSource == "" {
		return keys, nil
	}
	if err := json.Unmarshal([]byte(*b.KeysSource), &keys); err != nil {
		return keys, fmt.Errorf("behavior %s keys: %w", b.Name, err)
	}
	return keys, nil
}

// FieldSpecs converts declared keys into agent fields
func (k BehaviorKeys) FieldSpecs() ([]batch.RootFieldSpec, error) {
	names := make([]string, 0, len(k.Keys))
	for name := range k.Keys {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]batch.RootFieldSpec, 0, len(names))
	for _, name := range names {
		spec := k.Keys[name]
		ft, err := batch.ParseFieldType(spec.Type)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", name, err)
		}
		out = append(out, batch.RootFieldSpec{
			FieldSpec: batch.FieldSpec{Name: name, Type: ft, Nullable: true},
			Source:    batch.SourceKeys,
		})
	}
	return out, nil
}

var jsonSchemaTypes = map[string]string{
	"number":          "number",
	"integer":         "number",
	"float":           "number",
	"boolean":         "boolean",
	"bool":            "boolean",
	"string":          "string",
	"id":              "string",
	"uuid":            "string",
	"list":            "array",
	"array":           "array",
	"fixed_size_list": "array",
	"struct":          "object",
	"object":          "object",
}

// JSONSchema renders the keys as a JSON schema over agent objects
func (k BehaviorKeys) JSONSchema() map[string]any {
	props := make(map[string]any, len(k.Keys))
	for name, spec := range k.Keys {
		t, ok := jsonSchemaTypes[spec.Type]
		if !ok {
			props[name] = map[string]any{}
			continue
		}
		if spec.Nullable {
			props[name] = map[string]any{"type": []any{t, "null"}}
		} else {
			props[name] = map[string]any{"type": t}
		}
	}
	return map[string]any{"type": "object", "properties": props}
}

// BehaviorMap resolves behaviors by name or short name
type BehaviorMap struct {
	behaviors []*Behavior
	byName    map[string]int
}

// NewBehaviorMap indexes behaviors. Names and short names must be unique
// and every name must map to a runner language.
func NewBehaviorMap(behaviors []Behavior) (*BehaviorMap, error) {
	m := &BehaviorMap{byName: make(map[string]int)}
	for i := range behaviors {
		b := behaviors[i]
		if _, err := b.Language(); err != nil {
			return nil, fmt.Errorf("behavior %q: %w", b.Name, err)
		}
		for _, name := range append([]string{b.Name}, b.ShortNames...) {
			if _, ok := m.byName[name]; ok {
				return nil, fmt.Errorf("behavior name %q is used twice", name)
			}
			m.byName[name] = len(m.behaviors)
		}
		m.behaviors = append(m.behaviors, &b)
	}
	return m, nil
}

// Resolve finds a behavior by name or short name
func (m *BehaviorMap) Resolve(name string) (*Behavior, bool) {
	i, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return m.behaviors[i], true
}

func (m *BehaviorMap) Len() int {
	return len(m.behaviors)
}

// All returns the behaviors in registration order
func (m *BehaviorMap) All() []*Behavior {
	return append([]*Behavior(nil), m.behaviors...)
}

// FieldSpecs collects the fields declared by every behavior's keys
func (m *BehaviorMap) FieldSpecs() ([]batch.RootFieldSpec, error) {
	var out []batch.RootFieldSpec
	for _, b := range m.behaviors {
		keys, err := b.ParseKeys()
		if err != nil {
			return nil, err
		}
		specs, err := keys.FieldSpecs()
		if err != nil {
			return nil, fmt.Errorf("behavior %s: %w", b.Name, err)
		}
		out = append(out, specs...)
	}
	return out, nil
}
