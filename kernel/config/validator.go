package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nmxmxh/simkernel/kernel/threads/runner"
)

// Validator checks agents against behavior keys and globals against the
// manifest's globals_schema. Schemas are compiled once per run.
type Validator struct {
	behaviors map[string]*jsonschema.Schema
}

func compileSchema(url string, schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// NewValidator compiles a schema for every behavior that declares keys
func NewValidator(behaviors *runner.BehaviorMap) (*Validator, error) {
	v := &Validator{behaviors: make(map[string]*jsonschema.Schema)}
	if behaviors == nil {
		return v, nil
	}
	for _, b := range behaviors.All() {
		if b.KeysSource == nil {
			continue
		}
		keys, err := b.ParseKeys()
		if err != nil {
			return nil, err
		}
		schema, err := compileSchema("mem://behaviors/"+b.Name+".json", keys.JSONSchema())
		if err != nil {
			return nil, fmt.Errorf("compile keys of %s: %w", b.Name, err)
		}
		v.behaviors[b.Name] = schema
	}
	return v, nil
}

// ValidateAgent checks agent against the keys of behavior. Behaviors
// without keys accept anything.
func (v *Validator) ValidateAgent(behavior string, agent map[string]any) error {
	schema, ok := v.behaviors[behavior]
	if !ok {
		return nil
	}
	if err := schema.Validate(any(agent)); err != nil {
		return fmt.Errorf("agent does not match keys of %s: %w", behavior, err)
	}
	return nil
}

// ValidateGlobals checks globals against a JSON schema. A nil schema
// accepts anything.
func ValidateGlobals(schema, globals map[string]any) error {
	if schema == nil {
		return nil
	}
	compiled, err := compileSchema("mem://globals.schema.json", schema)
	if err != nil {
		return fmt.Errorf("%w: globals_schema: %v", ErrInvalidManifest, err)
	}
	if globals == nil {
		globals = map[string]any{}
	}
	if err := compiled.Validate(any(globals)); err != nil {
		return fmt.Errorf("globals: %w", err)
	}
	return nil
}
