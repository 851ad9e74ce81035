// Copyright 2025 MPCGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package contract

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// FieldType is the wire type a payload field must carry.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
	FieldBool   FieldType = "bool"
)

// FieldSpec describes one payload field: its type, whether it is required,
// the default applied when absent, and an optional extra constraint.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
	Default  interface{}
	Check    func(v interface{}) error
}

// PayloadSchema is a closed field set for a named payload shape. Fields not
// listed here are rejected.
type PayloadSchema struct {
	Name   string
	Fields []FieldSpec
}

// SchemaRegistry maps payload-schema names to their descriptors. Safe for
// concurrent use.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]PayloadSchema
}

// Schema names the gateway registers out of the box.
const (
	SchemaLLMRequestV1  = "llm.request.v1"
	SchemaLLMResponseV1 = "llm.response.v1"
)

// NewSchemaRegistry builds a registry pre-loaded with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[string]PayloadSchema)}
	r.mustRegister(llmRequestV1())
	r.mustRegister(llmResponseV1())
	return r
}

// Register adds or replaces a schema. The name must be non-empty and field
// names must be unique.
func (r *SchemaRegistry) Register(schema PayloadSchema) error {
	if schema.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	seen := make(map[string]bool, len(schema.Fields))
	for _, f := range schema.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s: field with empty name", schema.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s: duplicate field %q", schema.Name, f.Name)
		}
		seen[f.Name] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Name] = schema
	return nil
}

func (r *SchemaRegistry) mustRegister(schema PayloadSchema) {
	if err := r.Register(schema); err != nil {
		panic(err)
	}
}

// Get returns the schema registered under name.
func (r *SchemaRegistry) Get(name string) (PayloadSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// Names returns the registered schema names, sorted.
func (r *SchemaRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks payload against the named schema and returns a normalized
// copy with defaults applied. Unknown fields fail: payload schemas are
// closed sets.
func (r *SchemaRegistry) Validate(name string, payload map[string]interface{}) (map[string]interface{}, error) {
	schema, ok := r.Get(name)
	if !ok {
		return nil, &SchemaError{Schema: name, Reason: "unknown payload schema"}
	}

	index := make(map[string]FieldSpec, len(schema.Fields))
	for _, f := range schema.Fields {
		index[f.Name] = f
	}
	for key := range payload {
		if _, ok := index[key]; !ok {
			return nil, &SchemaError{Schema: name, Field: key, Reason: "unknown field"}
		}
	}

	normalized := make(map[string]interface{}, len(schema.Fields))
	for _, f := range schema.Fields {
		raw, present := payload[f.Name]
		if !present || raw == nil {
			if f.Required {
				return nil, &SchemaError{Schema: name, Field: f.Name, Reason: "required"}
			}
			if f.Default != nil {
				normalized[f.Name] = f.Default
			}
			continue
		}
		value, err := coerceField(f, raw)
		if err != nil {
			return nil, &SchemaError{Schema: name, Field: f.Name, Reason: err.Error()}
		}
		if f.Check != nil {
			if err := f.Check(value); err != nil {
				return nil, &SchemaError{Schema: name, Field: f.Name, Reason: err.Error()}
			}
		}
		normalized[f.Name] = value
	}
	return normalized, nil
}

// coerceField converts a decoded JSON value into the field's declared type.
// JSON numbers arrive as float64; integral floats are accepted for int
// fields.
func coerceField(f FieldSpec, raw interface{}) (interface{}, error) {
	switch f.Type {
	case FieldString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case FieldInt:
		n, ok := raw.(float64)
		if !ok || n != math.Trunc(n) {
			return nil, fmt.Errorf("expected integer, got %v", raw)
		}
		return int(n), nil
	case FieldFloat:
		n, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", raw)
		}
		return n, nil
	case FieldBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", raw)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("schema declares unsupported type %q", f.Type)
	}
}

func nonEmptyString(v interface{}) error {
	if strings.TrimSpace(v.(string)) == "" {
		return fmt.Errorf("must not be empty")
	}
	return nil
}

func intRange(min, max int) func(interface{}) error {
	return func(v interface{}) error {
		n := v.(int)
		if n < min || n > max {
			return fmt.Errorf("must be in [%d, %d]", min, max)
		}
		return nil
	}
}

func floatRange(min, max float64) func(interface{}) error {
	return func(v interface{}) error {
		n := v.(float64)
		if n < min || n > max {
			return fmt.Errorf("must be in [%g, %g]", min, max)
		}
		return nil
	}
}

func llmRequestV1() PayloadSchema {
	return PayloadSchema{
		Name: SchemaLLMRequestV1,
		Fields: []FieldSpec{
			{Name: "model", Type: FieldString, Default: "auto"},
			{Name: "prompt", Type: FieldString, Required: true, Check: nonEmptyString},
			{Name: "max_tokens", Type: FieldInt, Default: 1000, Check: intRange(1, 100000)},
			{Name: "temperature", Type: FieldFloat, Default: 0.7, Check: floatRange(0, 2)},
			{Name: "system_prompt", Type: FieldString},
			{Name: "user_id", Type: FieldString},
			{Name: "session_id", Type: FieldString},
		},
	}
}

func llmResponseV1() PayloadSchema {
	return PayloadSchema{
		Name: SchemaLLMResponseV1,
		Fields: []FieldSpec{
			{Name: "response", Type: FieldString, Required: true},
			{Name: "tokens", Type: FieldInt, Default: 0},
			{Name: "prompt_tokens", Type: FieldInt, Default: 0},
			{Name: "completion_tokens", Type: FieldInt, Default: 0},
			{Name: "finish_reason", Type: FieldString},
		},
	}
}
