package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeArray   Type = "array"
	TypeObject  Type = "object"
)

func (t Type) valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Field describes one property of a plugin's input or output object.
// Items applies to arrays; Properties to nested objects.
type Field struct {
	Name        string
	Type        Type
	Description string
	Required    bool
	Items       *Field
	Properties  []Field
	Enum        []any
	Default     any
}

// Schema is the static description of an object-shaped payload. It is the
// single source for both runtime validation and the tool definition sent to
// the model.
type Schema struct {
	Fields []Field
	// Open permits properties that are not declared.
	Open bool
}

func Object(fields ...Field) Schema { return Schema{Fields: fields} }

// JSONSchema derives the JSON-schema object. Properties keep declaration
// order when marshaled.
func (s Schema) JSONSchema() map[string]any {
	return objectSchema(s.Fields, s.Open)
}

func (s Schema) validate() error {
	return validateFields(s.Fields, "")
}

func validateFields(fields []Field, prefix string) error {
	seen := map[string]bool{}
	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return fmt.Errorf("field %sname is empty", prefix)
		}
		if seen[name] {
			return fmt.Errorf("duplicate field %s%s", prefix, name)
		}
		seen[name] = true
		if err := validateField(f, prefix+name); err != nil {
			return err
		}
	}
	return nil
}

func validateField(f Field, path string) error {
	if !f.Type.valid() {
		return fmt.Errorf("field %s: invalid type %q", path, f.Type)
	}
	if f.Type == TypeArray && f.Items != nil {
		if err := validateField(*f.Items, path+"[]"); err != nil {
			return err
		}
	}
	if f.Type == TypeObject {
		return validateFields(f.Properties, path+".")
	}
	return nil
}

func objectSchema(fields []Field, open bool) map[string]any {
	props := make(orderedProps, 0, len(fields))
	required := []string{}
	for _, f := range fields {
		props = append(props, prop{name: f.Name, schema: fieldSchema(f)})
		if f.Required {
			required = append(required, f.Name)
		}
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	if !open {
		out["additionalProperties"] = false
	}
	return out
}

func fieldSchema(f Field) map[string]any {
	if f.Type == TypeObject {
		out := objectSchema(f.Properties, len(f.Properties) == 0)
		if f.Description != "" {
			out["description"] = f.Description
		}
		return out
	}
	out := map[string]any{"type": string(f.Type)}
	if f.Description != "" {
		out["description"] = f.Description
	}
	if len(f.Enum) > 0 {
		out["enum"] = append([]any(nil), f.Enum...)
	}
	if f.Default != nil {
		out["default"] = f.Default
	}
	if f.Type == TypeArray && f.Items != nil {
		out["items"] = fieldSchema(*f.Items)
	}
	return out
}

type prop struct {
	name   string
	schema map[string]any
}

// orderedProps marshals as a JSON object whose keys follow declaration order.
type orderedProps []prop

func (p orderedProps) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.schema)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// PlainJSONSchema returns the schema with every nested value converted to
// plain maps and slices, for consumers that inspect it structurally.
func (s Schema) PlainJSONSchema() (map[string]any, error) {
	b, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func compileSchema(s Schema) (*jsonschema.Schema, error) {
	b, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// applyDefaults fills missing top-level fields that declare a default.
func applyDefaults(fields []Field, args map[string]any) {
	for _, f := range fields {
		if f.Default == nil {
			continue
		}
		if _, ok := args[f.Name]; !ok {
			args[f.Name] = f.Default
		}
	}
}

// normalize converts v into the generic shape produced by encoding/json, which
// is what the validator expects.
func normalize(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
