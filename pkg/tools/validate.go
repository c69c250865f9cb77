package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/opal-dev/opal/pkg/ai"
)

// validator caches compiled schemas per tool name. Tool schemas are static
// for the life of the process, so compiling once is enough.
type validator struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

var defaultValidator = &validator{schemas: make(map[string]*jsonschema.Schema)}

// ValidateArgs checks args against the tool's JSON Schema, coercing string
// arguments to the schema's declared type first. Models frequently emit
// numbers and booleans as strings; coercion keeps those calls usable.
func ValidateArgs(def ai.ToolDefinition, args map[string]any) (map[string]any, error) {
	return defaultValidator.validate(def, args)
}

func (v *validator) validate(def ai.ToolDefinition, args map[string]any) (map[string]any, error) {
	if len(def.Parameters) == 0 {
		return args, nil
	}
	schema, err := v.compile(def)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	coerced := coerceArgs(def.Parameters, args)
	if err := schema.Validate(toJSONValue(coerced)); err != nil {
		return nil, fmt.Errorf("invalid arguments for %s: %w", def.Name, err)
	}
	return coerced, nil
}

func (v *validator) compile(def ai.ToolDefinition) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemas[def.Name]; ok {
		return s, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(def.Parameters))
	if err != nil {
		return nil, fmt.Errorf("tool %s: parse schema: %w", def.Name, err)
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + def.Name + "/schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema: %w", def.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
	}
	v.schemas[def.Name] = schema
	return schema, nil
}

// coerceArgs converts string values to the property's declared type where
// the schema says number, integer, or boolean.
func coerceArgs(raw json.RawMessage, args map[string]any) map[string]any {
	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return args
	}
	out := make(map[string]any, len(args))
	for k, val := range args {
		prop, ok := schema.Properties[k]
		str, isStr := val.(string)
		if !ok || !isStr {
			out[k] = val
			continue
		}
		switch prop.Type {
		case "number":
			if f, err := strconv.ParseFloat(str, 64); err == nil {
				out[k] = f
				continue
			}
		case "integer":
			if n, err := strconv.ParseInt(str, 10, 64); err == nil {
				out[k] = n
				continue
			}
		case "boolean":
			if b, err := strconv.ParseBool(str); err == nil {
				out[k] = b
				continue
			}
		}
		out[k] = val
	}
	return out
}

// toJSONValue round-trips v through encoding/json so the validator sees
// plain JSON types (float64, not int64).
func toJSONValue(v map[string]any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return v
	}
	return doc
}
