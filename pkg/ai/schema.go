package ai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrSchemaMismatch is returned when a structured response does not satisfy its schema.
var ErrSchemaMismatch = errors.New("structured response does not match schema")

// Schema names a JSON Schema document used for constrained generation.
type Schema struct {
	Name       string
	Definition map[string]any
}

// ObjectSchema builds a closed object schema (additionalProperties false).
// props maps property names to their JSON Schema fragments.
func ObjectSchema(name string, props map[string]any, required ...string) Schema {
	if required == nil {
		required = []string{}
	}
	return Schema{
		Name: name,
		Definition: map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		},
	}
}

// StringProp and friends are small helpers for building schema fragments.
func StringProp(description string) map[string]any {
	p := map[string]any{"type": "string"}
	if description != "" {
		p["description"] = description
	}
	return p
}

func StringArrayProp(description string) map[string]any {
	p := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	if description != "" {
		p["description"] = description
	}
	return p
}

// DecodeStructured validates raw against schema and then unmarshals it into out.
// Providers that ignore constrained decoding still go through this check, so a
// malformed document never reaches callers.
func DecodeStructured(raw json.RawMessage, schema Schema, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty document", ErrSchemaMismatch)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrSchemaMismatch)
	}
	if err := validateValue(doc, schema.Definition, "$"); err != nil {
		return fmt.Errorf("%w: %s", ErrSchemaMismatch, err.Error())
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func validateValue(v any, def map[string]any, path string) error {
	if def == nil {
		return nil
	}
	typ, _ := def["type"].(string)
	switch typ {
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object", path)
		}
		props, _ := def["properties"].(map[string]any)
		for _, name := range requiredNames(def["required"]) {
			if _, ok := obj[name]; !ok {
				return fmt.Errorf("%s: missing required field %q", path, name)
			}
		}
		closed := false
		if ap, ok := def["additionalProperties"].(bool); ok && !ap {
			closed = true
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			propDef, known := props[k].(map[string]any)
			if !known {
				if closed {
					return fmt.Errorf("%s: unexpected field %q", path, k)
				}
				continue
			}
			if err := validateValue(obj[k], propDef, path+"."+k); err != nil {
				return err
			}
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array", path)
		}
		items, _ := def["items"].(map[string]any)
		for i, item := range arr {
			if err := validateValue(item, items, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case "string":
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%s: expected string", path)
		}
		if enum, ok := def["enum"].([]string); ok && len(enum) > 0 {
			for _, e := range enum {
				if e == s {
					return nil
				}
			}
			return fmt.Errorf("%s: value %q not in [%s]", path, s, strings.Join(enum, ", "))
		}
	case "integer":
		n, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("%s: expected integer", path)
		}
		if _, err := n.Int64(); err != nil {
			return fmt.Errorf("%s: expected integer", path)
		}
	case "number":
		if _, ok := v.(json.Number); !ok {
			return fmt.Errorf("%s: expected number", path)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected boolean", path)
		}
	}
	return nil
}

func requiredNames(v any) []string {
	switch r := v.(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, item := range r {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// stripAdditionalProperties returns a deep copy of def without any
// additionalProperties keys. Gemini rejects the keyword.
func stripAdditionalProperties(def map[string]any) map[string]any {
	out := make(map[string]any, len(def))
	for k, v := range def {
		if k == "additionalProperties" {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			out[k] = stripAdditionalProperties(val)
		case []any:
			items := make([]any, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					items[i] = stripAdditionalProperties(m)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
