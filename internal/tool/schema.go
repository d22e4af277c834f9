package tool

import (
	"fmt"
	"strings"
)

// Schema is the structural subset of JSON Schema the registry understands.
// It covers typed properties with required fields, enums, and numeric or
// string-length bounds, which is enough to gate arguments before a handler
// ever runs.
type Schema struct {
	Type       string             `json:"type"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []string           `json:"enum,omitempty"`
	Minimum    *float64           `json:"minimum,omitempty"`
	Maximum    *float64           `json:"maximum,omitempty"`
	MinLength  *int               `json:"minLength,omitempty"`
	Description string            `json:"description,omitempty"`
}

// ObjectSchema is a shorthand for the common case of an object with
// required top-level properties.
func ObjectSchema(properties map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: properties, Required: required}
}

func StringSchema(desc string) *Schema  { return &Schema{Type: "string", Description: desc} }
func NumberSchema(desc string) *Schema  { return &Schema{Type: "number", Description: desc} }
func IntegerSchema(desc string) *Schema { return &Schema{Type: "integer", Description: desc} }
func BooleanSchema(desc string) *Schema { return &Schema{Type: "boolean", Description: desc} }

func (s *Schema) WithEnum(values ...string) *Schema {
	s.Enum = values
	return s
}

func (s *Schema) WithMinimum(min float64) *Schema {
	s.Minimum = &min
	return s
}

func (s *Schema) WithMaximum(max float64) *Schema {
	s.Maximum = &max
	return s
}

func (s *Schema) WithMinLength(n int) *Schema {
	s.MinLength = &n
	return s
}

// Validate checks a decoded JSON value against the schema. Paths in error
// messages use dotted notation rooted at the argument object.
func (s *Schema) Validate(value any) error {
	return s.validate("$", value)
}

func (s *Schema) validate(path string, value any) error {
	if s == nil {
		return nil
	}
	switch s.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object, got %s", path, typeName(value))
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("%s: missing required property %q", path, req)
			}
		}
		for name, prop := range s.Properties {
			v, present := obj[name]
			if !present {
				continue
			}
			if err := prop.validate(path+"."+name, v); err != nil {
				return err
			}
		}
		return nil
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array, got %s", path, typeName(value))
		}
		for i, item := range arr {
			if err := s.Items.validate(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
		return nil
	case "string":
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %s", path, typeName(value))
		}
		if s.MinLength != nil && len(str) < *s.MinLength {
			return fmt.Errorf("%s: length %d below minimum %d", path, len(str), *s.MinLength)
		}
		if len(s.Enum) > 0 && !contains(s.Enum, str) {
			return fmt.Errorf("%s: %q not one of [%s]", path, str, strings.Join(s.Enum, ", "))
		}
		return nil
	case "number", "integer":
		num, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%s: expected %s, got %s", path, s.Type, typeName(value))
		}
		if s.Type == "integer" && num != float64(int64(num)) {
			return fmt.Errorf("%s: expected integer, got %v", path, num)
		}
		if s.Minimum != nil && num < *s.Minimum {
			return fmt.Errorf("%s: %v below minimum %v", path, num, *s.Minimum)
		}
		if s.Maximum != nil && num > *s.Maximum {
			return fmt.Errorf("%s: %v above maximum %v", path, num, *s.Maximum)
		}
		return nil
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %s", path, typeName(value))
		}
		return nil
	case "":
		return nil
	default:
		return fmt.Errorf("%s: unsupported schema type %q", path, s.Type)
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
