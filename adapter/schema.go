package adapter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/kbukum/etlkit/errors"
)

// FieldType is the JSON type of a config field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
	TypeAny     FieldType = "any"
)

// Field describes one config setting.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Enum        []any     `json:"enum,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Schema describes the settings an adapter accepts.
type Schema struct {
	Fields []Field `json:"fields,omitempty"`
	// AllowUnknown accepts settings not listed in Fields.
	AllowUnknown bool `json:"allowUnknown,omitempty"`
}

// Validate checks settings against the schema. Missing required fields give
// MISSING_CONFIG; wrong types, enum violations and unknown keys give
// INVALID_CONFIG. Missing fields are reported first.
func (s Schema) Validate(settings map[string]any) error {
	var missing, invalid []string
	known := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		known[f.Name] = true
		v, ok := settings[f.Name]
		if !ok || v == nil {
			if f.Required {
				missing = append(missing, f.Name)
			}
			continue
		}
		if !matchesType(v, f.Type) {
			invalid = append(invalid, fmt.Sprintf("%s: expected %s, got %T", f.Name, f.Type, v))
			continue
		}
		if len(f.Enum) > 0 && !inEnum(v, f.Enum) {
			invalid = append(invalid, fmt.Sprintf("%s: %v is not one of %v", f.Name, v, f.Enum))
		}
	}
	if !s.AllowUnknown && len(s.Fields) > 0 {
		keys := make([]string, 0, len(settings))
		for k := range settings {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !known[k] {
				invalid = append(invalid, fmt.Sprintf("%s: unknown setting", k))
			}
		}
	}
	if len(missing) > 0 {
		return apperrors.MissingConfig(strings.Join(missing, ", ")).WithDetail("fields", missing)
	}
	if len(invalid) > 0 {
		return apperrors.InvalidConfig("", strings.Join(invalid, "; ")).WithDetail("fields", invalid)
	}
	return nil
}

func matchesType(v any, t FieldType) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64, json.Number, uint, uint32, uint64:
			return true
		}
		return false
	case TypeInteger:
		switch n := v.(type) {
		case int, int32, int64, uint, uint32, uint64:
			return true
		case float64:
			return n == float64(int64(n))
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

func inEnum(v any, enum []any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}
