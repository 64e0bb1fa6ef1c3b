package route

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/kbukum/etlkit/record"
)

// Operator is a comparison applied to a record field.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpIn         Operator = "in"
	OpNotIn      Operator = "nin"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
	OpExists     Operator = "exists"
	OpNotExists  Operator = "notExists"
	OpRegex      Operator = "regex"
)

var operators = []Operator{
	OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn,
	OpContains, OpStartsWith, OpEndsWith, OpExists, OpNotExists, OpRegex,
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool { return slices.Contains(operators, op) }

// Condition compares the value at Field (a dotted path) with Value.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    any      `yaml:"value,omitempty" json:"value,omitempty"`
}

// Validate checks the condition without evaluating it.
func (c Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("route: condition field is required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("route: unknown operator %q", c.Operator)
	}
	switch c.Operator {
	case OpIn, OpNotIn:
		if _, ok := c.Value.([]any); !ok {
			return fmt.Errorf("route: operator %s needs a list value", c.Operator)
		}
	case OpRegex:
		s, ok := c.Value.(string)
		if !ok {
			return fmt.Errorf("route: regex value must be a string")
		}
		if _, err := compile(s); err != nil {
			return fmt.Errorf("route: invalid regex %q: %w", s, err)
		}
	}
	return nil
}

// Evaluate reports whether rec satisfies the condition. Type mismatches
// evaluate to false.
func (c Condition) Evaluate(rec *record.Record) bool {
	actual, found := rec.Lookup(c.Field)
	switch c.Operator {
	case OpExists:
		return found && actual != nil
	case OpNotExists:
		return !found || actual == nil
	}
	if !found {
		return c.Operator == OpNe || c.Operator == OpNotIn
	}

	switch c.Operator {
	case OpEq:
		return equals(actual, c.Value)
	case OpNe:
		return !equals(actual, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		return compare(actual, c.Value, c.Operator)
	case OpIn:
		return inList(actual, c.Value)
	case OpNotIn:
		return !inList(actual, c.Value)
	case OpContains:
		if list, ok := actual.([]any); ok {
			return inList(c.Value, list)
		}
		return strings.Contains(toString(actual), toString(c.Value))
	case OpStartsWith:
		return strings.HasPrefix(toString(actual), toString(c.Value))
	case OpEndsWith:
		return strings.HasSuffix(toString(actual), toString(c.Value))
	case OpRegex:
		re, err := compile(toString(c.Value))
		return err == nil && re.MatchString(toString(actual))
	}
	return false
}

var regexCache sync.Map

func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func toString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func equals(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf
		}
	}
	switch l := left.(type) {
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	case string:
		return l == toString(right)
	}
	return toString(left) == toString(right)
}

func compare(left, right any, op Operator) bool {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			switch op {
			case OpGt:
				return lf > rf
			case OpGte:
				return lf >= rf
			case OpLt:
				return lf < rf
			case OpLte:
				return lf <= rf
			}
		}
		return false
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return false
	}
	switch op {
	case OpGt:
		return ls > rs
	case OpGte:
		return ls >= rs
	case OpLt:
		return ls < rs
	case OpLte:
		return ls <= rs
	}
	return false
}

func inList(value, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equals(value, item) {
			return true
		}
	}
	return false
}
