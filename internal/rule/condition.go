package rule

import (
	"errors"
	"fmt"
	"strings"
)

// Op is a condition operator. The set is closed: conditions are data,
// not programs, so evaluation never runs arbitrary logic.
type Op string

const (
	OpEquals Op = "equals"
	OpGTE    Op = "gte"
	OpLTE    Op = "lte"
	OpAnd    Op = "and"
	OpOr     Op = "or"
	OpNot    Op = "not"
	OpIsNull Op = "is_null"
)

// Condition is a typed expression tree over fact payload fields.
//
// Leaf operators (equals, gte, lte, is_null) inspect a single field.
// Branch operators (and, or, not) combine children. Unknown operators
// fail validation; evaluation of an invalid tree is always false.
type Condition struct {
	Op       Op           `json:"op"`
	Field    string       `json:"field,omitempty"`
	Value    any          `json:"value,omitempty"`
	Children []*Condition `json:"children,omitempty"`
}

// Validate checks the tree against the closed operator set.
func (c *Condition) Validate() error {
	if c == nil {
		return errors.New("condition must not be nil")
	}
	switch c.Op {
	case OpEquals, OpGTE, OpLTE:
		if c.Field == "" {
			return fmt.Errorf("%s condition requires a field", c.Op)
		}
		if c.Value == nil {
			return fmt.Errorf("%s condition requires a value", c.Op)
		}
		if len(c.Children) != 0 {
			return fmt.Errorf("%s condition must not have children", c.Op)
		}
	case OpIsNull:
		if c.Field == "" {
			return errors.New("is_null condition requires a field")
		}
		if len(c.Children) != 0 {
			return errors.New("is_null condition must not have children")
		}
	case OpAnd, OpOr:
		if len(c.Children) == 0 {
			return fmt.Errorf("%s condition requires at least one child", c.Op)
		}
	case OpNot:
		if len(c.Children) != 1 {
			return errors.New("not condition requires exactly one child")
		}
	default:
		return fmt.Errorf("unknown condition operator %q", c.Op)
	}
	for _, child := range c.Children {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Eval evaluates the condition against a fact payload. Missing fields
// satisfy only is_null; comparisons against absent or non-comparable
// values are false.
func (c *Condition) Eval(payload map[string]any) bool {
	if c == nil {
		return false
	}
	switch c.Op {
	case OpIsNull:
		v, ok := payload[c.Field]
		return !ok || v == nil
	case OpEquals:
		v, ok := payload[c.Field]
		if !ok {
			return false
		}
		if a, aok := asNumber(v); aok {
			if b, bok := asNumber(c.Value); bok {
				return a == b
			}
			return false
		}
		return v == c.Value
	case OpGTE:
		return compareNumeric(payload, c.Field, c.Value, func(a, b float64) bool { return a >= b })
	case OpLTE:
		return compareNumeric(payload, c.Field, c.Value, func(a, b float64) bool { return a <= b })
	case OpAnd:
		for _, child := range c.Children {
			if !child.Eval(payload) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range c.Children {
			if child.Eval(payload) {
				return true
			}
		}
		return false
	case OpNot:
		if len(c.Children) != 1 {
			return false
		}
		return !c.Children[0].Eval(payload)
	default:
		return false
	}
}

// String renders the condition for logs and operator displays.
func (c *Condition) String() string {
	if c == nil {
		return "<nil>"
	}
	switch c.Op {
	case OpEquals:
		return fmt.Sprintf("%s == %v", c.Field, c.Value)
	case OpGTE:
		return fmt.Sprintf("%s >= %v", c.Field, c.Value)
	case OpLTE:
		return fmt.Sprintf("%s <= %v", c.Field, c.Value)
	case OpIsNull:
		return fmt.Sprintf("%s is null", c.Field)
	case OpNot:
		if len(c.Children) == 1 {
			return fmt.Sprintf("not(%s)", c.Children[0])
		}
		return "not(?)"
	case OpAnd, OpOr:
		parts := make([]string, len(c.Children))
		for i, child := range c.Children {
			parts[i] = child.String()
		}
		return "(" + strings.Join(parts, fmt.Sprintf(" %s ", c.Op)) + ")"
	default:
		return string(c.Op)
	}
}

func compareNumeric(payload map[string]any, field string, want any, cmp func(a, b float64) bool) bool {
	v, ok := payload[field]
	if !ok {
		return false
	}
	a, ok := asNumber(v)
	if !ok {
		return false
	}
	b, ok := asNumber(want)
	if !ok {
		return false
	}
	return cmp(a, b)
}

// asNumber coerces JSON-decoded numeric kinds to float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
