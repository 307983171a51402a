package mapping

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpGt        Operator = "gt"
	OpLt        Operator = "lt"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpLt, OpExists, OpNotExists:
		return true
	default:
		return false
	}
}

func normalizeOperator(raw string) Operator {
	return Operator(strings.TrimSpace(strings.ToLower(raw)))
}

// Condition gates a rule on a value of the source record.
type Condition struct {
	FieldPath string   `json:"field_path" yaml:"field_path"`
	Operator  Operator `json:"operator" yaml:"operator"`
	Value     any      `json:"value,omitempty" yaml:"value,omitempty"`

	path Path
}

func (c Condition) validate() (Condition, error) {
	c.Operator = normalizeOperator(string(c.Operator))
	if !c.Operator.Valid() {
		return c, newMappingError(c.FieldPath, fmt.Sprintf("unsupported condition operator %q", c.Operator))
	}
	path, err := ParsePath(c.FieldPath)
	if err != nil {
		return c, err
	}
	c.path = path
	return c, nil
}

// Evaluate reports whether the condition holds for source. It never panics;
// comparisons between incompatible values are false.
func Evaluate(cond Condition, source any) bool {
	path := cond.path
	if path.IsZero() {
		parsed, err := ParsePath(cond.FieldPath)
		if err != nil {
			return false
		}
		path = parsed
	}
	actual := path.Get(source)

	switch normalizeOperator(string(cond.Operator)) {
	case OpExists:
		return !IsAbsent(actual)
	case OpNotExists:
		return IsAbsent(actual)
	case OpEq:
		return valuesEqual(actual, cond.Value)
	case OpNe:
		return !valuesEqual(actual, cond.Value)
	case OpGt:
		left, right, ok := numericPair(actual, cond.Value)
		return ok && left > right
	case OpLt:
		left, right, ok := numericPair(actual, cond.Value)
		return ok && left < right
	default:
		return false
	}
}

func valuesEqual(actual, expected any) bool {
	if IsAbsent(actual) {
		return false
	}
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	left, leftNumeric := numericValue(actual)
	right, rightNumeric := numericValue(expected)
	if leftNumeric || rightNumeric {
		return leftNumeric && rightNumeric && left == right
	}
	return reflect.DeepEqual(actual, expected)
}

func numericPair(left, right any) (float64, float64, bool) {
	l, ok := numericValue(left)
	if !ok {
		return 0, 0, false
	}
	r, ok := numericValue(right)
	if !ok {
		return 0, 0, false
	}
	return l, r, true
}

// numericValue accepts Go numeric kinds only; numeric strings and bools are
// not numbers here.
func numericValue(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case float32:
		return float64(typed), !math.IsNaN(float64(typed))
	case float64:
		return typed, !math.IsNaN(typed)
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}
