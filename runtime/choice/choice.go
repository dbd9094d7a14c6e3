// Package choice evaluates the boolean logic trees attached to Choice states.
// A tree node is either a combinator (and/or/not) or a leaf comparing a
// JSONPath selection against a value.
package choice

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/ohler55/ojg/jp"
)

type (
	// Logic is a boolean expression tree. Exactly one of And, Or, Not or the
	// leaf triple (Variable, Operator, Value) must be populated.
	Logic struct {
		And []*Logic `json:"and,omitempty"`
		Or  []*Logic `json:"or,omitempty"`
		Not *Logic   `json:"not,omitempty"`

		// Variable is a JSONPath selecting the left-hand operand from the
		// context. The first match wins; no match selects null.
		Variable string `json:"variable,omitempty"`
		// Operator names the comparison applied at this leaf.
		Operator Operator `json:"operator,omitempty"`
		// Value is the right-hand operand for comparison operators. Type
		// predicates ignore it.
		Value any `json:"value,omitempty"`
	}

	// Operator identifies a leaf comparison.
	Operator string
)

const (
	Equals            Operator = "Equals"
	NotEquals         Operator = "NotEquals"
	GreaterThan       Operator = "GreaterThan"
	GreaterThanEquals Operator = "GreaterThanEquals"
	LessThan          Operator = "LessThan"
	LessThanEquals    Operator = "LessThanEquals"
	IsNull            Operator = "IsNull"
	IsString          Operator = "IsString"
	IsBoolean         Operator = "IsBoolean"
	IsNumeric         Operator = "IsNumeric"
)

// Evaluate computes the truth value of the logic tree against the context.
// And/Or short-circuit. A leaf with no variable or no operator is a hard
// error, as is a non-numeric operand to an ordering operator.
func Evaluate(l *Logic, context map[string]any) (bool, error) {
	if l == nil {
		return false, errors.New("choice logic is nil")
	}
	switch {
	case len(l.And) > 0:
		for _, child := range l.And {
			ok, err := Evaluate(child, context)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case len(l.Or) > 0:
		for _, child := range l.Or {
			ok, err := Evaluate(child, context)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case l.Not != nil:
		ok, err := Evaluate(l.Not, context)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return evaluateLeaf(l, context)
	}
}

func evaluateLeaf(l *Logic, context map[string]any) (bool, error) {
	if l.Variable == "" {
		return false, errors.New("choice leaf missing variable")
	}
	if l.Operator == "" {
		return false, fmt.Errorf("choice leaf %q missing operator", l.Variable)
	}
	expr, err := jp.ParseString(l.Variable)
	if err != nil {
		return false, fmt.Errorf("parse choice variable %q: %w", l.Variable, err)
	}
	operand := expr.First(context)

	switch l.Operator {
	case Equals:
		return looseEqual(operand, l.Value), nil
	case NotEquals:
		return !looseEqual(operand, l.Value), nil
	case GreaterThan, GreaterThanEquals, LessThan, LessThanEquals:
		left, ok := asFloat(operand)
		if !ok {
			return false, fmt.Errorf("operand of %q for %s is not numeric", l.Variable, l.Operator)
		}
		right, ok := asFloat(l.Value)
		if !ok {
			return false, fmt.Errorf("comparison value for %s is not numeric", l.Operator)
		}
		switch l.Operator {
		case GreaterThan:
			return left > right, nil
		case GreaterThanEquals:
			return left >= right, nil
		case LessThan:
			return left < right, nil
		default:
			return left <= right, nil
		}
	case IsNull:
		return operand == nil, nil
	case IsString:
		_, ok := operand.(string)
		return ok, nil
	case IsBoolean:
		_, ok := operand.(bool)
		return ok, nil
	case IsNumeric:
		_, ok := asFloat(operand)
		return ok, nil
	default:
		return false, fmt.Errorf("unknown choice operator %q", l.Operator)
	}
}

// looseEqual compares JSON values with numeric coercion so that JSON-decoded
// float64 values compare equal to integer literals. Objects and arrays
// compare structurally.
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	if _, bok := asFloat(b); bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
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
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
