package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Condition is a boolean expression tree evaluated by conditional nodes.
// Implementations are Constant, Unary, Binary, And and Or.
type Condition interface {
	fmt.Stringer
	condition()
}

// UnaryOp is the operator of a Unary condition.
type UnaryOp string

const (
	OpNot       UnaryOp = "not"
	OpIsNone    UnaryOp = "is_none"
	OpIsNotNone UnaryOp = "is_not_none"
)

// BinaryOp is the operator of a Binary condition.
type BinaryOp string

const (
	OpEq  BinaryOp = "=="
	OpNeq BinaryOp = "!="
	OpGt  BinaryOp = ">"
	OpLt  BinaryOp = "<"
	OpGte BinaryOp = ">="
	OpLte BinaryOp = "<="
	OpIn  BinaryOp = "in"
)

// Constant is a leaf value. A string value may hold {{ path }} placeholders
// that ResolveReferences substitutes before evaluation.
type Constant struct {
	Value any
}

// Unary applies a unary operator.
type Unary struct {
	Op   UnaryOp
	Expr Condition
}

// Binary compares two operands.
type Binary struct {
	Lhs Condition
	Op  BinaryOp
	Rhs Condition
}

// And is true when every operand is truthy.
type And struct {
	Values []Condition
}

// Or is true when any operand is truthy.
type Or struct {
	Values []Condition
}

func (Constant) condition() {}
func (Unary) condition()    {}
func (Binary) condition()   {}
func (And) condition()      {}
func (Or) condition()       {}

func (c Constant) String() string {
	switch v := c.Value.(type) {
	case nil:
		return "None"
	case bool:
		if v {
			return "True"
		}
		return "False"
	case string:
		if isWholePlaceholder(v) {
			return placeholderPath(v)
		}
		return fmt.Sprintf("%q", v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func (c Unary) String() string {
	switch c.Op {
	case OpIsNone:
		return fmt.Sprintf("%s is None", c.Expr)
	case OpIsNotNone:
		return fmt.Sprintf("%s is not None", c.Expr)
	default:
		return fmt.Sprintf("not (%s)", c.Expr)
	}
}

func (c Binary) String() string {
	return fmt.Sprintf("%s %s %s", c.Lhs, c.Op, c.Rhs)
}

func (c And) String() string { return joinConditions(c.Values, " and ") }
func (c Or) String() string  { return joinConditions(c.Values, " or ") }

func joinConditions(values []Condition, sep string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		switch v.(type) {
		case And, Or:
			parts[i] = "(" + v.String() + ")"
		default:
			parts[i] = v.String()
		}
	}
	return strings.Join(parts, sep)
}

// Evaluate computes the value of a condition tree. And and Or evaluate every
// operand before reducing, so an error in any operand is always reported.
func Evaluate(c Condition) (any, error) {
	switch n := c.(type) {
	case Constant:
		return n.Value, nil

	case Unary:
		v, err := Evaluate(n.Expr)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case OpNot:
			return !Truthy(v), nil
		case OpIsNone:
			return v == nil, nil
		case OpIsNotNone:
			return v != nil, nil
		default:
			return nil, &EvaluationError{Op: string(n.Op), Reason: "unknown unary operator"}
		}

	case Binary:
		lhs, err := Evaluate(n.Lhs)
		if err != nil {
			return nil, err
		}
		rhs, err := Evaluate(n.Rhs)
		if err != nil {
			return nil, err
		}
		return compare(lhs, n.Op, rhs)

	case And:
		values, err := evaluateAll(n.Values)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			if !Truthy(v) {
				return false, nil
			}
		}
		return true, nil

	case Or:
		values, err := evaluateAll(n.Values)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			if Truthy(v) {
				return true, nil
			}
		}
		return false, nil

	case nil:
		return nil, &EvaluationError{Op: "evaluate", Reason: "nil condition"}

	default:
		return nil, &EvaluationError{Op: "evaluate", Reason: fmt.Sprintf("unsupported condition %T", c)}
	}
}

// EvaluateBool evaluates c and reduces the result by truthiness.
func EvaluateBool(c Condition) (bool, error) {
	v, err := Evaluate(c)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func evaluateAll(values []Condition) ([]any, error) {
	out := make([]any, len(values))
	var firstErr error
	for i, v := range values {
		res, err := Evaluate(v)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		out[i] = res
	}
	return out, firstErr
}

// ResolveReferences returns a copy of c with every Constant resolved against
// vars.
func ResolveReferences(c Condition, vars map[string]any) (Condition, error) {
	switch n := c.(type) {
	case Constant:
		v, err := ResolveValue(n.Value, vars)
		if err != nil {
			return nil, err
		}
		return Constant{Value: v}, nil

	case Unary:
		expr, err := ResolveReferences(n.Expr, vars)
		if err != nil {
			return nil, err
		}
		return Unary{Op: n.Op, Expr: expr}, nil

	case Binary:
		lhs, err := ResolveReferences(n.Lhs, vars)
		if err != nil {
			return nil, err
		}
		rhs, err := ResolveReferences(n.Rhs, vars)
		if err != nil {
			return nil, err
		}
		return Binary{Lhs: lhs, Op: n.Op, Rhs: rhs}, nil

	case And:
		values, err := resolveAll(n.Values, vars)
		if err != nil {
			return nil, err
		}
		return And{Values: values}, nil

	case Or:
		values, err := resolveAll(n.Values, vars)
		if err != nil {
			return nil, err
		}
		return Or{Values: values}, nil

	default:
		return nil, &EvaluationError{Op: "resolve", Reason: fmt.Sprintf("unsupported condition %T", c)}
	}
}

func resolveAll(values []Condition, vars map[string]any) ([]Condition, error) {
	out := make([]Condition, len(values))
	for i, v := range values {
		r, err := ResolveReferences(v, vars)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// ConditionReferences lists the base variables referenced by c, in first
// occurrence order.
func ConditionReferences(c Condition) ([]string, error) {
	var refs []string
	seen := make(map[string]bool)
	var walk func(Condition) error
	walk = func(c Condition) error {
		switch n := c.(type) {
		case Constant:
			names, err := References(n.Value)
			if err != nil {
				return err
			}
			for _, name := range names {
				if !seen[name] {
					seen[name] = true
					refs = append(refs, name)
				}
			}
		case Unary:
			return walk(n.Expr)
		case Binary:
			if err := walk(n.Lhs); err != nil {
				return err
			}
			return walk(n.Rhs)
		case And:
			for _, v := range n.Values {
				if err := walk(v); err != nil {
					return err
				}
			}
		case Or:
			for _, v := range n.Values {
				if err := walk(v); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(c); err != nil {
		return nil, err
	}
	return refs, nil
}

// Truthy reduces a value to a boolean: nil, false, zero numbers, empty
// strings and empty containers are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case json.Number:
		f, err := val.Float64()
		return err != nil || f != 0
	}
	if f, ok := toFloat64(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func compare(lhs any, op BinaryOp, rhs any) (any, error) {
	switch op {
	case OpEq:
		return equal(lhs, rhs), nil
	case OpNeq:
		return !equal(lhs, rhs), nil
	case OpIn:
		return contains(rhs, lhs)
	case OpGt, OpLt, OpGte, OpLte:
		cmp, err := order(lhs, rhs, op)
		if err != nil {
			return nil, err
		}
		switch op {
		case OpGt:
			return cmp > 0, nil
		case OpLt:
			return cmp < 0, nil
		case OpGte:
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	default:
		return nil, &EvaluationError{Op: string(op), Reason: "unknown binary operator"}
	}
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func order(a, b any, op BinaryOp) (int, error) {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	return 0, &EvaluationError{
		Op:     string(op),
		Reason: fmt.Sprintf("cannot order %s and %s", typeName(a), typeName(b)),
	}
}

func contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case nil:
		return false, &EvaluationError{Op: string(OpIn), Reason: "right operand is None"}
	case string:
		s, ok := item.(string)
		if !ok {
			return false, &EvaluationError{Op: string(OpIn), Reason: fmt.Sprintf("cannot search string for %s", typeName(item))}
		}
		return strings.Contains(c, s), nil
	case []any:
		for _, el := range c {
			if equal(el, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, found := c[key]
		return found, nil
	}

	rv := reflect.ValueOf(container)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), item) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		key := reflect.ValueOf(item)
		if !key.IsValid() || !key.Type().AssignableTo(rv.Type().Key()) {
			return false, nil
		}
		return rv.MapIndex(key).IsValid(), nil
	}
	return false, &EvaluationError{Op: string(OpIn), Reason: fmt.Sprintf("%s is not a container", typeName(container))}
}

// toFloat64 converts numeric kinds, never strings.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func typeName(v any) string {
	if v == nil {
		return "None"
	}
	return reflect.TypeOf(v).String()
}
