package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lit(v any) Constant { return Constant{Value: v} }

func refC(path string) Constant { return Constant{Value: Placeholder(path)} }

// =============================================================================
// Evaluate
// =============================================================================

func TestEvaluate_MixedAndOr(t *testing.T) {
	// a == 1 and b < 2 or c >= 3
	cond := Or{Values: []Condition{
		And{Values: []Condition{
			Binary{Lhs: refC("a"), Op: OpEq, Rhs: lit(1)},
			Binary{Lhs: refC("b"), Op: OpLt, Rhs: lit(2)},
		}},
		Binary{Lhs: refC("c"), Op: OpGte, Rhs: lit(3)},
	}}
	resolved, err := ResolveReferences(cond, map[string]any{"a": 1, "b": 1, "c": 0})
	require.NoError(t, err)
	got, err := EvaluateBool(resolved)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluate_AndOrEvaluateEveryOperand(t *testing.T) {
	bad := Binary{Lhs: lit("text"), Op: OpGt, Rhs: lit(1)}

	_, err := Evaluate(And{Values: []Condition{lit(false), bad}})
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr, "an already false and still evaluates later operands")
	assert.Equal(t, ">", evalErr.Op)

	_, err = Evaluate(Or{Values: []Condition{lit(true), bad}})
	require.ErrorAs(t, err, &evalErr, "an already true or still evaluates later operands")

	_, err = Evaluate(And{Values: []Condition{
		Binary{Lhs: lit(nil), Op: OpIn, Rhs: lit(nil)},
		bad,
	}})
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "in", evalErr.Op, "the first error is reported")
}

func TestEvaluate_Operators(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
		want any
	}{
		{"int equals float", Binary{Lhs: lit(2), Op: OpEq, Rhs: lit(2.0)}, true},
		{"int64 equals int", Binary{Lhs: lit(int64(2)), Op: OpEq, Rhs: lit(2)}, true},
		{"string not equal", Binary{Lhs: lit("a"), Op: OpNeq, Rhs: lit("b")}, true},
		{"none equals none", Binary{Lhs: lit(nil), Op: OpEq, Rhs: lit(nil)}, true},
		{"none not equal zero", Binary{Lhs: lit(nil), Op: OpEq, Rhs: lit(0)}, false},
		{"list equality", Binary{Lhs: lit([]any{"a"}), Op: OpEq, Rhs: lit([]any{"a"})}, true},
		{"number order", Binary{Lhs: lit(3.5), Op: OpGt, Rhs: lit(int64(3))}, true},
		{"string order", Binary{Lhs: lit("abc"), Op: OpLt, Rhs: lit("abd")}, true},
		{"lte equal", Binary{Lhs: lit(4), Op: OpLte, Rhs: lit(4)}, true},
		{"in list", Binary{Lhs: lit(2), Op: OpIn, Rhs: lit([]any{int64(1), int64(2)})}, true},
		{"in string", Binary{Lhs: lit("ell"), Op: OpIn, Rhs: lit("hello")}, true},
		{"in map keys", Binary{Lhs: lit("k"), Op: OpIn, Rhs: lit(map[string]any{"k": 1})}, true},
		{"in typed slice", Binary{Lhs: lit("b"), Op: OpIn, Rhs: lit([]string{"a", "b"})}, true},
		{"not truthy", Unary{Op: OpNot, Expr: lit("")}, true},
		{"is none", Unary{Op: OpIsNone, Expr: lit(nil)}, true},
		{"is not none", Unary{Op: OpIsNotNone, Expr: lit(0)}, true},
		{"empty and", And{}, true},
		{"empty or", Or{}, false},
		{"constant passes through", lit(int64(7)), int64(7)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.cond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_Errors(t *testing.T) {
	tests := []struct {
		name string
		cond Condition
	}{
		{"order string and number", Binary{Lhs: lit("1"), Op: OpGt, Rhs: lit(0)}},
		{"order none", Binary{Lhs: lit(nil), Op: OpLt, Rhs: lit(1)}},
		{"in none", Binary{Lhs: lit(1), Op: OpIn, Rhs: lit(nil)}},
		{"in number", Binary{Lhs: lit(1), Op: OpIn, Rhs: lit(5)}},
		{"search string for number", Binary{Lhs: lit(1), Op: OpIn, Rhs: lit("15")}},
		{"unknown binary op", Binary{Lhs: lit(1), Op: BinaryOp("~"), Rhs: lit(1)}},
		{"unknown unary op", Unary{Op: UnaryOp("neg"), Expr: lit(1)}},
		{"nil condition", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.cond)
			var evalErr *EvaluationError
			assert.ErrorAs(t, err, &evalErr)
		})
	}
}

func TestTruthy(t *testing.T) {
	falsy := []any{nil, false, "", 0, int64(0), 0.0, []any{}, map[string]any{}, []string{}}
	for _, v := range falsy {
		assert.False(t, Truthy(v), "%#v", v)
	}
	truthy := []any{true, "x", 1, -1, 0.1, []any{nil}, map[string]any{"a": nil}, struct{}{}}
	for _, v := range truthy {
		assert.True(t, Truthy(v), "%#v", v)
	}
}

// =============================================================================
// ResolveReferences / String
// =============================================================================

func TestResolveReferences_SubstitutesPlaceholders(t *testing.T) {
	cond := And{Values: []Condition{
		Unary{Op: OpIsNotNone, Expr: refC("user['name']")},
		Binary{Lhs: refC("count"), Op: OpGt, Rhs: lit(0)},
		lit("literal"),
	}}
	resolved, err := ResolveReferences(cond, map[string]any{
		"user":  map[string]any{"name": "ann"},
		"count": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, And{Values: []Condition{
		Unary{Op: OpIsNotNone, Expr: lit("ann")},
		Binary{Lhs: lit(3), Op: OpGt, Rhs: lit(0)},
		lit("literal"),
	}}, resolved)

	_, err = ResolveReferences(cond, map[string]any{"count": 1})
	assert.True(t, IsReferenceError(err, RefErrMissingVariable))
}

func TestConditionReferences(t *testing.T) {
	cond := Or{Values: []Condition{
		Binary{Lhs: refC("b['x']"), Op: OpIn, Rhs: lit([]any{"{{ a }}"})},
		Unary{Op: OpNot, Expr: refC("b")},
	}}
	refs, err := ConditionReferences(cond)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, refs)
}

func TestCondition_String(t *testing.T) {
	cond := Or{Values: []Condition{
		And{Values: []Condition{
			Binary{Lhs: refC("a"), Op: OpEq, Rhs: lit(int64(1))},
			Unary{Op: OpIsNone, Expr: refC("b")},
		}},
		Unary{Op: OpNot, Expr: Binary{Lhs: lit("x"), Op: OpIn, Rhs: refC("c")}},
	}}
	assert.Equal(t, `(a == 1 and b is None) or not ("x" in c)`, cond.String())
}
