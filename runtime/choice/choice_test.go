package choice

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustLogic(t *testing.T, raw string) *Logic {
	t.Helper()
	var l Logic
	require.NoError(t, json.Unmarshal([]byte(raw), &l))
	return &l
}

func TestLeafOperators(t *testing.T) {
	ctx := map[string]any{
		"x":    float64(1),
		"name": "bob",
		"flag": true,
	}
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"equals number", `{"variable":"$.x","operator":"Equals","value":1}`, true},
		{"equals string", `{"variable":"$.name","operator":"Equals","value":"bob"}`, true},
		{"not equals", `{"variable":"$.x","operator":"NotEquals","value":2}`, true},
		{"greater than", `{"variable":"$.x","operator":"GreaterThan","value":0}`, true},
		{"greater than equals", `{"variable":"$.x","operator":"GreaterThanEquals","value":1}`, true},
		{"less than", `{"variable":"$.x","operator":"LessThan","value":1}`, false},
		{"less than equals", `{"variable":"$.x","operator":"LessThanEquals","value":1}`, true},
		{"is null on missing", `{"variable":"$.ghost","operator":"IsNull"}`, true},
		{"is string", `{"variable":"$.name","operator":"IsString"}`, true},
		{"is boolean", `{"variable":"$.flag","operator":"IsBoolean"}`, true},
		{"is numeric", `{"variable":"$.x","operator":"IsNumeric"}`, true},
		{"is numeric on string", `{"variable":"$.name","operator":"IsNumeric"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(mustLogic(t, tc.raw), ctx)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCombinators(t *testing.T) {
	ctx := map[string]any{"x": float64(1)}
	and := mustLogic(t, `{"and":[
		{"variable":"$.x","operator":"Equals","value":1},
		{"variable":"$.x","operator":"GreaterThan","value":0}
	]}`)
	got, err := Evaluate(and, ctx)
	require.NoError(t, err)
	require.True(t, got)

	or := mustLogic(t, `{"or":[
		{"variable":"$.x","operator":"Equals","value":2},
		{"variable":"$.x","operator":"Equals","value":1}
	]}`)
	got, err = Evaluate(or, ctx)
	require.NoError(t, err)
	require.True(t, got)

	not := mustLogic(t, `{"not":{"variable":"$.x","operator":"Equals","value":2}}`)
	got, err = Evaluate(not, ctx)
	require.NoError(t, err)
	require.True(t, got)
}

func TestShortCircuit(t *testing.T) {
	// The second branch would error (non-numeric operand); short-circuit
	// must prevent it from being evaluated.
	ctx := map[string]any{"x": float64(1), "s": "str"}
	and := mustLogic(t, `{"and":[
		{"variable":"$.x","operator":"Equals","value":2},
		{"variable":"$.s","operator":"GreaterThan","value":1}
	]}`)
	got, err := Evaluate(and, ctx)
	require.NoError(t, err)
	require.False(t, got)

	or := mustLogic(t, `{"or":[
		{"variable":"$.x","operator":"Equals","value":1},
		{"variable":"$.s","operator":"GreaterThan","value":1}
	]}`)
	got, err = Evaluate(or, ctx)
	require.NoError(t, err)
	require.True(t, got)
}

func TestHardErrors(t *testing.T) {
	ctx := map[string]any{"s": "str"}

	_, err := Evaluate(&Logic{Operator: Equals, Value: 1}, ctx)
	require.Error(t, err, "missing variable")

	_, err = Evaluate(&Logic{Variable: "$.s"}, ctx)
	require.Error(t, err, "missing operator")

	_, err = Evaluate(mustLogic(t, `{"variable":"$.s","operator":"GreaterThan","value":1}`), ctx)
	require.Error(t, err, "non-numeric operand")

	_, err = Evaluate(mustLogic(t, `{"variable":"$.s","operator":"Frobnicate"}`), ctx)
	require.Error(t, err, "unknown operator")
}

func TestMissingVariableSelectsNull(t *testing.T) {
	got, err := Evaluate(mustLogic(t, `{"variable":"$.ghost","operator":"Equals","value":1}`), map[string]any{})
	require.NoError(t, err)
	require.False(t, got)
}

func TestEqualsStructuredOperands(t *testing.T) {
	ctx := map[string]any{
		"obj":  map[string]any{"x": float64(1), "y": []any{"a"}},
		"list": []any{float64(1), "two", true},
	}
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"equal objects", `{"variable":"$.obj","operator":"Equals","value":{"x":1,"y":["a"]}}`, true},
		{"unequal objects", `{"variable":"$.obj","operator":"Equals","value":{"x":2,"y":["a"]}}`, false},
		{"not equals object", `{"variable":"$.obj","operator":"NotEquals","value":{"x":1,"y":["a"]}}`, false},
		{"equal arrays", `{"variable":"$.list","operator":"Equals","value":[1,"two",true]}`, true},
		{"unequal arrays", `{"variable":"$.list","operator":"NotEquals","value":[1,"two"]}`, true},
		{"object vs number", `{"variable":"$.obj","operator":"Equals","value":3}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Evaluate(mustLogic(t, tc.raw), ctx)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
