package mapping

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustSpec(t *testing.T, raw string) *Spec {
	t.Helper()
	var s Spec
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	return &s
}

func TestApplyNilSpecIsIdentity(t *testing.T) {
	e := New()
	src := map[string]any{"a": map[string]any{"b": 1}}
	out, trace, err := e.Apply(nil, src)
	require.NoError(t, err)
	require.Nil(t, trace)
	require.Equal(t, src, out)
	out["a"].(map[string]any)["b"] = 2
	require.Equal(t, 1, src["a"].(map[string]any)["b"], "expected deep copy")
}

func TestApplyConstantAndJSONPath(t *testing.T) {
	e := New()
	spec := mustSpec(t, `[
		{"key":"uid","jsonPath":"$.u.id"},
		{"key":"msg","constant":"hi"}
	]`)
	src := map[string]any{"u": map[string]any{"id": float64(42), "name": "Bob"}}
	out, trace, err := e.Apply(spec, src)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"uid": float64(42), "msg": "hi"}, out)
	require.Len(t, trace, 2)
	for _, step := range trace {
		require.True(t, step.Success)
	}
}

func TestApplyPreserve(t *testing.T) {
	e := New()
	src := map[string]any{"a": "x", "b": "y"}

	all := mustSpec(t, `{"rules":[{"key":"c","constant":1}],"preserve":{"mode":"all"}}`)
	out, _, err := e.Apply(all, src)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": "x", "b": "y", "c": float64(1)}, out)

	some := mustSpec(t, `{"rules":[],"preserve":{"mode":"some","keys":["b"]}}`)
	out, _, err = e.Apply(some, src)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"b": "y"}, out)
}

func TestApplyDottedKeyCreatesIntermediates(t *testing.T) {
	e := New()
	spec := mustSpec(t, `[{"key":"a.b.c","constant":true}]`)
	out, _, err := e.Apply(spec, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": map[string]any{"b": map[string]any{"c": true}}}, out)
}

func TestMergeStrategies(t *testing.T) {
	e := New()
	spec := mustSpec(t, `[
		{"key":"x","constant":1},
		{"key":"x","constant":2,"mergeStrategy":"ignore"}
	]`)
	out, _, err := e.Apply(spec, nil)
	require.NoError(t, err)
	require.Equal(t, float64(1), out["x"], "ignore keeps existing value")

	t.Run("append", func(t *testing.T) {
		spec := mustSpec(t, `[
			{"key":"xs","constant":[1]},
			{"key":"xs","constant":2,"mergeStrategy":"append"}
		]`)
		out, _, err := e.Apply(spec, nil)
		require.NoError(t, err)
		require.Equal(t, []any{float64(1), float64(2)}, out["xs"])
	})

	t.Run("append on scalar falls back to overwrite", func(t *testing.T) {
		spec := mustSpec(t, `[
			{"key":"xs","constant":"scalar"},
			{"key":"xs","constant":2,"mergeStrategy":"append"}
		]`)
		out, _, err := e.Apply(spec, nil)
		require.NoError(t, err)
		require.Equal(t, float64(2), out["xs"])
	})

	t.Run("merge objects", func(t *testing.T) {
		spec := mustSpec(t, `[
			{"key":"o","constant":{"a":1}},
			{"key":"o","constant":{"b":2},"mergeStrategy":"merge"}
		]`)
		out, _, err := e.Apply(spec, nil)
		require.NoError(t, err)
		require.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, out["o"])
	})

	t.Run("merge on non-object falls back to overwrite", func(t *testing.T) {
		spec := mustSpec(t, `[
			{"key":"o","constant":7},
			{"key":"o","constant":{"b":2},"mergeStrategy":"merge"}
		]`)
		out, _, err := e.Apply(spec, nil)
		require.NoError(t, err)
		require.Equal(t, map[string]any{"b": float64(2)}, out["o"])
	})
}

func TestApplyOutputMergesOverContext(t *testing.T) {
	e := New()
	outSpec := mustSpec(t, `[{"key":"c","jsonPath":"$._ran"}]`)
	context := map[string]any{"u": map[string]any{"id": float64(42), "name": "Bob"}, "uid": float64(42), "msg": "hi"}
	raw := map[string]any{"_ran": "tool::echo"}
	merged, _, err := e.ApplyOutput(outSpec, context, raw)
	require.NoError(t, err)
	require.Equal(t, "tool::echo", merged["c"])
	require.Contains(t, merged, "u")
}

func TestApplyOutputNilSpecMergesRaw(t *testing.T) {
	e := New()
	merged, _, err := e.ApplyOutput(nil, map[string]any{"a": 1}, map[string]any{"b": 2})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": 1, "b": 2}, merged)
}

func TestApplyForItemInjectsItem(t *testing.T) {
	e := New()
	spec := mustSpec(t, `[{"key":"n","jsonPath":"$.item"}]`)
	out, _, err := e.ApplyForItem(spec, map[string]any{"base": true}, "item", float64(3))
	require.NoError(t, err)
	require.Equal(t, float64(3), out["n"])

	// nil spec yields the injected context itself.
	out, _, err = e.ApplyForItem(nil, map[string]any{"base": true}, "item", float64(3))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"base": true, "item": float64(3)}, out)
}

func TestTemplateAndExprRules(t *testing.T) {
	e := New()
	spec := mustSpec(t, `[
		{"key":"greeting","template":"hello {{.name}}"},
		{"key":"double","transform":"{{.n}}{{.n}}"}
	]`)
	out, _, err := e.Apply(spec, map[string]any{"name": "Ada", "n": float64(4)})
	require.NoError(t, err)
	require.Equal(t, "hello Ada", out["greeting"])
	require.Equal(t, float64(44), out["double"], "expr result re-parsed as JSON scalar")
}

func TestSubMappingAndFormField(t *testing.T) {
	e := New()
	spec := mustSpec(t, `[
		{"key":"nested","subMappings":[{"key":"id","jsonPath":"$.u.id"}]},
		{"key":"form","formField":{"name":"user","source":"$.u.name"}}
	]`)
	out, _, err := e.Apply(spec, map[string]any{"u": map[string]any{"id": float64(1), "name": "Bob"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"id": float64(1)}, out["nested"])
	require.Equal(t, map[string]any{"user": "Bob"}, out["form"])
}

func TestRuleFailureRecordedNotFatal(t *testing.T) {
	e := New()
	spec := mustSpec(t, `[
		{"key":"bad","jsonPath":"$[not valid"},
		{"key":"ok","constant":1}
	]`)
	out, trace, err := e.Apply(spec, nil)
	require.NoError(t, err)
	require.Equal(t, float64(1), out["ok"])
	require.Len(t, trace, 2)
	require.False(t, trace[0].Success)
	require.NotEmpty(t, trace[0].Error)
}

func TestStrictModeAborts(t *testing.T) {
	e := New(WithStrict())
	spec := mustSpec(t, `[{"key":"bad","jsonPath":"$[not valid"}]`)
	_, _, err := e.Apply(spec, nil)
	require.Error(t, err)
}

func TestConditionSkipsRule(t *testing.T) {
	e := New()
	spec := mustSpec(t, `[
		{"key":"a","constant":1,"condition":"$.flag"},
		{"key":"b","constant":2,"condition":"$.missing"}
	]`)
	out, _, err := e.Apply(spec, map[string]any{"flag": true})
	require.NoError(t, err)
	require.Equal(t, float64(1), out["a"])
	require.NotContains(t, out, "b")
}

func TestApplyDeterministicAndIdempotent(t *testing.T) {
	e := New()
	spec := mustSpec(t, `[
		{"key":"uid","jsonPath":"$.u.id"},
		{"key":"msg","constant":"hi"},
		{"key":"pair","constant":true,"dependsOn":["uid","msg"]}
	]`)
	src := map[string]any{"u": map[string]any{"id": float64(9)}}
	first, _, err := e.Apply(spec, src)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, _, err := e.Apply(spec, src)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}
