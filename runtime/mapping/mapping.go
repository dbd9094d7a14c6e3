// Package mapping implements the rule pipeline that sits between workflow
// states and the shared execution context. An input mapping projects the
// context into the payload a state executes with; an output mapping folds the
// state's raw output back into the context.
//
// A mapping is an ordered list of rules. Each rule writes a single key into
// the accumulator using one of several value kinds (constant, JSONPath
// selection, template rendering, nested sub-mapping, form field) and a merge
// strategy that controls how the value combines with anything already present
// under that key. Rules may declare dependencies on other rules; the engine
// executes them in topological order and rejects cycles.
package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// Spec is the serialized form of a mapping: an ordered rule list plus an
	// optional preserve policy controlling which source keys flow through
	// unchanged. A bare JSON array decodes as the rule list with the default
	// preserve policy.
	Spec struct {
		// Rules are applied in topological order derived from DependsOn,
		// falling back to declaration order among independent rules.
		Rules []Rule `json:"rules"`
		// Preserve selects which source keys are copied into the result before
		// rules run. Nil means PreserveNone: only rule outputs appear.
		Preserve *Preserve `json:"preserve,omitempty"`
	}

	// Rule computes one value and writes it under Key. The rule kind is
	// implied by which payload field is set; exactly one must be.
	Rule struct {
		// Key is the destination, supporting dotted paths ("a.b.c") that
		// create intermediate objects.
		Key string `json:"key"`
		// Constant embeds a literal JSON value.
		Constant json.RawMessage `json:"constant,omitempty"`
		// JSONPath selects the first match of the expression from the source
		// document, defaulting to null when nothing matches.
		JSONPath string `json:"jsonPath,omitempty"`
		// Transform renders a template against the source and re-interprets
		// the result as a JSON scalar when possible.
		Transform string `json:"transform,omitempty"`
		// Template renders a template against the source into a string.
		Template string `json:"template,omitempty"`
		// SubMappings builds a nested object by running a child mapping
		// against the same source.
		SubMappings []Rule `json:"subMappings,omitempty"`
		// FormField builds a single form-style field object.
		FormField *FormField `json:"formField,omitempty"`

		// MergeStrategy controls how the computed value combines with an
		// existing value under Key. Empty means MergeOverwrite.
		MergeStrategy MergeStrategy `json:"mergeStrategy,omitempty"`
		// DependsOn lists keys of rules that must run before this one.
		DependsOn []string `json:"dependsOn,omitempty"`
		// Condition is a JSONPath evaluated against the source; when set and
		// the selection is missing or false the rule is skipped.
		Condition string `json:"condition,omitempty"`
	}

	// FormField describes a form-style field: the value is selected from the
	// source by JSONPath, falling back to Default when the selection is empty.
	FormField struct {
		Name     string          `json:"name"`
		Source   string          `json:"source,omitempty"`
		Default  json.RawMessage `json:"default,omitempty"`
		Required bool            `json:"required,omitempty"`
	}

	// Kind identifies how a rule computes its value.
	Kind string

	// MergeStrategy controls how a rule's value combines with an existing
	// value under the same key.
	MergeStrategy string

	// PreserveMode selects which source keys flow through unchanged.
	PreserveMode string

	// Preserve is the serialized preserve policy.
	Preserve struct {
		Mode PreserveMode `json:"mode"`
		Keys []string     `json:"keys,omitempty"`
	}

	// Step records the outcome of a single rule application. Failed rules do
	// not abort the pipeline unless the engine runs in strict mode.
	Step struct {
		Key     string
		Success bool
		Error   string
	}

	// Trace is the ordered list of per-rule outcomes for one Apply call.
	Trace []Step
)

const (
	// KindConstant embeds a literal value.
	KindConstant Kind = "constant"
	// KindJSONPath selects from the source document.
	KindJSONPath Kind = "jsonPath"
	// KindExpr renders a transform template and re-interprets the result.
	KindExpr Kind = "expr"
	// KindTemplate renders a template into a string.
	KindTemplate Kind = "template"
	// KindSubMapping runs a nested mapping.
	KindSubMapping Kind = "subMapping"
	// KindFormField builds a form-style field object.
	KindFormField Kind = "formField"
)

const (
	// MergeOverwrite sets the key unconditionally. This is the default, and
	// the fallback for Append/Merge when the existing value has an
	// incompatible shape.
	MergeOverwrite MergeStrategy = "overwrite"
	// MergeIgnore sets the key only if it is absent.
	MergeIgnore MergeStrategy = "ignore"
	// MergeAppend ensures the existing value is an array and pushes onto it.
	MergeAppend MergeStrategy = "append"
	// MergeMerge shallow-merges object fields when both sides are objects.
	MergeMerge MergeStrategy = "merge"
)

const (
	// PreserveAll copies every source key into the result before rules run.
	PreserveAll PreserveMode = "all"
	// PreserveNone starts from an empty accumulator.
	PreserveNone PreserveMode = "none"
	// PreserveSome copies only the listed keys.
	PreserveSome PreserveMode = "some"
)

// ErrCircularDependency reports a dependency cycle among mapping rules.
var ErrCircularDependency = errors.New("circular dependency among mapping rules")

// Kind derives the rule kind from whichever payload field is set. Returns an
// error when no payload field or more than one is set.
func (r *Rule) Kind() (Kind, error) {
	var kinds []Kind
	if len(r.Constant) > 0 {
		kinds = append(kinds, KindConstant)
	}
	if r.JSONPath != "" {
		kinds = append(kinds, KindJSONPath)
	}
	if r.Transform != "" {
		kinds = append(kinds, KindExpr)
	}
	if r.Template != "" {
		kinds = append(kinds, KindTemplate)
	}
	if len(r.SubMappings) > 0 {
		kinds = append(kinds, KindSubMapping)
	}
	if r.FormField != nil {
		kinds = append(kinds, KindFormField)
	}
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("mapping rule %q has no value payload", r.Key)
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("mapping rule %q has conflicting payloads %v", r.Key, kinds)
	}
}

// UnmarshalJSON accepts either the canonical object form {rules, preserve}
// or a bare rule array.
func (s *Spec) UnmarshalJSON(data []byte) error {
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err == nil {
		s.Rules = rules
		s.Preserve = nil
		return nil
	}
	type alias Spec
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Spec(a)
	return nil
}

// mode returns the effective preserve mode.
func (s *Spec) mode() PreserveMode {
	if s == nil || s.Preserve == nil {
		return PreserveNone
	}
	switch s.Preserve.Mode {
	case PreserveAll, PreserveNone, PreserveSome:
		return s.Preserve.Mode
	default:
		return PreserveNone
	}
}
