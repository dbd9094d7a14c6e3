package mapping

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"text/template"

	"github.com/ohler55/ojg/jp"
)

type (
	// Engine applies mapping specs to JSON-shaped documents. The zero value
	// is usable; New configures strict mode.
	Engine struct {
		strict bool
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithStrict makes rule failures abort the pipeline instead of being
// recorded in the trace and skipped.
func WithStrict() Option {
	return func(e *Engine) { e.strict = true }
}

// New constructs a mapping engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Apply runs the spec against src and returns the resulting document and the
// per-rule trace. A nil spec is the identity mapping (a deep copy of src).
// src is never mutated.
func (e *Engine) Apply(spec *Spec, src map[string]any) (map[string]any, Trace, error) {
	if spec == nil {
		return Clone(src), nil, nil
	}
	out := make(map[string]any)
	switch spec.mode() {
	case PreserveAll:
		out = Clone(src)
	case PreserveSome:
		for _, k := range spec.Preserve.Keys {
			if v, ok := src[k]; ok {
				out[k] = cloneValue(v)
			}
		}
	}

	ordered, err := topoSort(spec.Rules)
	if err != nil {
		return nil, nil, err
	}

	trace := make(Trace, 0, len(ordered))
	for i := range ordered {
		rule := &ordered[i]
		if skip, err := e.skipRule(rule, src); err != nil {
			trace = append(trace, Step{Key: rule.Key, Error: err.Error()})
			if e.strict {
				return nil, trace, fmt.Errorf("mapping rule %q: %w", rule.Key, err)
			}
			continue
		} else if skip {
			trace = append(trace, Step{Key: rule.Key, Success: true})
			continue
		}
		value, err := e.evalRule(rule, src)
		if err == nil {
			err = setPath(out, rule.Key, value, rule.MergeStrategy)
		}
		if err != nil {
			trace = append(trace, Step{Key: rule.Key, Error: err.Error()})
			if e.strict {
				return nil, trace, fmt.Errorf("mapping rule %q: %w", rule.Key, err)
			}
			continue
		}
		trace = append(trace, Step{Key: rule.Key, Success: true})
	}
	return out, trace, nil
}

// ApplyOutput folds a state's raw output into the context: the output spec is
// applied to the raw output, and the result is merged over a copy of the
// context. A nil spec merges the raw output wholesale.
func (e *Engine) ApplyOutput(spec *Spec, context, rawOutput map[string]any) (map[string]any, Trace, error) {
	mapped, trace, err := e.Apply(spec, rawOutput)
	if err != nil {
		return nil, trace, err
	}
	return Merge(Clone(context), mapped), trace, nil
}

// ApplyForItem runs the input mapping for a single Map iteration. The item is
// injected into a copy of the parent context under itemKey before the spec
// runs, so rules may select `$.<itemKey>...`.
func (e *Engine) ApplyForItem(spec *Spec, parent map[string]any, itemKey string, item any) (map[string]any, Trace, error) {
	src := Clone(parent)
	if src == nil {
		src = make(map[string]any)
	}
	src[itemKey] = cloneValue(item)
	if spec == nil {
		return src, nil, nil
	}
	return e.Apply(spec, src)
}

// skipRule evaluates the rule condition, if any.
func (e *Engine) skipRule(rule *Rule, src map[string]any) (bool, error) {
	if rule.Condition == "" {
		return false, nil
	}
	expr, err := jp.ParseString(rule.Condition)
	if err != nil {
		return false, fmt.Errorf("parse condition: %w", err)
	}
	v := expr.First(src)
	if v == nil {
		return true, nil
	}
	if b, ok := v.(bool); ok && !b {
		return true, nil
	}
	return false, nil
}

func (e *Engine) evalRule(rule *Rule, src map[string]any) (any, error) {
	kind, err := rule.Kind()
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindConstant:
		var v any
		if err := json.Unmarshal(rule.Constant, &v); err != nil {
			return nil, fmt.Errorf("decode constant: %w", err)
		}
		return v, nil
	case KindJSONPath:
		return selectFirst(rule.JSONPath, src)
	case KindTemplate:
		return renderTemplate(rule.Key, rule.Template, src)
	case KindExpr:
		rendered, err := renderTemplate(rule.Key, rule.Transform, src)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(rendered), &v); err != nil {
			return rendered, nil
		}
		return v, nil
	case KindSubMapping:
		sub := &Spec{Rules: rule.SubMappings}
		out, _, err := e.Apply(sub, src)
		return out, err
	case KindFormField:
		return e.evalFormField(rule.FormField, src)
	default:
		return nil, fmt.Errorf("unsupported rule kind %q", kind)
	}
}

func (e *Engine) evalFormField(f *FormField, src map[string]any) (any, error) {
	if f.Name == "" {
		return nil, errors.New("form field name is required")
	}
	var value any
	if f.Source != "" {
		v, err := selectFirst(f.Source, src)
		if err != nil {
			return nil, err
		}
		value = v
	}
	if value == nil && len(f.Default) > 0 {
		if err := json.Unmarshal(f.Default, &value); err != nil {
			return nil, fmt.Errorf("decode form field default: %w", err)
		}
	}
	if value == nil && f.Required {
		return nil, fmt.Errorf("form field %q is required", f.Name)
	}
	return map[string]any{f.Name: value}, nil
}

// selectFirst returns the first JSONPath match, or nil when nothing matches.
func selectFirst(path string, src map[string]any) (any, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("parse jsonpath %q: %w", path, err)
	}
	return expr.First(src), nil
}

// SelectAll returns every JSONPath match in document order.
func SelectAll(path string, src map[string]any) ([]any, error) {
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("parse jsonpath %q: %w", path, err)
	}
	return expr.Get(src), nil
}

func renderTemplate(name, text string, src map[string]any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, src); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}
