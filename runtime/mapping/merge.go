package mapping

import (
	"fmt"
	"strings"
)

// setPath writes value under the dotted key path, creating intermediate
// objects as needed and applying the merge strategy at the leaf. An
// intermediate segment holding a non-object value is overwritten with a new
// object.
func setPath(doc map[string]any, key string, value any, strategy MergeStrategy) error {
	if key == "" {
		return fmt.Errorf("mapping key is empty")
	}
	segments := strings.Split(key, ".")
	cur := doc
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	leaf := segments[len(segments)-1]
	cur[leaf] = mergeValue(cur[leaf], value, strategy)
	return nil
}

// mergeValue combines an existing value with a new one per the strategy.
// Append and Merge fall back to Overwrite when the existing value does not
// have the required shape.
func mergeValue(existing, value any, strategy MergeStrategy) any {
	switch strategy {
	case MergeIgnore:
		if existing != nil {
			return existing
		}
		return value
	case MergeAppend:
		arr, ok := existing.([]any)
		if !ok {
			if existing == nil {
				return []any{value}
			}
			return value
		}
		return append(arr, value)
	case MergeMerge:
		dst, dok := existing.(map[string]any)
		src, sok := value.(map[string]any)
		if !dok || !sok {
			return value
		}
		for k, v := range src {
			dst[k] = v
		}
		return dst
	default: // MergeOverwrite and anything unrecognized
		return value
	}
}

// Merge shallow-merges src into a copy of dst at the top level, overwriting
// on key collision. Neither input is mutated.
func Merge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Clone deep-copies a JSON-shaped document (maps, slices, scalars).
func Clone(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	return cloneValue(doc).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
