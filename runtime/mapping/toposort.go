package mapping

import "fmt"

// topoSort orders rules so that every rule runs after the rules it depends
// on. The sort is stable: independent rules keep their declaration order,
// which makes the pipeline deterministic and the sort idempotent on already
// sorted input. Dependencies naming no rule are ignored (they may refer to
// keys supplied by the preserve policy). A cycle fails with
// ErrCircularDependency.
func topoSort(rules []Rule) ([]Rule, error) {
	byKey := make(map[string]int, len(rules))
	for i, r := range rules {
		byKey[r.Key] = i
	}

	indegree := make([]int, len(rules))
	dependents := make([][]int, len(rules))
	for i, r := range rules {
		for _, dep := range r.DependsOn {
			j, ok := byKey[dep]
			if !ok || j == i {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm with an index-ordered ready list for stability.
	ready := make([]int, 0, len(rules))
	for i := range rules {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]Rule, 0, len(rules))
	for len(ready) > 0 {
		min := 0
		for k := 1; k < len(ready); k++ {
			if ready[k] < ready[min] {
				min = k
			}
		}
		i := ready[min]
		ready = append(ready[:min], ready[min+1:]...)
		out = append(out, rules[i])
		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(out) != len(rules) {
		var stuck []string
		for i := range rules {
			if indegree[i] > 0 {
				stuck = append(stuck, rules[i].Key)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrCircularDependency, stuck)
	}
	return out, nil
}
