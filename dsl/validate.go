package dsl

import (
	"errors"
	"fmt"
	"time"
)

// Validate checks the workflow graph for structural errors: a missing or
// dangling start state, transitions to unknown states, states that both
// transition and end, kind-specific field violations, and graphs with no
// reachable terminal state. Map iterators and parallel branches are validated
// recursively.
func (d *Definition) Validate() error {
	if d.StartAt == "" {
		return errors.New("workflow has no start state")
	}
	if len(d.States) == 0 {
		return errors.New("workflow has no states")
	}
	if _, ok := d.States[d.StartAt]; !ok {
		return fmt.Errorf("start state %q is not defined", d.StartAt)
	}
	if d.ErrorHandling != nil && d.ErrorHandling.OnFailure != "" {
		if _, ok := d.States[d.ErrorHandling.OnFailure]; !ok {
			return fmt.Errorf("error handling target %q is not defined", d.ErrorHandling.OnFailure)
		}
	}

	for name, state := range d.States {
		if state == nil {
			return fmt.Errorf("state %q is empty", name)
		}
		if err := validateState(name, state); err != nil {
			return err
		}
		for _, next := range state.Transitions() {
			if _, ok := d.States[next]; !ok {
				return fmt.Errorf("state %q transitions to undefined state %q", name, next)
			}
		}
	}
	if !d.terminalReachable() {
		return errors.New("workflow has no reachable terminal state")
	}
	return nil
}

// terminalReachable walks the transitions from the start state and reports
// whether some path ends the workflow.
func (d *Definition) terminalReachable() bool {
	seen := make(map[string]bool)
	stack := []string{d.StartAt}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[name] {
			continue
		}
		seen[name] = true
		state, ok := d.States[name]
		if !ok {
			continue
		}
		if state.IsTerminal() {
			return true
		}
		stack = append(stack, state.Transitions()...)
	}
	return false
}

func validateState(name string, s *State) error {
	if s.Next != "" && s.End {
		return fmt.Errorf("state %q sets both next and end", name)
	}

	switch s.Type {
	case StateTask:
		if s.Resource == "" {
			return fmt.Errorf("task state %q has no resource", name)
		}
		if err := requireOutcome(name, s); err != nil {
			return err
		}
	case StatePass:
		if err := requireOutcome(name, s); err != nil {
			return err
		}
	case StateWait:
		if s.Seconds == nil && s.Timestamp == "" {
			return fmt.Errorf("wait state %q needs seconds or timestamp", name)
		}
		if s.Seconds != nil && *s.Seconds < 0 {
			return fmt.Errorf("wait state %q has negative seconds", name)
		}
		if s.Timestamp != "" {
			if _, err := time.Parse(time.RFC3339, s.Timestamp); err != nil {
				return fmt.Errorf("wait state %q timestamp: %w", name, err)
			}
		}
		if err := requireOutcome(name, s); err != nil {
			return err
		}
	case StateChoice:
		if len(s.Choices) == 0 && s.DefaultNext == "" {
			return fmt.Errorf("choice state %q has no choices and no default", name)
		}
		for i, c := range s.Choices {
			if c.Condition == nil {
				return fmt.Errorf("choice state %q rule %d has no condition", name, i)
			}
			if c.Next == "" {
				return fmt.Errorf("choice state %q rule %d has no next", name, i)
			}
		}
		if s.End {
			return fmt.Errorf("choice state %q cannot set end", name)
		}
	case StateSucceed:
		if s.Next != "" {
			return fmt.Errorf("succeed state %q cannot set next", name)
		}
	case StateFail:
		if s.Next != "" {
			return fmt.Errorf("fail state %q cannot set next", name)
		}
	case StateMap:
		if s.ItemsPath == "" {
			return fmt.Errorf("map state %q has no itemsPath", name)
		}
		if s.Iterator == nil {
			return fmt.Errorf("map state %q has no iterator", name)
		}
		if err := s.Iterator.Validate(); err != nil {
			return fmt.Errorf("map state %q iterator: %w", name, err)
		}
		if s.MaxConcurrency < 0 {
			return fmt.Errorf("map state %q has negative maxConcurrency", name)
		}
		if err := requireOutcome(name, s); err != nil {
			return err
		}
	case StateParallel:
		if len(s.Branches) == 0 {
			return fmt.Errorf("parallel state %q has no branches", name)
		}
		for i, b := range s.Branches {
			if b == nil {
				return fmt.Errorf("parallel state %q branch %d is empty", name, i)
			}
			if err := b.Validate(); err != nil {
				return fmt.Errorf("parallel state %q branch %d: %w", name, i, err)
			}
		}
		if err := requireOutcome(name, s); err != nil {
			return err
		}
	case "":
		return fmt.Errorf("state %q has no type", name)
	default:
		return fmt.Errorf("state %q has unknown type %q", name, s.Type)
	}
	return nil
}

// requireOutcome ensures a non-terminal state either transitions or ends.
func requireOutcome(name string, s *State) error {
	if s.Next == "" && !s.End {
		return fmt.Errorf("state %q has neither next nor end", name)
	}
	return nil
}
