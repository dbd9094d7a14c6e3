// Package command translates workflow states into engine commands. StepOnce
// is pure: it never touches stores or clocks beyond reading the context, so
// the same state and context always yield the same command.
package command

import (
	"fmt"
	"time"

	"github.com/duraflow/flowd/dsl"
	"github.com/duraflow/flowd/runtime/choice"
)

type (
	// Kind identifies what the engine must do next.
	Kind string

	// Command is the engine instruction derived from one state.
	Command struct {
		Kind Kind

		// Resource is the worker resource of a dispatch command.
		Resource string
		// Next is the state to advance to.
		Next string
		// Output is the document a pass command produces.
		Output map[string]any
		// Seconds and WaitUntil describe a wait command. Seconds wins when
		// both are set.
		Seconds   int64
		WaitUntil time.Time
		// Error and Cause describe a fail command.
		Error string
		Cause string
	}
)

const (
	// KindDispatch queues the state's task for a worker.
	KindDispatch Kind = "dispatch"
	// KindAdvance moves directly to the next state.
	KindAdvance Kind = "advance"
	// KindWait blocks the run until a timer fires.
	KindWait Kind = "wait"
	// KindFanOut launches map or parallel subflows.
	KindFanOut Kind = "fan_out"
	// KindSucceed completes the run.
	KindSucceed Kind = "succeed"
	// KindFail fails the run.
	KindFail Kind = "fail"
)

// StepOnce translates a state into its command given the run context. A pass
// state that ends with no transition upgrades to succeed so the run completes
// with its accumulated context.
func StepOnce(def *dsl.Definition, stateName string, context map[string]any) (*Command, error) {
	state, ok := def.States[stateName]
	if !ok {
		return nil, fmt.Errorf("state %q is not defined", stateName)
	}

	switch state.Type {
	case dsl.StateTask:
		return &Command{Kind: KindDispatch, Resource: state.Resource, Next: state.Next}, nil

	case dsl.StatePass:
		if state.End && state.Next == "" {
			return &Command{Kind: KindSucceed, Output: state.Result}, nil
		}
		return &Command{Kind: KindAdvance, Next: state.Next, Output: state.Result}, nil

	case dsl.StateWait:
		cmd := &Command{Kind: KindWait, Next: state.Next}
		if state.Seconds != nil {
			cmd.Seconds = *state.Seconds
			return cmd, nil
		}
		at, err := time.Parse(time.RFC3339, state.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("wait state %q timestamp: %w", stateName, err)
		}
		cmd.WaitUntil = at
		return cmd, nil

	case dsl.StateChoice:
		for i, rule := range state.Choices {
			ok, err := choice.Evaluate(rule.Condition, context)
			if err != nil {
				return nil, fmt.Errorf("choice state %q rule %d: %w", stateName, i, err)
			}
			if ok {
				return &Command{Kind: KindAdvance, Next: rule.Next}, nil
			}
		}
		if state.DefaultNext != "" {
			return &Command{Kind: KindAdvance, Next: state.DefaultNext}, nil
		}
		return nil, fmt.Errorf("choice state %q matched no rule and has no default", stateName)

	case dsl.StateSucceed:
		return &Command{Kind: KindSucceed}, nil

	case dsl.StateFail:
		return &Command{Kind: KindFail, Error: state.Error, Cause: state.Cause}, nil

	case dsl.StateMap, dsl.StateParallel:
		return &Command{Kind: KindFanOut, Next: state.Next}, nil

	default:
		return nil, fmt.Errorf("state %q has unknown type %q", stateName, state.Type)
	}
}
