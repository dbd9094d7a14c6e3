// Package dsl defines the declarative workflow document model: a graph of
// named states (task, pass, wait, choice, succeed, fail, parallel, map) with
// transitions, mappings and error handling. Documents decode from camelCase
// JSON or YAML and are validated into an immutable graph before an engine
// ever sees them.
package dsl

import (
	"github.com/duraflow/flowd/runtime/choice"
	"github.com/duraflow/flowd/runtime/mapping"
)

type (
	// Definition is a complete workflow graph. Definitions are immutable once
	// validated; engines never mutate them.
	Definition struct {
		Comment string `json:"comment,omitempty"`
		Version string `json:"version,omitempty"`
		// StartAt names the first state to execute.
		StartAt string `json:"startAt"`
		// GlobalConfig carries free-form deployment configuration attached to
		// the workflow (queue defaults, labels).
		GlobalConfig map[string]any `json:"globalConfig,omitempty"`
		// ErrorHandling optionally routes unhandled state failures.
		ErrorHandling *ErrorHandling `json:"errorHandling,omitempty"`
		// States maps state name to definition.
		States map[string]*State `json:"states"`
	}

	// ErrorHandling routes unhandled failures to a recovery state.
	ErrorHandling struct {
		// OnFailure names the state to transition to when a state fails with
		// no catch rule of its own.
		OnFailure string `json:"onFailure,omitempty"`
	}

	// StateType tags the state variant.
	StateType string

	// State is one node of the workflow graph. The Type tag selects which of
	// the kind-specific field groups apply; Validate enforces the pairing.
	State struct {
		Type    StateType `json:"type"`
		Comment string    `json:"comment,omitempty"`

		// InputMapping projects the context into the state's execution input.
		InputMapping *mapping.Spec `json:"inputMapping,omitempty"`
		// OutputMapping folds the state's raw output back into the context.
		OutputMapping *mapping.Spec `json:"outputMapping,omitempty"`
		// Retry caps task retry attempts, overriding the matcher default.
		Retry *RetryPolicy `json:"retry,omitempty"`
		// Catch routes specific failures to recovery states.
		Catch []Catcher `json:"catch,omitempty"`
		// Next names the following state. Mutually exclusive with End.
		Next string `json:"next,omitempty"`
		// End marks the state terminal. Mutually exclusive with Next.
		End bool `json:"end,omitempty"`

		// Task fields.
		Resource        string           `json:"resource,omitempty"`
		Parameters      map[string]any   `json:"parameters,omitempty"`
		ExecutionConfig *ExecutionConfig `json:"executionConfig,omitempty"`
		// HeartbeatSeconds is the expected worker heartbeat interval; zero
		// disables heartbeat tracking for the task.
		HeartbeatSeconds int `json:"heartbeatSeconds,omitempty"`

		// Wait fields. Seconds takes precedence over Timestamp.
		Seconds   *int64 `json:"seconds,omitempty"`
		Timestamp string `json:"timestamp,omitempty"`

		// Pass fields.
		Result map[string]any `json:"result,omitempty"`

		// Choice fields.
		Choices     []ChoiceRule `json:"choices,omitempty"`
		DefaultNext string       `json:"defaultNext,omitempty"`

		// Fail fields.
		Error string `json:"error,omitempty"`
		Cause string `json:"cause,omitempty"`

		// Map fields.
		ItemsPath      string      `json:"itemsPath,omitempty"`
		Iterator       *Definition `json:"iterator,omitempty"`
		MaxConcurrency int         `json:"maxConcurrency,omitempty"`
		ItemContextKey string      `json:"itemContextKey,omitempty"`

		// Parallel fields.
		Branches []*Definition `json:"branches,omitempty"`
	}

	// ChoiceRule pairs a condition with the state to transition to when it
	// evaluates true.
	ChoiceRule struct {
		Condition *choice.Logic `json:"condition"`
		Next      string        `json:"next"`
	}

	// ExecutionConfig tunes how a task is queued and executed.
	ExecutionConfig struct {
		// Queue overrides the queue the task is enqueued on.
		Queue string `json:"queue,omitempty"`
		// Priority orders tasks within a queue; higher runs first.
		Priority int `json:"priority,omitempty"`
		// TimeoutSeconds bounds worker execution time for the task.
		TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
	}

	// RetryPolicy caps task retry attempts. Backoff pacing comes from the
	// matcher the orchestrator runs with; the document only bounds how often
	// a task may be handed out.
	RetryPolicy struct {
		MaxAttempts int `json:"maxAttempts,omitempty"`
	}

	// Catcher routes matched errors to a recovery state.
	Catcher struct {
		// ErrorEquals lists error names this catcher matches; empty matches all.
		ErrorEquals []string `json:"errorEquals,omitempty"`
		Next        string   `json:"next"`
	}
)

const (
	StateTask     StateType = "task"
	StatePass     StateType = "pass"
	StateWait     StateType = "wait"
	StateChoice   StateType = "choice"
	StateSucceed  StateType = "succeed"
	StateFail     StateType = "fail"
	StateParallel StateType = "parallel"
	StateMap      StateType = "map"
)

// DefaultItemContextKey is the context key a Map state injects each item
// under when the definition does not name one.
const DefaultItemContextKey = "item"

// IsTerminal reports whether the state ends its workflow path: succeed and
// fail states always do, other kinds do when End is set.
func (s *State) IsTerminal() bool {
	switch s.Type {
	case StateSucceed, StateFail:
		return true
	default:
		return s.End
	}
}

// ItemKey returns the configured item context key or the default.
func (s *State) ItemKey() string {
	if s.ItemContextKey != "" {
		return s.ItemContextKey
	}
	return DefaultItemContextKey
}

// Transitions lists every state name this state may transition to.
func (s *State) Transitions() []string {
	var out []string
	if s.Next != "" {
		out = append(out, s.Next)
	}
	for _, c := range s.Choices {
		if c.Next != "" {
			out = append(out, c.Next)
		}
	}
	if s.DefaultNext != "" {
		out = append(out, s.DefaultNext)
	}
	for _, c := range s.Catch {
		if c.Next != "" {
			out = append(out, c.Next)
		}
	}
	return out
}
