// Package handler executes individual workflow states. Handlers receive a
// per-call Scope instead of holding an engine reference, so the same
// registry serves every run in the process.
package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/duraflow/flowd/dsl"
	"github.com/duraflow/flowd/runtime/command"
	"github.com/duraflow/flowd/runtime/hooks"
	"github.com/duraflow/flowd/runtime/mapping"
	"github.com/duraflow/flowd/runtime/match"
	"github.com/duraflow/flowd/runtime/workflow"
	"github.com/duraflow/flowd/store"
)

type (
	// Launcher starts subflow engines. Implementations must not block the
	// caller: the parent engine invokes Launch while it holds its own lock.
	Launcher interface {
		Launch(ctx context.Context, childRunID string)
	}

	// Scope carries everything a handler needs for one state execution.
	Scope struct {
		RunID     string
		FlowID    string
		StateName string
		State     *dsl.State
		// Definition is the graph the run executes.
		Definition *dsl.Definition
		// Context is the run's current data document.
		Context map[string]any
		// ExecInput is the state's mapped execution input.
		ExecInput map[string]any
		// Mode selects inline or deferred task execution.
		Mode workflow.ExecutionMode

		Store      store.Store
		Dispatcher hooks.Dispatcher
		Match      match.Service
		Mapper     *mapping.Engine
		Subflows   Launcher
	}

	// Result is a handler's verdict on the state.
	Result struct {
		// Output is the state's raw output document, folded into the
		// context by the engine through the output mapping.
		Output map[string]any
		// NextState overrides the command's transition when set.
		NextState string
		// ShouldContinue reports whether the engine advances immediately.
		ShouldContinue bool
		// IsBlocking reports that the run suspends until a signal arrives.
		IsBlocking bool
		// Metadata carries handler-specific details for diagnostics.
		Metadata map[string]any
	}

	// Handler executes one kind of state.
	Handler interface {
		Execute(ctx context.Context, scope *Scope, cmd *command.Command) (*Result, error)
	}

	// Registry maps state types to handlers.
	Registry struct {
		mu       sync.RWMutex
		handlers map[dsl.StateType]Handler
	}
)

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[dsl.StateType]Handler)}
}

// Register binds a handler to a state type, replacing any previous binding.
func (r *Registry) Register(t dsl.StateType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Get returns the handler for the state type.
func (r *Registry) Get(t dsl.StateType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("no handler registered for state type %q", t)
	}
	return h, nil
}

// Default returns a registry with the standard handlers bound.
func Default() *Registry {
	r := NewRegistry()
	r.Register(dsl.StateTask, NewTaskHandler())
	r.Register(dsl.StateWait, NewWaitHandler())
	r.Register(dsl.StateMap, NewMapHandler())
	r.Register(dsl.StateParallel, NewParallelHandler())
	return r
}
