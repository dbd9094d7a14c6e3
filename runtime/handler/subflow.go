package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/duraflow/flowd/dsl"
	"github.com/duraflow/flowd/runtime/command"
	"github.com/duraflow/flowd/runtime/hooks"
	"github.com/duraflow/flowd/runtime/mapping"
	"github.com/duraflow/flowd/runtime/workflow"
)

type (
	// MapHandler fans one child execution out per item selected by the
	// state's itemsPath, gated by MaxConcurrency.
	MapHandler struct{}

	// ParallelHandler fans one child execution out per branch definition.
	ParallelHandler struct{}

	// JoinOutcome reports the aggregate progress of a fan-out state after a
	// child finished.
	JoinOutcome struct {
		// Done reports that every child reached a terminal status.
		Done bool
		// Failed reports that some child failed or was cancelled.
		Failed bool
		Reason string
		// Output is the folded raw output, set when Done and not Failed.
		Output map[string]any
	}
)

// MapResultsKey holds the ordered child outputs of a completed map state.
const MapResultsKey = "results"

// ParallelResultsKey holds the ordered branch outputs of a completed
// parallel state.
const ParallelResultsKey = "parallelResult"

// ChildRunID derives the deterministic run ID of a fan-out child, which
// keeps restores and parent lookups cheap.
func ChildRunID(parentRunID, stateName string, index int) string {
	return fmt.Sprintf("%s:%s:%d", parentRunID, stateName, index)
}

// NewMapHandler returns the map state handler.
func NewMapHandler() *MapHandler { return &MapHandler{} }

// Execute selects the items and spawns one child execution per item. The
// first MaxConcurrency children start READY, the rest WAITING.
func (h *MapHandler) Execute(ctx context.Context, scope *Scope, cmd *command.Command) (*Result, error) {
	state := scope.State
	items, err := mapping.SelectAll(state.ItemsPath, scope.Context)
	if err != nil {
		return nil, fmt.Errorf("map state %q items: %w", scope.StateName, err)
	}
	// A path matching a single array node means iterate its elements.
	if len(items) == 1 {
		if arr, ok := items[0].([]any); ok {
			items = arr
		}
	}
	if len(items) == 0 {
		return &Result{
			Output:         map[string]any{MapResultsKey: []any{}},
			NextState:      cmd.Next,
			ShouldContinue: true,
		}, nil
	}

	inputs := make([]map[string]any, len(items))
	for i, item := range items {
		input, _, err := scope.Mapper.ApplyForItem(state.InputMapping, scope.Context, state.ItemKey(), item)
		if err != nil {
			return nil, fmt.Errorf("map state %q item %d input: %w", scope.StateName, i, err)
		}
		inputs[i] = input
	}
	return spawn(ctx, scope, cmd, state.Iterator, inputs, state.MaxConcurrency, nil)
}

// NewParallelHandler returns the parallel state handler.
func NewParallelHandler() *ParallelHandler { return &ParallelHandler{} }

// Execute spawns one child execution per branch. The first MaxConcurrency
// branches start READY, the rest WAITING.
func (h *ParallelHandler) Execute(ctx context.Context, scope *Scope, cmd *command.Command) (*Result, error) {
	state := scope.State
	inputs := make([]map[string]any, len(state.Branches))
	for i := range state.Branches {
		input, _, err := scope.Mapper.Apply(state.InputMapping, scope.Context)
		if err != nil {
			return nil, fmt.Errorf("parallel state %q branch %d input: %w", scope.StateName, i, err)
		}
		inputs[i] = input
	}
	return spawn(ctx, scope, cmd, nil, inputs, state.MaxConcurrency, func(i int) *dsl.Definition {
		return state.Branches[i]
	})
}

// spawn persists the child executions and launches the READY ones. A nil
// branchDef means every child runs iterator; otherwise branchDef picks the
// per-child definition.
func spawn(ctx context.Context, scope *Scope, cmd *command.Command, iterator *dsl.Definition, inputs []map[string]any, maxConcurrency int, branchDef func(int) *dsl.Definition) (*Result, error) {
	readyLimit := len(inputs)
	if maxConcurrency > 0 && maxConcurrency < readyLimit {
		readyLimit = maxConcurrency
	}

	now := time.Now()
	childIDs := make([]string, len(inputs))
	for i, input := range inputs {
		def := iterator
		if branchDef != nil {
			def = branchDef(i)
		}
		status := workflow.ExecutionWaiting
		if i < readyLimit {
			status = workflow.ExecutionReady
		}
		childID := ChildRunID(scope.RunID, scope.StateName, i)
		childIDs[i] = childID
		child := &workflow.Execution{
			RunID:           childID,
			FlowID:          scope.FlowID,
			Status:          status,
			Mode:            scope.Mode,
			StartedAt:       now,
			UpdatedAt:       now,
			Context:         input,
			Input:           input,
			Definition:      def,
			ParentRunID:     scope.RunID,
			ParentStateName: scope.StateName,
			BranchIndex:     i,
		}
		if err := scope.Store.CreateExecution(ctx, child); err != nil {
			return nil, fmt.Errorf("create subflow %s: %w", childID, err)
		}
	}

	for i := 0; i < readyLimit; i++ {
		scope.Dispatcher.Dispatch(ctx, hooks.NewSubflowReadyEvent(scope.RunID, scope.StateName, childIDs[i], i))
		scope.Subflows.Launch(ctx, childIDs[i])
	}

	return &Result{
		IsBlocking: true,
		NextState:  cmd.Next,
		Metadata:   map[string]any{"children": len(inputs), "ready": readyLimit},
	}, nil
}

// Join inspects the fan-out children of the scope's state after one of them
// finished. It propagates child failures, folds outputs once every child
// completed, and otherwise promotes the next WAITING child to READY.
func Join(ctx context.Context, scope *Scope) (*JoinOutcome, error) {
	subs, err := scope.Store.FindSubflows(ctx, scope.RunID, scope.StateName)
	if err != nil {
		return nil, fmt.Errorf("find subflows of %s/%s: %w", scope.RunID, scope.StateName, err)
	}

	completed := 0
	for _, sub := range subs {
		switch sub.Status {
		case workflow.ExecutionFailed, workflow.ExecutionCancelled, workflow.ExecutionTerminated:
			reason := sub.Error
			if reason == "" {
				reason = fmt.Sprintf("subflow %s ended %s", sub.RunID, sub.Status)
			}
			return &JoinOutcome{Done: true, Failed: true, Reason: reason}, nil
		case workflow.ExecutionCompleted:
			completed++
		}
	}

	if completed == len(subs) {
		outputs := make([]any, len(subs))
		for _, sub := range subs {
			outputs[sub.BranchIndex] = sub.Output
		}
		key := MapResultsKey
		if scope.State.Type == dsl.StateParallel {
			key = ParallelResultsKey
		}
		return &JoinOutcome{Done: true, Output: map[string]any{key: outputs}}, nil
	}

	// Promote the first WAITING child now that a slot freed up.
	for _, sub := range subs {
		if sub.Status != workflow.ExecutionWaiting {
			continue
		}
		sub.Status = workflow.ExecutionReady
		sub.UpdatedAt = time.Now()
		sub.Version++
		if err := scope.Store.UpdateExecution(ctx, sub); err != nil {
			return nil, fmt.Errorf("promote subflow %s: %w", sub.RunID, err)
		}
		scope.Dispatcher.Dispatch(ctx, hooks.NewSubflowReadyEvent(scope.RunID, scope.StateName, sub.RunID, sub.BranchIndex))
		scope.Subflows.Launch(ctx, sub.RunID)
		break
	}
	return &JoinOutcome{}, nil
}
