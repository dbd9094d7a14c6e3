package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/duraflow/flowd/runtime/command"
	"github.com/duraflow/flowd/runtime/hooks"
	"github.com/duraflow/flowd/runtime/mapping"
	"github.com/duraflow/flowd/runtime/workflow"
)

// TaskHandler queues the state's work for an external worker and suspends
// the run until the task outcome comes back as a signal.
type TaskHandler struct{}

// DefaultQueue receives tasks whose execution config names no queue.
const DefaultQueue = "default"

// NewTaskHandler returns the task state handler.
func NewTaskHandler() *TaskHandler { return &TaskHandler{} }

// Execute enqueues one QueueTask built from the state's execution config.
// Static parameters form the base of the task input; mapped execution input
// wins on key collision.
func (h *TaskHandler) Execute(ctx context.Context, scope *Scope, cmd *command.Command) (*Result, error) {
	queue := DefaultQueue
	var priority, timeout int
	if cfg := scope.State.ExecutionConfig; cfg != nil {
		if cfg.Queue != "" {
			queue = cfg.Queue
		}
		priority = cfg.Priority
		timeout = cfg.TimeoutSeconds
	}
	input := scope.ExecInput
	if len(scope.State.Parameters) > 0 {
		input = mapping.Merge(scope.State.Parameters, scope.ExecInput)
	}
	var maxAttempts int
	if r := scope.State.Retry; r != nil {
		maxAttempts = r.MaxAttempts
	}

	task := &workflow.QueueTask{
		TaskID:           uuid.NewString(),
		RunID:            scope.RunID,
		StateName:        scope.StateName,
		Queue:            queue,
		Resource:         cmd.Resource,
		Status:           workflow.TaskPending,
		Input:            input,
		Priority:         priority,
		TimeoutSeconds:   timeout,
		HeartbeatSeconds: scope.State.HeartbeatSeconds,
		MaxAttempts:      maxAttempts,
		CreatedAt:        time.Now(),
	}
	id, err := scope.Match.Enqueue(ctx, queue, task)
	if err != nil {
		return nil, fmt.Errorf("enqueue task for %s/%s: %w", scope.RunID, scope.StateName, err)
	}
	scope.Dispatcher.Dispatch(ctx, hooks.NewTaskReadyEvent(scope.RunID, scope.StateName, id, queue, cmd.Resource))

	return &Result{
		IsBlocking: true,
		NextState:  cmd.Next,
		Metadata:   map[string]any{"task_id": id, "queue": queue},
	}, nil
}
