// Package store defines the persistence contracts of the orchestrator.
// Implementations live in subpackages: inmem for tests and single-process
// deployments, mongo for durable multi-process deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/duraflow/flowd/runtime/workflow"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a version check fails or a status
	// transition is not allowed.
	ErrConflict = errors.New("conflict")
	// ErrIO wraps driver and transport failures. Operations may be retried
	// where idempotent.
	ErrIO = errors.New("io error")
	// ErrSerialization wraps encode and decode failures.
	ErrSerialization = errors.New("serialization error")
)

type (
	// ExecutionFilter narrows ListExecutions.
	ExecutionFilter struct {
		FlowID string
		Status workflow.ExecutionStatus
		// ParentRunID limits results to subflows of the given run.
		ParentRunID string
		Limit       int64
	}

	// TaskPatch applies a partial update to a queue task.
	TaskPatch struct {
		Status      *workflow.TaskStatus
		Output      map[string]any
		Error       *string
		WorkerID    *string
		Attempts    *int
		NextRetryAt *time.Time
	}

	// ExecutionStore persists run executions. UpdateExecution enforces
	// optimistic concurrency: the stored version must equal the record's
	// version minus one or ErrConflict is returned.
	ExecutionStore interface {
		CreateExecution(ctx context.Context, exec *workflow.Execution) error
		GetExecution(ctx context.Context, runID string) (*workflow.Execution, error)
		ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*workflow.Execution, error)
		UpdateExecution(ctx context.Context, exec *workflow.Execution) error
		DeleteExecution(ctx context.Context, runID string) error
		// FindSubflows returns the children of a map or parallel state in
		// branch order.
		FindSubflows(ctx context.Context, parentRunID, parentStateName string) ([]*workflow.Execution, error)
	}

	// StateStore persists per-state history rows.
	StateStore interface {
		// UpsertStateOnEntry creates or restarts the row for a state entry.
		// The input document is written only when the row is first created.
		UpsertStateOnEntry(ctx context.Context, rec *workflow.StateRecord) error
		// UpdateStateOnFinish records the outcome of a state execution.
		UpdateStateOnFinish(ctx context.Context, runID, stateName string, status workflow.StateStatus, output map[string]any, errMsg string) error
		GetState(ctx context.Context, runID, stateName string) (*workflow.StateRecord, error)
		ListStates(ctx context.Context, runID string) ([]*workflow.StateRecord, error)
	}

	// TaskStore persists queue tasks. UpdateTask enforces the task status
	// transition graph and returns ErrConflict on a disallowed move.
	TaskStore interface {
		CreateTask(ctx context.Context, task *workflow.QueueTask) error
		GetTask(ctx context.Context, taskID string) (*workflow.QueueTask, error)
		FindTasksByStatus(ctx context.Context, queue string, status workflow.TaskStatus, limit int64) ([]*workflow.QueueTask, error)
		UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (*workflow.QueueTask, error)
		// UpdateTaskByRunState patches the task for a run state only when its
		// current status matches expected, and reports whether a row matched.
		UpdateTaskByRunState(ctx context.Context, runID, stateName string, expected workflow.TaskStatus, patch TaskPatch) (*workflow.QueueTask, bool, error)
		// ClaimNextTask atomically claims the highest priority pending task
		// on the queue, or a retrying task whose retry time has passed, for
		// the worker. It returns nil, nil when no task is claimable.
		ClaimNextTask(ctx context.Context, queue, workerID string) (*workflow.QueueTask, error)
		// FindTasksToRetry returns retrying tasks due at or before now.
		FindTasksToRetry(ctx context.Context, now time.Time, limit int64) ([]*workflow.QueueTask, error)
		// FindExpiredTasks returns processing tasks whose execution timeout
		// elapsed or whose worker heartbeat went stale before now.
		FindExpiredTasks(ctx context.Context, now time.Time, limit int64) ([]*workflow.QueueTask, error)
		DeleteTask(ctx context.Context, taskID string) error
	}

	// TimerStore persists durable wait timers.
	TimerStore interface {
		CreateTimer(ctx context.Context, timer *workflow.Timer) error
		GetTimer(ctx context.Context, timerID string) (*workflow.Timer, error)
		// FindTimersBefore returns unfired timers due at or before the instant.
		FindTimersBefore(ctx context.Context, t time.Time, limit int64) ([]*workflow.Timer, error)
		// MarkTimerFired flips the timer to fired exactly once; the second
		// caller gets ErrConflict.
		MarkTimerFired(ctx context.Context, timerID string) error
		DeleteTimer(ctx context.Context, timerID string) error
	}

	// EventStore persists the append-only per-run event journal.
	EventStore interface {
		// AppendEvent assigns the next per-run event ID and stores the record.
		AppendEvent(ctx context.Context, rec *workflow.EventRecord) error
		ListEventsByRun(ctx context.Context, runID string, afterID int64, limit int64) ([]*workflow.EventRecord, error)
		DeleteEventsByRun(ctx context.Context, runID string) error
	}

	// TemplateStore persists named workflow definitions.
	TemplateStore interface {
		PutTemplate(ctx context.Context, tpl *workflow.Template) error
		GetTemplate(ctx context.Context, flowID string) (*workflow.Template, error)
		ListTemplates(ctx context.Context) ([]*workflow.Template, error)
		DeleteTemplate(ctx context.Context, flowID string) error
	}

	// Store aggregates all persistence concerns behind one handle.
	Store interface {
		ExecutionStore
		StateStore
		TaskStore
		TimerStore
		EventStore
		TemplateStore
	}
)
