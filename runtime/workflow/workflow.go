// Package workflow defines the persistent records of the orchestrator: run
// executions, per-state history, queued tasks, durable timers and run event
// journal entries. Stores persist these types; engines mutate them.
package workflow

import (
	"time"

	"github.com/duraflow/flowd/dsl"
)

type (
	// ExecutionStatus is the lifecycle status of a run.
	ExecutionStatus string

	// ExecutionMode selects how task completion flows back to the run.
	ExecutionMode string

	// Execution is one run of a workflow definition. Version increments on
	// every persisted update and guards concurrent writers.
	Execution struct {
		RunID     string          `json:"runId"`
		FlowID    string          `json:"flowId"`
		Status    ExecutionStatus `json:"status"`
		Mode      ExecutionMode   `json:"mode"`
		Version   int64           `json:"version"`
		StartedAt time.Time       `json:"startedAt"`
		UpdatedAt time.Time       `json:"updatedAt"`
		EndedAt   *time.Time      `json:"endedAt,omitempty"`

		// CurrentState is the state the run is executing or blocked on.
		CurrentState string `json:"currentState,omitempty"`
		// Context is the run's accumulated data document.
		Context map[string]any `json:"context,omitempty"`
		// Input is the initial input the run started with.
		Input map[string]any `json:"input,omitempty"`
		// Output is the final context of a completed run.
		Output map[string]any `json:"output,omitempty"`
		// Error carries the failure reason of a failed run.
		Error string `json:"error,omitempty"`

		// Definition is the immutable graph snapshot the run executes.
		Definition *dsl.Definition `json:"definition,omitempty"`

		// ParentRunID and ParentStateName link a subflow execution to the
		// map or parallel state that spawned it.
		ParentRunID     string `json:"parentRunId,omitempty"`
		ParentStateName string `json:"parentStateName,omitempty"`
		// BranchIndex is the subflow's position in its parent fan-out.
		BranchIndex int `json:"branchIndex,omitempty"`
	}

	// StateStatus is the lifecycle status of one state execution.
	StateStatus string

	// StateRecord is the history row for one execution of a state within a
	// run. Input is written once on entry and never overwritten on retries.
	StateRecord struct {
		RunID      string         `json:"runId"`
		StateName  string         `json:"stateName"`
		Status     StateStatus    `json:"status"`
		Input      map[string]any `json:"input,omitempty"`
		Output     map[string]any `json:"output,omitempty"`
		Error      string         `json:"error,omitempty"`
		EnteredAt  time.Time      `json:"enteredAt"`
		FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	}

	// TaskStatus is the lifecycle status of a queued task.
	TaskStatus string

	// QueueTask is a unit of work a worker executes for a task state.
	QueueTask struct {
		TaskID    string         `json:"taskId"`
		RunID     string         `json:"runId"`
		StateName string         `json:"stateName"`
		Queue     string         `json:"queue"`
		Resource  string         `json:"resource"`
		Status    TaskStatus     `json:"status"`
		Input     map[string]any `json:"input,omitempty"`
		Output    map[string]any `json:"output,omitempty"`
		Error     string         `json:"error,omitempty"`

		// Priority orders tasks within a queue; higher is taken first.
		Priority int `json:"priority,omitempty"`
		// TimeoutSeconds bounds worker execution; zero means no limit.
		TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
		// HeartbeatSeconds is the expected worker heartbeat interval; a task
		// with heartbeats enabled times out when they stop, not only when
		// TimeoutSeconds elapses.
		HeartbeatSeconds int `json:"heartbeatSeconds,omitempty"`
		// MaxAttempts caps retry attempts for this task; zero defers to the
		// matcher's retry policy.
		MaxAttempts int `json:"maxAttempts,omitempty"`

		Attempts    int        `json:"attempts"`
		NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
		WorkerID    string     `json:"workerId,omitempty"`
		CreatedAt   time.Time  `json:"createdAt"`
		UpdatedAt   time.Time  `json:"updatedAt"`
		ClaimedAt   *time.Time `json:"claimedAt,omitempty"`
	}

	// Timer is a durable wait scheduled to fire at a wall-clock instant.
	Timer struct {
		TimerID   string    `json:"timerId"`
		RunID     string    `json:"runId"`
		StateName string    `json:"stateName"`
		FireAt    time.Time `json:"fireAt"`
		Fired     bool      `json:"fired"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// Template is a stored, named workflow definition runs can be started
	// from by reference.
	Template struct {
		FlowID     string          `json:"flowId"`
		Name       string          `json:"name"`
		Version    string          `json:"version,omitempty"`
		Definition *dsl.Definition `json:"definition"`
		CreatedAt  time.Time       `json:"createdAt"`
		UpdatedAt  time.Time       `json:"updatedAt"`
	}

	// EventRecord is one entry of a run's append-only event journal.
	// EventID increases monotonically per run.
	EventRecord struct {
		RunID     string         `json:"runId"`
		EventID   int64          `json:"eventId"`
		Type      string         `json:"type"`
		StateName string         `json:"stateName,omitempty"`
		Timestamp time.Time      `json:"timestamp"`
		Payload   map[string]any `json:"payload,omitempty"`
	}
)

const (
	ExecutionRunning    ExecutionStatus = "RUNNING"
	ExecutionCompleted  ExecutionStatus = "COMPLETED"
	ExecutionFailed     ExecutionStatus = "FAILED"
	ExecutionCancelled  ExecutionStatus = "CANCELLED"
	ExecutionPaused     ExecutionStatus = "PAUSED"
	ExecutionSuspended  ExecutionStatus = "SUSPENDED"
	ExecutionTerminated ExecutionStatus = "TERMINATED"

	// Subflow gating statuses. READY children may launch; WAITING children
	// are held back by the parent's concurrency limit.
	ExecutionReady   ExecutionStatus = "READY"
	ExecutionWaiting ExecutionStatus = "WAITING"
)

const (
	// ModeInline runs task handlers in-process without a queue.
	ModeInline ExecutionMode = "inline"
	// ModeDeferred queues tasks for external workers.
	ModeDeferred ExecutionMode = "deferred"
)

const (
	StateStarted   StateStatus = "STARTED"
	StateCompleted StateStatus = "COMPLETED"
	StateFailed    StateStatus = "FAILED"
	StateCancelled StateStatus = "CANCELLED"
)

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskRetrying   TaskStatus = "retrying"
)

// IsTerminal reports whether the status ends a run.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTerminated:
		return true
	default:
		return false
	}
}

// taskTransitions is the allowed task status graph:
// pending→processing→{completed,failed}, failed→retrying→processing.
// A failing report always records failed first; the matcher moves the row
// on to retrying while attempts remain. Self transitions are permitted so
// idempotent updates do not fail.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskPending, TaskProcessing},
	TaskProcessing: {TaskProcessing, TaskCompleted, TaskFailed},
	TaskFailed:     {TaskFailed, TaskRetrying},
	TaskRetrying:   {TaskRetrying, TaskProcessing},
	TaskCompleted:  {TaskCompleted},
}

// CanTransition reports whether a task may move from one status to another.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends a task.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// DeadlineExpired reports whether a processing task ran past its timeout.
func (t *QueueTask) DeadlineExpired(now time.Time) bool {
	if t.Status != TaskProcessing || t.TimeoutSeconds <= 0 || t.ClaimedAt == nil {
		return false
	}
	return t.ClaimedAt.Add(time.Duration(t.TimeoutSeconds) * time.Second).Before(now)
}

// HeartbeatStale reports whether a heartbeat-tracked processing task missed
// two consecutive beats. Any row touch counts as a beat.
func (t *QueueTask) HeartbeatStale(now time.Time) bool {
	if t.Status != TaskProcessing || t.HeartbeatSeconds <= 0 {
		return false
	}
	return t.UpdatedAt.Add(2 * time.Duration(t.HeartbeatSeconds) * time.Second).Before(now)
}
