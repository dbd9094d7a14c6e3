package hooks

import "time"

type (
	// EventType identifies a lifecycle event.
	EventType string

	// Event is the interface all lifecycle events implement. The engine
	// publishes events through a Dispatcher, and subscribers receive them via
	// HandleEvent. Concrete event types carry typed payloads per phase.
	//
	// Subscribers use type switches to access event-specific fields:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt Event) error {
	//	    switch e := evt.(type) {
	//	    case *NodeFailedEvent:
	//	        log.Printf("state %s failed: %s", e.StateName(), e.Reason)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// RunID returns the run that produced the event.
		RunID() string
		// StateName returns the state the event concerns, empty for
		// run-level events.
		StateName() string
		// Timestamp returns when the event occurred. Events are stamped at
		// creation, not delivery.
		Timestamp() time.Time
	}

	// baseEvent holds the fields shared by all event types. It is embedded
	// by concrete events and populated by the New* constructors.
	baseEvent struct {
		eventType EventType
		runID     string
		stateName string
		timestamp time.Time
	}

	// WorkflowStartedEvent fires when a run begins execution.
	WorkflowStartedEvent struct {
		baseEvent
		FlowID string
		Input  map[string]any
	}

	// WorkflowFinishedEvent fires when a run reaches a terminal status.
	WorkflowFinishedEvent struct {
		baseEvent
		// Status is the terminal execution status.
		Status string
		// Output is the final context of a completed run.
		Output map[string]any
		// Reason carries the failure reason of a failed run.
		Reason string
	}

	// NodeEnterEvent fires when the engine enters a state.
	NodeEnterEvent struct {
		baseEvent
		// Input is the mapped execution input of the state.
		Input map[string]any
	}

	// NodeSuccessEvent fires when a state completes.
	NodeSuccessEvent struct {
		baseEvent
		Output map[string]any
	}

	// NodeFailedEvent fires when a state fails.
	NodeFailedEvent struct {
		baseEvent
		Reason string
	}

	// NodeCancelledEvent fires when a state is cancelled.
	NodeCancelledEvent struct {
		baseEvent
	}

	// NodeExitEvent fires when the engine leaves a state, after success or
	// failure handling.
	NodeExitEvent struct {
		baseEvent
		// Duration is the wall time spent in the state.
		Duration time.Duration
	}

	// TaskReadyEvent fires when a task is queued for workers.
	TaskReadyEvent struct {
		baseEvent
		TaskID   string
		Queue    string
		Resource string
	}

	// TaskFinishedEvent fires when a worker reports a task outcome.
	TaskFinishedEvent struct {
		baseEvent
		TaskID string
		// Status is the terminal task status.
		Status string
		Reason string
	}

	// SubflowReadyEvent fires when a map or parallel child is launched.
	SubflowReadyEvent struct {
		baseEvent
		ChildRunID  string
		BranchIndex int
	}

	// SubflowFinishedEvent fires when a map or parallel child reaches a
	// terminal status.
	SubflowFinishedEvent struct {
		baseEvent
		ChildRunID string
		Status     string
	}
)

const (
	WorkflowStarted  EventType = "workflow_started"
	WorkflowFinished EventType = "workflow_finished"
	NodeEnter        EventType = "node_enter"
	NodeSuccess      EventType = "node_success"
	NodeFailed       EventType = "node_failed"
	NodeCancelled    EventType = "node_cancelled"
	NodeExit         EventType = "node_exit"
	TaskReady        EventType = "task_ready"
	TaskFinished     EventType = "task_finished"
	SubflowReady     EventType = "subflow_ready"
	SubflowFinished  EventType = "subflow_finished"
)

func (e baseEvent) Type() EventType      { return e.eventType }
func (e baseEvent) RunID() string        { return e.runID }
func (e baseEvent) StateName() string    { return e.stateName }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBase(t EventType, runID, stateName string) baseEvent {
	return baseEvent{eventType: t, runID: runID, stateName: stateName, timestamp: time.Now()}
}

// NewWorkflowStartedEvent creates a WorkflowStartedEvent.
func NewWorkflowStartedEvent(runID, flowID string, input map[string]any) *WorkflowStartedEvent {
	return &WorkflowStartedEvent{baseEvent: newBase(WorkflowStarted, runID, ""), FlowID: flowID, Input: input}
}

// NewWorkflowFinishedEvent creates a WorkflowFinishedEvent.
func NewWorkflowFinishedEvent(runID, status string, output map[string]any, reason string) *WorkflowFinishedEvent {
	return &WorkflowFinishedEvent{baseEvent: newBase(WorkflowFinished, runID, ""), Status: status, Output: output, Reason: reason}
}

// NewNodeEnterEvent creates a NodeEnterEvent.
func NewNodeEnterEvent(runID, stateName string, input map[string]any) *NodeEnterEvent {
	return &NodeEnterEvent{baseEvent: newBase(NodeEnter, runID, stateName), Input: input}
}

// NewNodeSuccessEvent creates a NodeSuccessEvent.
func NewNodeSuccessEvent(runID, stateName string, output map[string]any) *NodeSuccessEvent {
	return &NodeSuccessEvent{baseEvent: newBase(NodeSuccess, runID, stateName), Output: output}
}

// NewNodeFailedEvent creates a NodeFailedEvent.
func NewNodeFailedEvent(runID, stateName, reason string) *NodeFailedEvent {
	return &NodeFailedEvent{baseEvent: newBase(NodeFailed, runID, stateName), Reason: reason}
}

// NewNodeCancelledEvent creates a NodeCancelledEvent.
func NewNodeCancelledEvent(runID, stateName string) *NodeCancelledEvent {
	return &NodeCancelledEvent{baseEvent: newBase(NodeCancelled, runID, stateName)}
}

// NewNodeExitEvent creates a NodeExitEvent.
func NewNodeExitEvent(runID, stateName string, duration time.Duration) *NodeExitEvent {
	return &NodeExitEvent{baseEvent: newBase(NodeExit, runID, stateName), Duration: duration}
}

// NewTaskReadyEvent creates a TaskReadyEvent.
func NewTaskReadyEvent(runID, stateName, taskID, queue, resource string) *TaskReadyEvent {
	return &TaskReadyEvent{baseEvent: newBase(TaskReady, runID, stateName), TaskID: taskID, Queue: queue, Resource: resource}
}

// NewTaskFinishedEvent creates a TaskFinishedEvent.
func NewTaskFinishedEvent(runID, stateName, taskID, status, reason string) *TaskFinishedEvent {
	return &TaskFinishedEvent{baseEvent: newBase(TaskFinished, runID, stateName), TaskID: taskID, Status: status, Reason: reason}
}

// NewSubflowReadyEvent creates a SubflowReadyEvent.
func NewSubflowReadyEvent(runID, stateName, childRunID string, branchIndex int) *SubflowReadyEvent {
	return &SubflowReadyEvent{baseEvent: newBase(SubflowReady, runID, stateName), ChildRunID: childRunID, BranchIndex: branchIndex}
}

// NewSubflowFinishedEvent creates a SubflowFinishedEvent.
func NewSubflowFinishedEvent(runID, stateName, childRunID, status string) *SubflowFinishedEvent {
	return &SubflowFinishedEvent{baseEvent: newBase(SubflowFinished, runID, stateName), ChildRunID: childRunID, Status: status}
}
