// Package bus defines the message bus carrying task traffic between the
// orchestrator and external workers. Implementations live in subpackages:
// inmem for single-process deployments and tests, pulse for Redis streams.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// TaskReady announces a task queued for workers.
	TaskReady struct {
		TaskID    string         `json:"task_id"`
		RunID     string         `json:"run_id"`
		StateName string         `json:"state_name"`
		Queue     string         `json:"queue"`
		Resource  string         `json:"resource"`
		Input     map[string]any `json:"input,omitempty"`
	}

	// TaskFinished reports a worker's task outcome back to the orchestrator.
	TaskFinished struct {
		TaskID    string         `json:"task_id"`
		RunID     string         `json:"run_id"`
		StateName string         `json:"state_name"`
		// Status is the terminal task status, completed or failed.
		Status string         `json:"status"`
		Output map[string]any `json:"output,omitempty"`
		Error  string         `json:"error,omitempty"`
	}

	// Envelope is the wire format wrapping every published message.
	Envelope struct {
		Type      string          `json:"type"`
		RunID     string          `json:"run_id"`
		StateName string          `json:"state_name,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}

	// TaskReadyHandler consumes TaskReady messages.
	TaskReadyHandler func(ctx context.Context, msg *TaskReady) error

	// TaskFinishedHandler consumes TaskFinished messages.
	TaskFinishedHandler func(ctx context.Context, msg *TaskFinished) error

	// Bus publishes and subscribes task traffic. Subscriptions are named by
	// consumer group: each group receives every message once, delivery
	// within a group is at-least-once, so handlers must be idempotent.
	Bus interface {
		PublishTaskReady(ctx context.Context, msg *TaskReady) error
		PublishTaskFinished(ctx context.Context, msg *TaskFinished) error

		// SubscribeTaskReady starts consuming TaskReady messages for the
		// group. The returned stop function halts consumption.
		SubscribeTaskReady(ctx context.Context, group string, h TaskReadyHandler) (stop func(), err error)
		// SubscribeTaskFinished starts consuming TaskFinished messages for
		// the group.
		SubscribeTaskFinished(ctx context.Context, group string, h TaskFinishedHandler) (stop func(), err error)

		Close(ctx context.Context) error
	}
)

// Message type tags used in envelopes.
const (
	TypeTaskReady    = "task_ready"
	TypeTaskFinished = "task_finished"
)
