package match

import (
	"context"
	"time"

	"github.com/duraflow/flowd/bus"
	"github.com/duraflow/flowd/runtime/workflow"
)

// EventDriven decorates a Service with bus announcements: every enqueued
// task is published as a TaskReady message so push-based workers learn about
// work without polling. Matching semantics are unchanged.
type EventDriven struct {
	Service
	bus bus.Bus
}

var _ Service = (*EventDriven)(nil)

// NewEventDriven wraps the service with TaskReady publication.
func NewEventDriven(svc Service, b bus.Bus) *EventDriven {
	return &EventDriven{Service: svc, bus: b}
}

// Enqueue registers the task and announces it on the bus.
func (e *EventDriven) Enqueue(ctx context.Context, queue string, task *workflow.QueueTask) (string, error) {
	id, err := e.Service.Enqueue(ctx, queue, task)
	if err != nil {
		return "", err
	}
	err = e.bus.PublishTaskReady(ctx, &bus.TaskReady{
		TaskID:    id,
		RunID:     task.RunID,
		StateName: task.StateName,
		Queue:     task.Queue,
		Resource:  task.Resource,
		Input:     task.Input,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Take delegates to the wrapped service.
func (e *EventDriven) Take(ctx context.Context, queue, workerID string, timeout time.Duration) (*workflow.QueueTask, error) {
	return e.Service.Take(ctx, queue, workerID, timeout)
}
