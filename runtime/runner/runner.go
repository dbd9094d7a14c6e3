// Package runner connects task outcomes to run engines. Workers report
// results to the gateway, which resolves them through the match service; the
// runner turns the resolved outcomes into engine signals, either directly
// in-process or via the message bus for multi-process deployments.
package runner

import (
	"context"
	"fmt"
	"sync"

	"goa.design/clue/log"

	"github.com/duraflow/flowd/bus"
	"github.com/duraflow/flowd/runtime/engine"
	"github.com/duraflow/flowd/runtime/workflow"
)

type (
	// Completer delivers a resolved task outcome to the run that owns it.
	Completer interface {
		Complete(ctx context.Context, msg *bus.TaskFinished) error
	}

	// DirectCompleter signals the local engine registry. Used when gateway
	// and engines share a process.
	DirectCompleter struct {
		Registry *engine.Registry
	}

	// BusCompleter publishes the outcome on the message bus for a runner in
	// another process to pick up.
	BusCompleter struct {
		Bus bus.Bus
	}

	// Runner consumes TaskFinished messages from the bus and drives the
	// affected runs.
	Runner struct {
		bus      bus.Bus
		registry *engine.Registry

		mu   sync.Mutex
		stop func()
	}
)

// Complete translates the outcome into a signal and drives the run.
func (c *DirectCompleter) Complete(ctx context.Context, msg *bus.TaskFinished) error {
	sig, ok := outcomeSignal(msg)
	if !ok {
		return nil
	}
	return c.Registry.Deliver(ctx, sig)
}

// Heartbeat records worker liveness for a claimed task on its run. The
// engine touches the task row so timeout sweeps do not reap it. Heartbeats
// never ride the bus: the row touch is durable in the store and no engine
// advances on one, so any process can apply it locally.
func (c *DirectCompleter) Heartbeat(ctx context.Context, runID, stateName, taskID string) error {
	return c.Registry.Deliver(ctx, engine.NewHeartbeat(runID, stateName, taskID))
}

// Complete publishes the outcome for remote runners.
func (c *BusCompleter) Complete(ctx context.Context, msg *bus.TaskFinished) error {
	return c.Bus.PublishTaskFinished(ctx, msg)
}

// outcomeSignal maps a terminal task outcome to its engine signal. Non
// terminal outcomes produce no signal: a retrying task stays queued.
func outcomeSignal(msg *bus.TaskFinished) (engine.Signal, bool) {
	switch workflow.TaskStatus(msg.Status) {
	case workflow.TaskCompleted:
		return engine.NewTaskCompleted(msg.RunID, msg.StateName, msg.TaskID, msg.Output), true
	case workflow.TaskFailed:
		return engine.NewTaskFailed(msg.RunID, msg.StateName, msg.TaskID, msg.Error), true
	default:
		return nil, false
	}
}

// New creates a runner consuming from the bus into the registry.
func New(b bus.Bus, registry *engine.Registry) *Runner {
	return &Runner{bus: b, registry: registry}
}

// Start subscribes the runner under the consumer group. Outcomes that fail
// to apply are returned to the bus for redelivery.
func (r *Runner) Start(ctx context.Context, group string) error {
	stop, err := r.bus.SubscribeTaskFinished(ctx, group, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe task outcomes: %w", err)
	}
	r.mu.Lock()
	r.stop = stop
	r.mu.Unlock()
	return nil
}

func (r *Runner) handle(ctx context.Context, msg *bus.TaskFinished) error {
	sig, ok := outcomeSignal(msg)
	if !ok {
		return nil
	}
	if err := r.registry.Deliver(ctx, sig); err != nil {
		log.Errorf(ctx, err, "apply task outcome %s/%s", msg.RunID, msg.StateName)
		return err
	}
	return nil
}

// Close stops consuming.
func (r *Runner) Close() {
	r.mu.Lock()
	stop := r.stop
	r.stop = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}
