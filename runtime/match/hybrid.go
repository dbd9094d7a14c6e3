package match

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/duraflow/flowd/runtime/workflow"
	"github.com/duraflow/flowd/store"
)

// Hybrid layers an in-process matcher over a store-backed one. The store is
// authoritative: every task is persisted and every claim or outcome is
// recorded there, while the memory layer provides low-latency handoff to
// workers parked on the same process.
type Hybrid struct {
	mem   *Memory
	disk  *Persistent
	tasks store.TaskStore
}

var _ Service = (*Hybrid)(nil)

// NewHybrid returns a matcher combining the two layers.
func NewHybrid(mem *Memory, disk *Persistent) *Hybrid {
	return &Hybrid{mem: mem, disk: disk, tasks: disk.tasks}
}

// Enqueue persists the task, then mirrors it into the memory layer.
func (h *Hybrid) Enqueue(ctx context.Context, queue string, task *workflow.QueueTask) (string, error) {
	id, err := h.disk.Enqueue(ctx, queue, task)
	if err != nil {
		return "", err
	}
	shadow := cloneTask(task)
	if _, err := h.mem.Enqueue(ctx, queue, shadow); err != nil {
		// The store copy still makes the task claimable by polling.
		log.Errorf(ctx, err, "mirror task %s into memory", id)
	}
	return id, nil
}

// Take prefers the memory layer, falling back to store polling. A memory hit
// is confirmed against the store so only one process can win the claim.
func (h *Hybrid) Take(ctx context.Context, queue, workerID string, timeout time.Duration) (*workflow.QueueTask, error) {
	deadline := time.Now().Add(timeout)
	for {
		hit, err := h.mem.TryTake(ctx, queue, workerID)
		if err != nil {
			return nil, err
		}
		if hit == nil {
			break
		}
		status := workflow.TaskProcessing
		claimed, matched, err := h.tasks.UpdateTaskByRunState(ctx, hit.RunID, hit.StateName, workflow.TaskPending, store.TaskPatch{
			Status:   &status,
			WorkerID: &workerID,
			Attempts: intPtr(hit.Attempts),
		})
		if err != nil {
			return nil, err
		}
		if matched {
			return claimed, nil
		}
		// Another process already claimed or resolved it; drop the shadow
		// and look again.
		h.mem.Forget(hit.RunID, hit.StateName)
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, nil
	}
	task, err := h.disk.Take(ctx, queue, workerID, remaining)
	if err != nil || task == nil {
		return task, err
	}
	h.mem.Forget(task.RunID, task.StateName)
	return task, nil
}

func intPtr(v int) *int { return &v }

// Finish resolves the report in the store and drops any memory shadow.
func (h *Hybrid) Finish(ctx context.Context, runID, stateName string, patch FinishPatch) (*workflow.QueueTask, error) {
	task, err := h.disk.Finish(ctx, runID, stateName, patch)
	if err != nil {
		return nil, err
	}
	h.mem.Forget(runID, stateName)
	return task, nil
}

// Heartbeat records liveness on the authoritative store row.
func (h *Hybrid) Heartbeat(ctx context.Context, runID, stateName string) error {
	return h.disk.Heartbeat(ctx, runID, stateName)
}

// Stats reports the authoritative store view.
func (h *Hybrid) Stats(ctx context.Context) (Stats, error) {
	return h.disk.Stats(ctx)
}
