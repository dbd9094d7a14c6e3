package match

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/duraflow/flowd/runtime/workflow"
	"github.com/duraflow/flowd/store"
)

// Persistent is a store-backed matcher. Claims run through the store's
// atomic claim operation so multiple orchestrator processes can share one
// task table; blocked Take calls poll at a bounded rate.
type Persistent struct {
	tasks store.TaskStore
	retry RetryPolicy
	poll  *rate.Limiter
}

var _ Service = (*Persistent)(nil)

// defaultPollInterval paces store claims while a Take waits for work.
const defaultPollInterval = 250 * time.Millisecond

// NewPersistent returns a store-backed matcher. A zero retry policy selects
// DefaultRetryPolicy; a zero poll interval selects the default pacing.
func NewPersistent(tasks store.TaskStore, retry RetryPolicy, pollInterval time.Duration) *Persistent {
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Persistent{
		tasks: tasks,
		retry: retry,
		poll:  rate.NewLimiter(rate.Every(pollInterval), 1),
	}
}

// Enqueue persists the task as pending.
func (p *Persistent) Enqueue(ctx context.Context, queue string, task *workflow.QueueTask) (string, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.Queue == "" {
		task.Queue = queue
	}
	task.Status = workflow.TaskPending
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if err := p.tasks.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return task.TaskID, nil
}

// Take polls the store until a task is claimed or the timeout elapses.
func (p *Persistent) Take(ctx context.Context, queue, workerID string, timeout time.Duration) (*workflow.QueueTask, error) {
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	for {
		task, err := p.tasks.ClaimNextTask(ctx, queue, workerID)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		if err := p.poll.Wait(ctx); err != nil {
			if ctx.Err() == context.Canceled {
				return nil, ctx.Err()
			}
			// Deadline reached with no work, or the next poll would land
			// past it.
			return nil, nil
		}
	}
}

// Finish resolves a worker report against the stored processing task.
func (p *Persistent) Finish(ctx context.Context, runID, stateName string, patch FinishPatch) (*workflow.QueueTask, error) {
	// Touch the row first to learn the current attempt count.
	cur, matched, err := p.tasks.UpdateTaskByRunState(ctx, runID, stateName, workflow.TaskProcessing, store.TaskPatch{})
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, fmt.Errorf("no processing task for %s/%s: %w", runID, stateName, store.ErrNotFound)
	}

	final := store.TaskPatch{Output: patch.Output}
	if patch.Error != "" {
		final.Error = &patch.Error
	}
	switch patch.Status {
	case workflow.TaskCompleted:
		status := workflow.TaskCompleted
		final.Status = &status
	case workflow.TaskFailed:
		status := workflow.TaskFailed
		final.Status = &status
	default:
		return nil, fmt.Errorf("finish status must be terminal, got %q: %w", patch.Status, ErrInvalidStatusTransition)
	}

	task, matched, err := p.tasks.UpdateTaskByRunState(ctx, runID, stateName, workflow.TaskProcessing, final)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, fmt.Errorf("task for %s/%s changed concurrently", runID, stateName)
	}
	retry := p.retry.ForTask(cur)
	if patch.Status != workflow.TaskFailed || retry.Exhausted(cur.Attempts) {
		return task, nil
	}

	// Attempts remain: the row recorded failed, now move it on to retrying.
	retrying := workflow.TaskRetrying
	at := time.Now().Add(retry.Backoff(cur.Attempts))
	task, matched, err = p.tasks.UpdateTaskByRunState(ctx, runID, stateName, workflow.TaskFailed, store.TaskPatch{
		Status:      &retrying,
		NextRetryAt: &at,
	})
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, fmt.Errorf("task for %s/%s changed concurrently", runID, stateName)
	}
	return task, nil
}

// Heartbeat touches the processing task row so expiry sweeps see liveness.
func (p *Persistent) Heartbeat(ctx context.Context, runID, stateName string) error {
	_, matched, err := p.tasks.UpdateTaskByRunState(ctx, runID, stateName, workflow.TaskProcessing, store.TaskPatch{})
	if err != nil {
		return err
	}
	if !matched {
		return fmt.Errorf("no processing task for %s/%s: %w", runID, stateName, store.ErrNotFound)
	}
	return nil
}

// Stats counts pending and processing tasks across queues.
func (p *Persistent) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Pending: make(map[string]int), Processing: make(map[string]int)}
	pending, err := p.tasks.FindTasksByStatus(ctx, "", workflow.TaskPending, 0)
	if err != nil {
		return Stats{}, err
	}
	for _, t := range pending {
		stats.Pending[t.Queue]++
	}
	processing, err := p.tasks.FindTasksByStatus(ctx, "", workflow.TaskProcessing, 0)
	if err != nil {
		return Stats{}, err
	}
	for _, t := range processing {
		stats.Processing[t.Queue]++
	}
	return stats, nil
}
