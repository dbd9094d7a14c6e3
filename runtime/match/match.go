// Package match pairs queued tasks with workers. A Service owns the queue
// discipline: priority ordering, FIFO within a priority, retry backoff and
// the final say on whether a finished task completed, retries or failed.
package match

import (
	"context"
	"errors"
	"time"

	"github.com/duraflow/flowd/runtime/workflow"
)

// ErrInvalidStatusTransition is returned by Finish when the reported status
// is not a terminal one.
var ErrInvalidStatusTransition = errors.New("invalid status transition")

type (
	// FinishPatch carries a worker's reported outcome for a task.
	FinishPatch struct {
		// Status is the reported terminal status, TaskCompleted or
		// TaskFailed. A failed report may still resolve to retrying if the
		// retry policy allows another attempt.
		Status workflow.TaskStatus
		Output map[string]any
		Error  string
		// WorkerID identifies the reporting worker.
		WorkerID string
	}

	// RetryPolicy shapes the backoff applied to failed tasks.
	RetryPolicy struct {
		// BaseInterval is the delay before the first retry.
		BaseInterval time.Duration
		// Multiplier scales the delay for each subsequent retry.
		Multiplier float64
		// MaxInterval caps the delay.
		MaxInterval time.Duration
		// MaxAttempts bounds total attempts including the first.
		MaxAttempts int
	}

	// Stats reports queue depths for observability.
	Stats struct {
		// Pending counts claimable tasks per queue.
		Pending map[string]int
		// Processing counts claimed tasks per queue.
		Processing map[string]int
	}

	// Service matches tasks to workers.
	Service interface {
		// Enqueue registers a task for matching and returns its ID. Missing
		// fields (ID, status, timestamps) are filled in.
		Enqueue(ctx context.Context, queue string, task *workflow.QueueTask) (string, error)

		// Take blocks until a task is available on the queue or the timeout
		// elapses, returning nil, nil on expiry. The claimed task is marked
		// processing and attributed to the worker.
		Take(ctx context.Context, queue, workerID string, timeout time.Duration) (*workflow.QueueTask, error)

		// Finish resolves a worker report for the processing task of a run
		// state and returns the final row, so callers can tell completed
		// from retrying from failed. A failed report becomes retrying while
		// attempts remain, failed once they are exhausted.
		Finish(ctx context.Context, runID, stateName string, patch FinishPatch) (*workflow.QueueTask, error)

		// Heartbeat records worker liveness on the processing task of a run
		// state, returning store.ErrNotFound when there is none.
		Heartbeat(ctx context.Context, runID, stateName string) error

		// Stats returns current queue depths.
		Stats(ctx context.Context) (Stats, error)
	}
)

// DefaultRetryPolicy is applied when a service is built without one.
var DefaultRetryPolicy = RetryPolicy{
	BaseInterval: 5 * time.Second,
	Multiplier:   2,
	MaxInterval:  30 * time.Second,
	MaxAttempts:  3,
}

// Backoff returns the delay before the next attempt given the number of
// attempts already made.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	d := p.BaseInterval
	for i := 1; i < attempts; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// Exhausted reports whether no attempts remain after the given count.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// ForTask returns the policy with the task's attempt cap applied. A task
// with no cap of its own keeps the policy unchanged.
func (p RetryPolicy) ForTask(t *workflow.QueueTask) RetryPolicy {
	if t.MaxAttempts > 0 {
		p.MaxAttempts = t.MaxAttempts
	}
	return p
}
