package match

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duraflow/flowd/runtime/mapping"
	"github.com/duraflow/flowd/runtime/workflow"
	"github.com/duraflow/flowd/store"
)

// Memory is an in-process matcher. Pending tasks sit in per-queue slices
// ordered by priority then age; blocked Take calls park on rendezvous
// channels so an Enqueue can hand a task straight to a waiting worker.
type Memory struct {
	mu      sync.Mutex
	pending map[string][]*workflow.QueueTask
	// inflight indexes processing tasks by run/state for Finish.
	inflight map[string]*workflow.QueueTask
	waiters  map[string][]*waiter
	retry    RetryPolicy
}

type waiter struct {
	workerID string
	ch       chan *workflow.QueueTask
}

var _ Service = (*Memory)(nil)

// NewMemory returns an in-process matcher with the given retry policy. A
// zero policy selects DefaultRetryPolicy.
func NewMemory(retry RetryPolicy) *Memory {
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryPolicy
	}
	return &Memory{
		pending:  make(map[string][]*workflow.QueueTask),
		inflight: make(map[string]*workflow.QueueTask),
		waiters:  make(map[string][]*waiter),
		retry:    retry,
	}
}

func inflightKey(runID, stateName string) string { return runID + "/" + stateName }

func fillDefaults(queue string, task *workflow.QueueTask) {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.Queue == "" {
		task.Queue = queue
	}
	if task.Status == "" {
		task.Status = workflow.TaskPending
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
}

// Enqueue registers the task. A parked worker on the queue receives it
// immediately, otherwise it joins the pending set.
func (m *Memory) Enqueue(_ context.Context, queue string, task *workflow.QueueTask) (string, error) {
	fillDefaults(queue, task)
	cp := cloneTask(task)

	m.mu.Lock()
	defer m.mu.Unlock()
	if ws := m.waiters[queue]; len(ws) > 0 {
		w := ws[0]
		m.waiters[queue] = ws[1:]
		m.claimLocked(cp, w.workerID)
		w.ch <- cloneTask(cp)
		return task.TaskID, nil
	}
	m.pending[queue] = append(m.pending[queue], cp)
	return task.TaskID, nil
}

func (m *Memory) claimLocked(task *workflow.QueueTask, workerID string) {
	now := time.Now()
	task.Status = workflow.TaskProcessing
	task.WorkerID = workerID
	task.Attempts++
	task.ClaimedAt = &now
	task.UpdatedAt = now
	m.inflight[inflightKey(task.RunID, task.StateName)] = task
}

// TryTake claims the best pending task without blocking, returning nil when
// the queue is empty.
func (m *Memory) TryTake(_ context.Context, queue, workerID string) (*workflow.QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task := m.popLocked(queue)
	if task == nil {
		return nil, nil
	}
	m.claimLocked(task, workerID)
	return cloneTask(task), nil
}

func (m *Memory) popLocked(queue string) *workflow.QueueTask {
	q := m.pending[queue]
	if len(q) == 0 {
		return nil
	}
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].Priority != q[j].Priority {
			return q[i].Priority > q[j].Priority
		}
		return q[i].CreatedAt.Before(q[j].CreatedAt)
	})
	task := q[0]
	m.pending[queue] = q[1:]
	return task
}

// Take blocks until a task is available or the timeout elapses.
func (m *Memory) Take(ctx context.Context, queue, workerID string, timeout time.Duration) (*workflow.QueueTask, error) {
	m.mu.Lock()
	if task := m.popLocked(queue); task != nil {
		m.claimLocked(task, workerID)
		m.mu.Unlock()
		return cloneTask(task), nil
	}
	w := &waiter{workerID: workerID, ch: make(chan *workflow.QueueTask, 1)}
	m.waiters[queue] = append(m.waiters[queue], w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case task := <-w.ch:
		return task, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// A handoff may have raced the timeout; prefer the task.
	select {
	case task := <-w.ch:
		return task, nil
	default:
	}
	ws := m.waiters[queue]
	for i, cand := range ws {
		if cand == w {
			m.waiters[queue] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

// Finish resolves a worker report for the processing task of a run state.
func (m *Memory) Finish(_ context.Context, runID, stateName string, patch FinishPatch) (*workflow.QueueTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inflightKey(runID, stateName)
	task, ok := m.inflight[key]
	if !ok {
		return nil, fmt.Errorf("no processing task for %s/%s: %w", runID, stateName, store.ErrNotFound)
	}

	now := time.Now()
	task.UpdatedAt = now
	switch patch.Status {
	case workflow.TaskCompleted:
		task.Status = workflow.TaskCompleted
		task.Output = mapping.Clone(patch.Output)
		delete(m.inflight, key)
	case workflow.TaskFailed:
		task.Error = patch.Error
		task.Status = workflow.TaskFailed
		delete(m.inflight, key)
		if retry := m.retry.ForTask(task); !retry.Exhausted(task.Attempts) {
			task.Status = workflow.TaskRetrying
			at := now.Add(retry.Backoff(task.Attempts))
			task.NextRetryAt = &at
			m.scheduleRetryLocked(task)
		}
	default:
		return nil, fmt.Errorf("finish status must be terminal, got %q: %w", patch.Status, ErrInvalidStatusTransition)
	}
	return cloneTask(task), nil
}

// Heartbeat marks the processing task of a run state as alive.
func (m *Memory) Heartbeat(_ context.Context, runID, stateName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.inflight[inflightKey(runID, stateName)]
	if !ok {
		return fmt.Errorf("no processing task for %s/%s: %w", runID, stateName, store.ErrNotFound)
	}
	task.UpdatedAt = time.Now()
	return nil
}

// scheduleRetryLocked re-offers the task once its backoff elapses. The row
// stays retrying until a worker claims it, which moves it to processing.
func (m *Memory) scheduleRetryLocked(task *workflow.QueueTask) {
	delay := time.Until(*task.NextRetryAt)
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if task.Status != workflow.TaskRetrying {
			return
		}
		task.NextRetryAt = nil
		if ws := m.waiters[task.Queue]; len(ws) > 0 {
			w := ws[0]
			m.waiters[task.Queue] = ws[1:]
			m.claimLocked(task, w.workerID)
			w.ch <- cloneTask(task)
			return
		}
		m.pending[task.Queue] = append(m.pending[task.Queue], task)
	})
}

// Forget drops any local record of the run state's task. Used when another
// matcher is authoritative for the outcome.
func (m *Memory) Forget(runID, stateName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := inflightKey(runID, stateName)
	delete(m.inflight, key)
	for queue, q := range m.pending {
		kept := q[:0]
		for _, t := range q {
			if t.RunID != runID || t.StateName != stateName {
				kept = append(kept, t)
			}
		}
		m.pending[queue] = kept
	}
}

// Stats returns current queue depths.
func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{Pending: make(map[string]int), Processing: make(map[string]int)}
	for queue, q := range m.pending {
		stats.Pending[queue] = len(q)
	}
	for _, t := range m.inflight {
		stats.Processing[t.Queue]++
	}
	return stats, nil
}

func cloneTask(t *workflow.QueueTask) *workflow.QueueTask {
	cp := *t
	cp.Input = mapping.Clone(t.Input)
	cp.Output = mapping.Clone(t.Output)
	return &cp
}
