// Package inmem provides an in-memory Store for tests and single-process
// deployments. All methods are safe for concurrent use and return defensive
// copies so callers cannot mutate stored state.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/duraflow/flowd/runtime/mapping"
	"github.com/duraflow/flowd/runtime/workflow"
	"github.com/duraflow/flowd/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	executions map[string]*workflow.Execution
	states     map[string]*workflow.StateRecord // keyed run/state
	tasks      map[string]*workflow.QueueTask
	timers     map[string]*workflow.Timer
	events     map[string][]*workflow.EventRecord
	eventSeq   map[string]int64
	templates  map[string]*workflow.Template
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		executions: make(map[string]*workflow.Execution),
		states:     make(map[string]*workflow.StateRecord),
		tasks:      make(map[string]*workflow.QueueTask),
		timers:     make(map[string]*workflow.Timer),
		events:     make(map[string][]*workflow.EventRecord),
		eventSeq:   make(map[string]int64),
		templates:  make(map[string]*workflow.Template),
	}
}

// Reset clears all stored records. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = make(map[string]*workflow.Execution)
	s.states = make(map[string]*workflow.StateRecord)
	s.tasks = make(map[string]*workflow.QueueTask)
	s.timers = make(map[string]*workflow.Timer)
	s.events = make(map[string][]*workflow.EventRecord)
	s.eventSeq = make(map[string]int64)
	s.templates = make(map[string]*workflow.Template)
}

func stateKey(runID, stateName string) string {
	return runID + "/" + stateName
}

func copyExecution(e *workflow.Execution) *workflow.Execution {
	cp := *e
	cp.Context = mapping.Clone(e.Context)
	cp.Input = mapping.Clone(e.Input)
	cp.Output = mapping.Clone(e.Output)
	return &cp
}

func copyState(r *workflow.StateRecord) *workflow.StateRecord {
	cp := *r
	cp.Input = mapping.Clone(r.Input)
	cp.Output = mapping.Clone(r.Output)
	return &cp
}

func copyTask(t *workflow.QueueTask) *workflow.QueueTask {
	cp := *t
	cp.Input = mapping.Clone(t.Input)
	cp.Output = mapping.Clone(t.Output)
	return &cp
}

// CreateExecution stores a new run. The run ID must be unused.
func (s *Store) CreateExecution(_ context.Context, exec *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.RunID]; ok {
		return fmt.Errorf("execution %q already exists: %w", exec.RunID, store.ErrConflict)
	}
	cp := copyExecution(exec)
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.executions[exec.RunID] = cp
	exec.Version = cp.Version
	return nil
}

// GetExecution returns the run with the given ID.
func (s *Store) GetExecution(_ context.Context, runID string) (*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[runID]
	if !ok {
		return nil, fmt.Errorf("execution %q: %w", runID, store.ErrNotFound)
	}
	return copyExecution(e), nil
}

// ListExecutions returns runs matching the filter, most recent first.
func (s *Store) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Execution
	for _, e := range s.executions {
		if filter.FlowID != "" && e.FlowID != filter.FlowID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.ParentRunID != "" && e.ParentRunID != filter.ParentRunID {
			continue
		}
		out = append(out, copyExecution(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && int64(len(out)) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateExecution persists a new version of the run. The stored version must
// be exactly one behind the record's version.
func (s *Store) UpdateExecution(_ context.Context, exec *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.executions[exec.RunID]
	if !ok {
		return fmt.Errorf("execution %q: %w", exec.RunID, store.ErrNotFound)
	}
	if cur.Version != exec.Version-1 {
		return fmt.Errorf("execution %q version %d, expected %d: %w",
			exec.RunID, cur.Version, exec.Version-1, store.ErrConflict)
	}
	s.executions[exec.RunID] = copyExecution(exec)
	return nil
}

// DeleteExecution removes the run.
func (s *Store) DeleteExecution(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[runID]; !ok {
		return fmt.Errorf("execution %q: %w", runID, store.ErrNotFound)
	}
	delete(s.executions, runID)
	return nil
}

// FindSubflows returns the children of a parent state in branch order.
func (s *Store) FindSubflows(_ context.Context, parentRunID, parentStateName string) ([]*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Execution
	for _, e := range s.executions {
		if e.ParentRunID == parentRunID && e.ParentStateName == parentStateName {
			out = append(out, copyExecution(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BranchIndex < out[j].BranchIndex })
	return out, nil
}

// UpsertStateOnEntry creates or restarts the history row for a state entry.
// The input document is only written on first creation.
func (s *Store) UpsertStateOnEntry(_ context.Context, rec *workflow.StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey(rec.RunID, rec.StateName)
	if cur, ok := s.states[key]; ok {
		cur.Status = workflow.StateStarted
		cur.Error = ""
		cur.FinishedAt = nil
		return nil
	}
	cp := copyState(rec)
	cp.Status = workflow.StateStarted
	s.states[key] = cp
	return nil
}

// UpdateStateOnFinish records the outcome of a state execution.
func (s *Store) UpdateStateOnFinish(_ context.Context, runID, stateName string, status workflow.StateStatus, output map[string]any, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.states[stateKey(runID, stateName)]
	if !ok {
		return fmt.Errorf("state %s/%s: %w", runID, stateName, store.ErrNotFound)
	}
	now := time.Now()
	cur.Status = status
	cur.Output = mapping.Clone(output)
	cur.Error = errMsg
	cur.FinishedAt = &now
	return nil
}

// GetState returns the history row for a state.
func (s *Store) GetState(_ context.Context, runID, stateName string) (*workflow.StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.states[stateKey(runID, stateName)]
	if !ok {
		return nil, fmt.Errorf("state %s/%s: %w", runID, stateName, store.ErrNotFound)
	}
	return copyState(cur), nil
}

// ListStates returns all history rows of a run ordered by entry time.
func (s *Store) ListStates(_ context.Context, runID string) ([]*workflow.StateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.StateRecord
	for _, r := range s.states {
		if r.RunID == runID {
			out = append(out, copyState(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnteredAt.Before(out[j].EnteredAt) })
	return out, nil
}

// CreateTask stores a new queue task.
func (s *Store) CreateTask(_ context.Context, task *workflow.QueueTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskID]; ok {
		return fmt.Errorf("task %q already exists: %w", task.TaskID, store.ErrConflict)
	}
	s.tasks[task.TaskID] = copyTask(task)
	return nil
}

// GetTask returns the task with the given ID.
func (s *Store) GetTask(_ context.Context, taskID string) (*workflow.QueueTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", taskID, store.ErrNotFound)
	}
	return copyTask(t), nil
}

// FindTasksByStatus returns tasks on a queue in the given status, highest
// priority first then oldest first.
func (s *Store) FindTasksByStatus(_ context.Context, queue string, status workflow.TaskStatus, limit int64) ([]*workflow.QueueTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.QueueTask
	for _, t := range s.tasks {
		if (queue == "" || t.Queue == queue) && t.Status == status {
			out = append(out, copyTask(t))
		}
	}
	sortTasks(out)
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortTasks(tasks []*workflow.QueueTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func applyPatch(t *workflow.QueueTask, patch store.TaskPatch) error {
	if patch.Status != nil {
		if !t.Status.CanTransition(*patch.Status) {
			return fmt.Errorf("task %q cannot move from %s to %s: %w",
				t.TaskID, t.Status, *patch.Status, store.ErrConflict)
		}
		t.Status = *patch.Status
	}
	if patch.Output != nil {
		t.Output = mapping.Clone(patch.Output)
	}
	if patch.Error != nil {
		t.Error = *patch.Error
	}
	if patch.WorkerID != nil {
		t.WorkerID = *patch.WorkerID
	}
	if patch.Attempts != nil {
		t.Attempts = *patch.Attempts
	}
	if patch.NextRetryAt != nil {
		t.NextRetryAt = patch.NextRetryAt
	}
	t.UpdatedAt = time.Now()
	return nil
}

// UpdateTask applies a patch to the task, enforcing status transitions.
func (s *Store) UpdateTask(_ context.Context, taskID string, patch store.TaskPatch) (*workflow.QueueTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", taskID, store.ErrNotFound)
	}
	if err := applyPatch(t, patch); err != nil {
		return nil, err
	}
	return copyTask(t), nil
}

// UpdateTaskByRunState patches the task for a run state when its status
// matches expected. The boolean reports whether a row matched.
func (s *Store) UpdateTaskByRunState(_ context.Context, runID, stateName string, expected workflow.TaskStatus, patch store.TaskPatch) (*workflow.QueueTask, bool, error) {
	if patch.Status != nil && !expected.CanTransition(*patch.Status) {
		return nil, false, fmt.Errorf("task for %s/%s cannot move from %s to %s: %w",
			runID, stateName, expected, *patch.Status, store.ErrConflict)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var match *workflow.QueueTask
	for _, t := range s.tasks {
		if t.RunID == runID && t.StateName == stateName && t.Status == expected {
			if match == nil || t.CreatedAt.After(match.CreatedAt) {
				match = t
			}
		}
	}
	if match == nil {
		return nil, false, nil
	}
	if err := applyPatch(match, patch); err != nil {
		return nil, false, err
	}
	return copyTask(match), true, nil
}

// ClaimNextTask atomically claims the best claimable task on the queue.
func (s *Store) ClaimNextTask(_ context.Context, queue, workerID string) (*workflow.QueueTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var candidates []*workflow.QueueTask
	for _, t := range s.tasks {
		if t.Queue != queue {
			continue
		}
		switch t.Status {
		case workflow.TaskPending:
			candidates = append(candidates, t)
		case workflow.TaskRetrying:
			if t.NextRetryAt == nil || !t.NextRetryAt.After(now) {
				candidates = append(candidates, t)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sortTasks(candidates)
	t := candidates[0]
	t.Status = workflow.TaskProcessing
	t.WorkerID = workerID
	t.Attempts++
	t.ClaimedAt = &now
	t.UpdatedAt = now
	return copyTask(t), nil
}

// FindTasksToRetry returns retrying tasks due at or before now.
func (s *Store) FindTasksToRetry(_ context.Context, now time.Time, limit int64) ([]*workflow.QueueTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.QueueTask
	for _, t := range s.tasks {
		if t.Status == workflow.TaskRetrying && (t.NextRetryAt == nil || !t.NextRetryAt.After(now)) {
			out = append(out, copyTask(t))
		}
	}
	sortTasks(out)
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindExpiredTasks returns processing tasks whose timeout elapsed or whose
// worker heartbeat went stale before now.
func (s *Store) FindExpiredTasks(_ context.Context, now time.Time, limit int64) ([]*workflow.QueueTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.QueueTask
	for _, t := range s.tasks {
		if t.DeadlineExpired(now) || t.HeartbeatStale(now) {
			out = append(out, copyTask(t))
		}
	}
	sortTasks(out)
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteTask removes the task.
func (s *Store) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return fmt.Errorf("task %q: %w", taskID, store.ErrNotFound)
	}
	delete(s.tasks, taskID)
	return nil
}

// CreateTimer stores a new timer.
func (s *Store) CreateTimer(_ context.Context, timer *workflow.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[timer.TimerID]; ok {
		return fmt.Errorf("timer %q already exists: %w", timer.TimerID, store.ErrConflict)
	}
	cp := *timer
	s.timers[timer.TimerID] = &cp
	return nil
}

// GetTimer returns the timer with the given ID.
func (s *Store) GetTimer(_ context.Context, timerID string) (*workflow.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.timers[timerID]
	if !ok {
		return nil, fmt.Errorf("timer %q: %w", timerID, store.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// FindTimersBefore returns unfired timers due at or before the instant,
// earliest first.
func (s *Store) FindTimersBefore(_ context.Context, at time.Time, limit int64) ([]*workflow.Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Timer
	for _, t := range s.timers {
		if !t.Fired && !t.FireAt.After(at) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkTimerFired flips the timer to fired exactly once.
func (s *Store) MarkTimerFired(_ context.Context, timerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[timerID]
	if !ok {
		return fmt.Errorf("timer %q: %w", timerID, store.ErrNotFound)
	}
	if t.Fired {
		return fmt.Errorf("timer %q already fired: %w", timerID, store.ErrConflict)
	}
	t.Fired = true
	return nil
}

// DeleteTimer removes the timer.
func (s *Store) DeleteTimer(_ context.Context, timerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[timerID]; !ok {
		return fmt.Errorf("timer %q: %w", timerID, store.ErrNotFound)
	}
	delete(s.timers, timerID)
	return nil
}

// AppendEvent assigns the next per-run event ID and stores the record.
func (s *Store) AppendEvent(_ context.Context, rec *workflow.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSeq[rec.RunID]++
	cp := *rec
	cp.EventID = s.eventSeq[rec.RunID]
	cp.Payload = mapping.Clone(rec.Payload)
	s.events[rec.RunID] = append(s.events[rec.RunID], &cp)
	rec.EventID = cp.EventID
	return nil
}

// ListEventsByRun returns journal entries after the given ID in order.
func (s *Store) ListEventsByRun(_ context.Context, runID string, afterID int64, limit int64) ([]*workflow.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.EventRecord
	for _, e := range s.events[runID] {
		if e.EventID <= afterID {
			continue
		}
		cp := *e
		cp.Payload = mapping.Clone(e.Payload)
		out = append(out, &cp)
		if limit > 0 && int64(len(out)) == limit {
			break
		}
	}
	return out, nil
}

// DeleteEventsByRun removes the run's journal.
func (s *Store) DeleteEventsByRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, runID)
	delete(s.eventSeq, runID)
	return nil
}

// PutTemplate stores or replaces a named definition.
func (s *Store) PutTemplate(_ context.Context, tpl *workflow.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tpl
	s.templates[tpl.FlowID] = &cp
	return nil
}

// GetTemplate returns the template with the given flow ID.
func (s *Store) GetTemplate(_ context.Context, flowID string) (*workflow.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[flowID]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", flowID, store.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// ListTemplates returns all templates sorted by flow ID.
func (s *Store) ListTemplates(_ context.Context) ([]*workflow.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Template, 0, len(s.templates))
	for _, t := range s.templates {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out, nil
}

// DeleteTemplate removes the template.
func (s *Store) DeleteTemplate(_ context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[flowID]; !ok {
		return fmt.Errorf("template %q: %w", flowID, store.ErrNotFound)
	}
	delete(s.templates, flowID)
	return nil
}
