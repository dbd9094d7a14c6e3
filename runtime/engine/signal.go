package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/duraflow/flowd/runtime/workflow"
)

type (
	// Signal is an external fact delivered to a run: a task outcome, a fired
	// timer or a finished subflow. Signals are queued in the run's mailbox
	// and applied in arrival order.
	Signal interface {
		// SignalRunID returns the run the signal targets.
		SignalRunID() string
		// SignalStateName returns the state the signal concerns.
		SignalStateName() string
	}

	baseSignal struct {
		runID     string
		stateName string
	}

	// TaskCompleted reports that a worker finished the state's task.
	TaskCompleted struct {
		baseSignal
		TaskID string
		Output map[string]any
	}

	// TaskFailed reports that the state's task exhausted its attempts.
	TaskFailed struct {
		baseSignal
		TaskID string
		Reason string
	}

	// TaskCancelled reports that the state's task was cancelled.
	TaskCancelled struct {
		baseSignal
		TaskID string
		Reason string
	}

	// TimerFired reports that a wait state's durable timer elapsed.
	TimerFired struct {
		baseSignal
		TimerID string
	}

	// SubflowFinished reports that a map or parallel child reached a
	// terminal status.
	SubflowFinished struct {
		baseSignal
		ChildRunID string
		Status     workflow.ExecutionStatus
		Output     map[string]any
		Reason     string
	}

	// Heartbeat reports worker liveness for a long-running task.
	Heartbeat struct {
		baseSignal
		TaskID string
	}

	// Mailbox is an unbounded FIFO of signals for one run. Put never blocks;
	// Next blocks until a signal arrives or the context ends.
	Mailbox struct {
		mu     sync.Mutex
		queue  []Signal
		wake   chan struct{}
		closed bool
	}

	// Sender delivers signals into a mailbox. Senders are plain values:
	// copying one yields another handle on the same mailbox, so they can be
	// handed to timers, runners and gateways freely.
	Sender struct {
		box *Mailbox
	}
)

// ErrMailboxClosed is returned by Next once the mailbox is closed and drained.
var ErrMailboxClosed = errors.New("mailbox closed")

func (s baseSignal) SignalRunID() string     { return s.runID }
func (s baseSignal) SignalStateName() string { return s.stateName }

// NewTaskCompleted creates a TaskCompleted signal.
func NewTaskCompleted(runID, stateName, taskID string, output map[string]any) *TaskCompleted {
	return &TaskCompleted{baseSignal: baseSignal{runID, stateName}, TaskID: taskID, Output: output}
}

// NewTaskFailed creates a TaskFailed signal.
func NewTaskFailed(runID, stateName, taskID, reason string) *TaskFailed {
	return &TaskFailed{baseSignal: baseSignal{runID, stateName}, TaskID: taskID, Reason: reason}
}

// NewTaskCancelled creates a TaskCancelled signal.
func NewTaskCancelled(runID, stateName, taskID, reason string) *TaskCancelled {
	return &TaskCancelled{baseSignal: baseSignal{runID, stateName}, TaskID: taskID, Reason: reason}
}

// NewTimerFired creates a TimerFired signal.
func NewTimerFired(runID, stateName, timerID string) *TimerFired {
	return &TimerFired{baseSignal: baseSignal{runID, stateName}, TimerID: timerID}
}

// NewSubflowFinished creates a SubflowFinished signal.
func NewSubflowFinished(parentRunID, parentStateName, childRunID string, status workflow.ExecutionStatus, output map[string]any, reason string) *SubflowFinished {
	return &SubflowFinished{
		baseSignal: baseSignal{parentRunID, parentStateName},
		ChildRunID: childRunID,
		Status:     status,
		Output:     output,
		Reason:     reason,
	}
}

// NewHeartbeat creates a Heartbeat signal.
func NewHeartbeat(runID, stateName, taskID string) *Heartbeat {
	return &Heartbeat{baseSignal: baseSignal{runID, stateName}, TaskID: taskID}
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{wake: make(chan struct{}, 1)}
}

// Put appends a signal. It reports false when the mailbox is closed.
func (m *Mailbox) Put(sig Signal) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, sig)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// TryNext pops the oldest signal without blocking.
func (m *Mailbox) TryNext() (Signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	sig := m.queue[0]
	m.queue = m.queue[1:]
	return sig, true
}

// Next pops the oldest signal, blocking until one arrives, the context ends
// or the mailbox is closed and drained.
func (m *Mailbox) Next(ctx context.Context) (Signal, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			sig := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return sig, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, ErrMailboxClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.wake:
		}
	}
}

// Len returns the number of queued signals.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close stops accepting signals. Queued signals remain readable.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Sender returns a sender handle on the mailbox.
func (m *Mailbox) Sender() Sender {
	return Sender{box: m}
}

// Send delivers the signal. It reports false when the mailbox is closed.
func (s Sender) Send(sig Signal) bool {
	if s.box == nil {
		return false
	}
	return s.box.Put(sig)
}
