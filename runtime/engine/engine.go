// Package engine advances workflow runs. One Engine owns one run: it steps
// the definition graph state by state, delegates blocking states to handlers
// and consumes signals from its mailbox to resume. A Registry owns the
// engines of a process and routes signals and subflow launches between them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/duraflow/flowd/dsl"
	"github.com/duraflow/flowd/runtime/command"
	"github.com/duraflow/flowd/runtime/handler"
	"github.com/duraflow/flowd/runtime/hooks"
	"github.com/duraflow/flowd/runtime/mapping"
	"github.com/duraflow/flowd/runtime/match"
	"github.com/duraflow/flowd/runtime/workflow"
	"github.com/duraflow/flowd/store"
)

type (
	// Options configures an Engine. Store is required; the rest default to
	// in-process implementations.
	Options struct {
		Store      store.Store
		Dispatcher hooks.Dispatcher
		Match      match.Service
		Mapper     *mapping.Engine
		Handlers   *handler.Registry
		// Subflows launches map and parallel children. Nil disables fan-out
		// states.
		Subflows handler.Launcher
		// OnFinished is invoked after the run reaches a terminal status, with
		// a snapshot of the final execution.
		OnFinished func(exec *workflow.Execution)
	}

	// Engine drives a single run. All methods serialize on the engine mutex,
	// so signal handling never interleaves with advancing.
	Engine struct {
		mu      sync.Mutex
		exec    *workflow.Execution
		mailbox *Mailbox
		opts    Options

		// blocked is set while the current state awaits a signal.
		blocked bool
		// entered records state entry instants for exit durations.
		entered map[string]time.Time
	}
)

// tracer traces engine steps through the global provider; configure it via
// otel.SetTracerProvider (or OTEL_EXPORTER_OTLP_ENDPOINT) in the host process.
var tracer = otel.Tracer("github.com/duraflow/flowd/runtime/engine")

// Error names used for catch rule matching.
const (
	ErrNameTaskFailed    = "TaskFailed"
	ErrNameTaskCancelled = "TaskCancelled"
	ErrNameSubflowFailed = "SubflowFailed"
	ErrNameRuntime       = "RuntimeError"
)

func (o *Options) fill() error {
	if o.Store == nil {
		return errors.New("store is required")
	}
	if o.Dispatcher == nil {
		o.Dispatcher = hooks.NewImmediateDispatcher(hooks.NewBus())
	}
	if o.Match == nil {
		o.Match = match.NewMemory(match.RetryPolicy{})
	}
	if o.Mapper == nil {
		o.Mapper = mapping.New()
	}
	if o.Handlers == nil {
		o.Handlers = handler.Default()
	}
	if o.Subflows == nil {
		o.Subflows = noopLauncher{}
	}
	return nil
}

type noopLauncher struct{}

func (noopLauncher) Launch(context.Context, string) {}

// New creates the engine for a fresh execution. The execution is persisted
// on Start, not here.
func New(exec *workflow.Execution, opts Options) (*Engine, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, errors.New("execution is required")
	}
	return &Engine{
		exec:    exec,
		mailbox: NewMailbox(),
		opts:    opts,
		entered: make(map[string]time.Time),
	}, nil
}

// Restore rebuilds the engine for a persisted run. A run blocked on a task,
// timer or fan-out resumes waiting; completed states are never re-entered.
func Restore(ctx context.Context, runID string, opts Options) (*Engine, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	exec, err := opts.Store.GetExecution(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("restore run %s: %w", runID, err)
	}
	if exec.Definition == nil && exec.FlowID != "" {
		tpl, err := opts.Store.GetTemplate(ctx, exec.FlowID)
		if err != nil {
			return nil, fmt.Errorf("restore run %s: load template %s: %w", runID, exec.FlowID, err)
		}
		exec.Definition = tpl.Definition
	}
	e := &Engine{
		exec:    exec,
		mailbox: NewMailbox(),
		opts:    opts,
		entered: make(map[string]time.Time),
	}
	if exec.Status == workflow.ExecutionRunning && exec.CurrentState != "" && exec.Definition != nil {
		if state, ok := exec.Definition.States[exec.CurrentState]; ok && isBlockingType(state.Type) {
			rec, err := opts.Store.GetState(ctx, runID, exec.CurrentState)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			if rec != nil && rec.Status == workflow.StateStarted {
				e.blocked = true
				e.entered[exec.CurrentState] = rec.EnteredAt
			}
		}
	}
	return e, nil
}

func isBlockingType(t dsl.StateType) bool {
	switch t {
	case dsl.StateTask, dsl.StateWait, dsl.StateMap, dsl.StateParallel:
		return true
	default:
		return false
	}
}

// RunID returns the run the engine drives.
func (e *Engine) RunID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.RunID
}

// Sender returns a signal sender for the run's mailbox.
func (e *Engine) Sender() Sender {
	return e.mailbox.Sender()
}

// Signal queues a signal without driving the run.
func (e *Engine) Signal(sig Signal) {
	e.mailbox.Put(sig)
}

// Snapshot returns a copy of the execution safe to read concurrently.
func (e *Engine) Snapshot() *workflow.Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() *workflow.Execution {
	cp := *e.exec
	cp.Context = mapping.Clone(e.exec.Context)
	cp.Input = mapping.Clone(e.exec.Input)
	cp.Output = mapping.Clone(e.exec.Output)
	return &cp
}

// Start persists a fresh execution and advances it until it blocks or ends.
// Missing fields are defaulted: run ID, mode, and the context seeded from
// the input. When the execution names a flow but carries no definition the
// stored template is used.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec := e.exec
	if exec.Definition == nil && exec.FlowID != "" {
		tpl, err := e.opts.Store.GetTemplate(ctx, exec.FlowID)
		if err != nil {
			return fmt.Errorf("load template %s: %w", exec.FlowID, err)
		}
		exec.Definition = tpl.Definition
	}
	if exec.Definition == nil {
		return errors.New("execution has no definition")
	}
	if exec.RunID == "" {
		exec.RunID = uuid.NewString()
	}
	if exec.Mode == "" {
		exec.Mode = workflow.ModeDeferred
	}
	if exec.Context == nil {
		exec.Context = mapping.Clone(exec.Input)
	}
	now := time.Now()
	exec.Status = workflow.ExecutionRunning
	exec.CurrentState = exec.Definition.StartAt
	exec.StartedAt = now
	exec.UpdatedAt = now
	if err := e.opts.Store.CreateExecution(ctx, exec); err != nil {
		return fmt.Errorf("create run %s: %w", exec.RunID, err)
	}
	e.opts.Dispatcher.Dispatch(ctx, hooks.NewWorkflowStartedEvent(exec.RunID, exec.FlowID, exec.Input))
	return e.drive(ctx)
}

// Drive drains queued signals and advances the run until it blocks, pauses
// or reaches a terminal status.
func (e *Engine) Drive(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drive(ctx)
}

// HandleNextSignal applies at most one queued signal without advancing the
// run further. The boolean reports whether a signal was taken. Paused runs
// keep their signals queued.
func (e *Engine) HandleNextSignal(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec.Status == workflow.ExecutionPaused {
		return false, nil
	}
	sig, ok := e.mailbox.TryNext()
	if !ok {
		return false, nil
	}
	return true, e.applySignal(ctx, sig)
}

// Heartbeat marks the state's task row alive without advancing the run. The
// matcher owns task rows and answers store.ErrNotFound when none is
// processing, which tells the worker its task is gone.
func (e *Engine) Heartbeat(ctx context.Context, stateName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.Match.Heartbeat(ctx, e.exec.RunID, stateName)
}

// Pause suspends the run. Signals queue up but are not applied until Resume.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec.Status.IsTerminal() {
		return fmt.Errorf("run %s already ended %s", e.exec.RunID, e.exec.Status)
	}
	if e.exec.Status == workflow.ExecutionPaused {
		return nil
	}
	e.exec.Status = workflow.ExecutionPaused
	return e.persist(ctx)
}

// Resume lifts a pause and drives the run.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exec.Status != workflow.ExecutionPaused {
		return fmt.Errorf("run %s is not paused", e.exec.RunID)
	}
	e.exec.Status = workflow.ExecutionRunning
	if err := e.persist(ctx); err != nil {
		return err
	}
	return e.drive(ctx)
}

func (e *Engine) drive(ctx context.Context) error {
	for {
		if e.exec.Status == workflow.ExecutionPaused {
			return nil
		}
		if sig, ok := e.mailbox.TryNext(); ok {
			if err := e.applySignal(ctx, sig); err != nil {
				return err
			}
			continue
		}
		if e.exec.Status.IsTerminal() || e.blocked {
			return nil
		}
		if e.exec.Status == workflow.ExecutionReady {
			e.exec.Status = workflow.ExecutionRunning
			e.exec.CurrentState = e.exec.Definition.StartAt
			if err := e.persist(ctx); err != nil {
				return err
			}
			e.opts.Dispatcher.Dispatch(ctx, hooks.NewWorkflowStartedEvent(e.exec.RunID, e.exec.FlowID, e.exec.Input))
			continue
		}
		if err := e.tracedStep(ctx); err != nil {
			return err
		}
	}
}

// tracedStep wraps one step in a span carrying the run and state.
func (e *Engine) tracedStep(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.String("run_id", e.exec.RunID),
		attribute.String("state", e.exec.CurrentState),
	))
	defer span.End()
	if err := e.step(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// step enters and executes the current state. Non-blocking states advance
// the run in place; blocking states leave it suspended awaiting a signal.
func (e *Engine) step(ctx context.Context) error {
	exec := e.exec
	stateName := exec.CurrentState
	state, ok := exec.Definition.States[stateName]
	if !ok {
		return e.handleFailure(ctx, stateName, ErrNameRuntime, fmt.Sprintf("state %q is not defined", stateName))
	}

	execInput, _, err := e.opts.Mapper.Apply(state.InputMapping, exec.Context)
	if err != nil {
		return e.handleFailure(ctx, stateName, ErrNameRuntime, fmt.Sprintf("input mapping: %v", err))
	}
	now := time.Now()
	e.entered[stateName] = now
	e.opts.Dispatcher.Dispatch(ctx, hooks.NewNodeEnterEvent(exec.RunID, stateName, execInput))
	if err := e.opts.Store.UpsertStateOnEntry(ctx, &workflow.StateRecord{
		RunID:     exec.RunID,
		StateName: stateName,
		Status:    workflow.StateStarted,
		Input:     execInput,
		EnteredAt: now,
	}); err != nil {
		return fmt.Errorf("enter state %s/%s: %w", exec.RunID, stateName, err)
	}

	cmd, err := command.StepOnce(exec.Definition, stateName, exec.Context)
	if err != nil {
		return e.handleFailure(ctx, stateName, ErrNameRuntime, err.Error())
	}

	switch cmd.Kind {
	case command.KindAdvance:
		if err := e.finishState(ctx, stateName, state, cmd.Output); err != nil {
			return err
		}
		return e.advanceTo(ctx, cmd.Next)

	case command.KindSucceed:
		if err := e.finishState(ctx, stateName, state, cmd.Output); err != nil {
			return err
		}
		return e.completeRun(ctx)

	case command.KindFail:
		reason := cmd.Error
		if cmd.Cause != "" {
			reason = fmt.Sprintf("%s: %s", cmd.Error, cmd.Cause)
		}
		return e.handleFailure(ctx, stateName, cmd.Error, reason)

	case command.KindDispatch, command.KindWait, command.KindFanOut:
		h, err := e.opts.Handlers.Get(state.Type)
		if err != nil {
			return e.handleFailure(ctx, stateName, ErrNameRuntime, err.Error())
		}
		res, err := h.Execute(ctx, e.scope(state, execInput), cmd)
		if err != nil {
			return e.handleFailure(ctx, stateName, ErrNameRuntime, err.Error())
		}
		if res.ShouldContinue {
			if err := e.finishState(ctx, stateName, state, res.Output); err != nil {
				return err
			}
			next := res.NextState
			if next == "" {
				next = cmd.Next
			}
			if next == "" {
				return e.completeRun(ctx)
			}
			return e.advanceTo(ctx, next)
		}
		e.blocked = true
		return e.persist(ctx)

	default:
		return e.handleFailure(ctx, stateName, ErrNameRuntime, fmt.Sprintf("unknown command kind %q", cmd.Kind))
	}
}

// finishState folds the state's raw output into the context and records the
// state as completed.
func (e *Engine) finishState(ctx context.Context, stateName string, state *dsl.State, rawOutput map[string]any) error {
	exec := e.exec
	newCtx, _, err := e.opts.Mapper.ApplyOutput(state.OutputMapping, exec.Context, rawOutput)
	if err != nil {
		return e.handleFailure(ctx, stateName, ErrNameRuntime, fmt.Sprintf("output mapping: %v", err))
	}
	if err := e.opts.Store.UpdateStateOnFinish(ctx, exec.RunID, stateName, workflow.StateCompleted, rawOutput, ""); err != nil {
		return fmt.Errorf("finish state %s/%s: %w", exec.RunID, stateName, err)
	}
	exec.Context = newCtx
	e.opts.Dispatcher.Dispatch(ctx, hooks.NewNodeSuccessEvent(exec.RunID, stateName, rawOutput))
	e.dispatchExit(ctx, stateName)
	return nil
}

func (e *Engine) dispatchExit(ctx context.Context, stateName string) {
	var d time.Duration
	if at, ok := e.entered[stateName]; ok {
		d = time.Since(at)
		delete(e.entered, stateName)
	}
	e.opts.Dispatcher.Dispatch(ctx, hooks.NewNodeExitEvent(e.exec.RunID, stateName, d))
}

// handleFailure records the state failure, then routes it through the
// state's catch rules or the workflow error handler before failing the run.
func (e *Engine) handleFailure(ctx context.Context, stateName, errName, reason string) error {
	exec := e.exec
	if err := e.opts.Store.UpdateStateOnFinish(ctx, exec.RunID, stateName, workflow.StateFailed, nil, reason); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("fail state %s/%s: %w", exec.RunID, stateName, err)
	}
	e.opts.Dispatcher.Dispatch(ctx, hooks.NewNodeFailedEvent(exec.RunID, stateName, reason))
	e.dispatchExit(ctx, stateName)

	if state, ok := exec.Definition.States[stateName]; ok {
		if next := matchCatch(state.Catch, errName); next != "" {
			e.blocked = false
			return e.advanceTo(ctx, next)
		}
	}
	if eh := exec.Definition.ErrorHandling; eh != nil && eh.OnFailure != "" && eh.OnFailure != stateName {
		e.blocked = false
		return e.advanceTo(ctx, eh.OnFailure)
	}
	return e.failRun(ctx, reason)
}

// matchCatch returns the recovery state of the first catcher matching the
// error name. A catcher with no names, or naming "*", matches everything.
func matchCatch(catch []dsl.Catcher, errName string) string {
	for _, c := range catch {
		if len(c.ErrorEquals) == 0 {
			return c.Next
		}
		for _, name := range c.ErrorEquals {
			if name == "*" || name == errName {
				return c.Next
			}
		}
	}
	return ""
}

func (e *Engine) advanceTo(ctx context.Context, next string) error {
	e.exec.CurrentState = next
	return e.persist(ctx)
}

func (e *Engine) completeRun(ctx context.Context) error {
	exec := e.exec
	now := time.Now()
	exec.Status = workflow.ExecutionCompleted
	exec.Output = mapping.Clone(exec.Context)
	exec.EndedAt = &now
	if err := e.persist(ctx); err != nil {
		return err
	}
	e.opts.Dispatcher.Dispatch(ctx, hooks.NewWorkflowFinishedEvent(exec.RunID, string(exec.Status), exec.Output, ""))
	e.notifyFinished()
	return nil
}

func (e *Engine) failRun(ctx context.Context, reason string) error {
	exec := e.exec
	now := time.Now()
	exec.Status = workflow.ExecutionFailed
	exec.Error = reason
	exec.EndedAt = &now
	if err := e.persist(ctx); err != nil {
		return err
	}
	e.opts.Dispatcher.Dispatch(ctx, hooks.NewWorkflowFinishedEvent(exec.RunID, string(exec.Status), nil, reason))
	e.notifyFinished()
	return nil
}

func (e *Engine) cancelRun(ctx context.Context, reason string) error {
	exec := e.exec
	now := time.Now()
	exec.Status = workflow.ExecutionCancelled
	exec.Error = reason
	exec.EndedAt = &now
	if err := e.persist(ctx); err != nil {
		return err
	}
	e.opts.Dispatcher.Dispatch(ctx, hooks.NewWorkflowFinishedEvent(exec.RunID, string(exec.Status), nil, reason))
	e.notifyFinished()
	return nil
}

func (e *Engine) notifyFinished() {
	if e.opts.OnFinished != nil {
		e.opts.OnFinished(e.snapshotLocked())
	}
}

func (e *Engine) persist(ctx context.Context) error {
	e.exec.Version++
	e.exec.UpdatedAt = time.Now()
	if err := e.opts.Store.UpdateExecution(ctx, e.exec); err != nil {
		return fmt.Errorf("persist run %s: %w", e.exec.RunID, err)
	}
	return nil
}

func (e *Engine) scope(state *dsl.State, execInput map[string]any) *handler.Scope {
	exec := e.exec
	return &handler.Scope{
		RunID:      exec.RunID,
		FlowID:     exec.FlowID,
		StateName:  exec.CurrentState,
		State:      state,
		Definition: exec.Definition,
		Context:    exec.Context,
		ExecInput:  execInput,
		Mode:       exec.Mode,
		Store:      e.opts.Store,
		Dispatcher: e.opts.Dispatcher,
		Match:      e.opts.Match,
		Mapper:     e.opts.Mapper,
		Subflows:   e.opts.Subflows,
	}
}

// applySignal applies one signal. A signal for a state that already
// completed is a duplicate and is dropped; a signal for a state the run is
// not at is an error and changes nothing.
func (e *Engine) applySignal(ctx context.Context, sig Signal) error {
	exec := e.exec
	stateName := sig.SignalStateName()

	// A queued heartbeat is stale by the time the mailbox drains; the live
	// path is Heartbeat on the engine.
	if _, hb := sig.(*Heartbeat); hb {
		return nil
	}
	if exec.Status.IsTerminal() {
		return nil
	}

	rec, err := e.opts.Store.GetState(ctx, exec.RunID, stateName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if rec != nil && rec.Status == workflow.StateCompleted {
		return nil
	}
	if stateName != exec.CurrentState {
		return fmt.Errorf("signal for state %q but run %s is at %q", stateName, exec.RunID, exec.CurrentState)
	}
	state, ok := exec.Definition.States[stateName]
	if !ok {
		return fmt.Errorf("signal for undefined state %q", stateName)
	}

	switch s := sig.(type) {
	case *TaskCompleted:
		e.opts.Dispatcher.Dispatch(ctx, hooks.NewTaskFinishedEvent(exec.RunID, stateName, s.TaskID, string(workflow.TaskCompleted), ""))
		return e.resume(ctx, stateName, state, s.Output)

	case *TaskFailed:
		e.opts.Dispatcher.Dispatch(ctx, hooks.NewTaskFinishedEvent(exec.RunID, stateName, s.TaskID, string(workflow.TaskFailed), s.Reason))
		e.blocked = false
		return e.handleFailure(ctx, stateName, ErrNameTaskFailed, s.Reason)

	case *TaskCancelled:
		e.opts.Dispatcher.Dispatch(ctx, hooks.NewNodeCancelledEvent(exec.RunID, stateName))
		if err := e.opts.Store.UpdateStateOnFinish(ctx, exec.RunID, stateName, workflow.StateCancelled, nil, s.Reason); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		e.blocked = false
		return e.cancelRun(ctx, s.Reason)

	case *TimerFired:
		return e.resume(ctx, stateName, state, nil)

	case *SubflowFinished:
		e.opts.Dispatcher.Dispatch(ctx, hooks.NewSubflowFinishedEvent(exec.RunID, stateName, s.ChildRunID, string(s.Status)))
		outcome, err := handler.Join(ctx, e.scope(state, nil))
		if err != nil {
			return err
		}
		if !outcome.Done {
			return nil
		}
		if outcome.Failed {
			e.blocked = false
			return e.handleFailure(ctx, stateName, ErrNameSubflowFailed, outcome.Reason)
		}
		return e.resume(ctx, stateName, state, outcome.Output)

	default:
		return fmt.Errorf("unknown signal %T", sig)
	}
}

// resume completes the blocked state with the raw output and advances.
func (e *Engine) resume(ctx context.Context, stateName string, state *dsl.State, rawOutput map[string]any) error {
	if err := e.finishState(ctx, stateName, state, rawOutput); err != nil {
		return err
	}
	e.blocked = false
	if state.Next == "" {
		return e.completeRun(ctx)
	}
	return e.advanceTo(ctx, state.Next)
}
