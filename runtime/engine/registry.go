package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/duraflow/flowd/runtime/workflow"
)

// Registry owns the engines of a process. It is the sole allocator and
// destructor of engines: runs are started, restored, driven and evicted
// through it, and it is the launcher fan-out states use to start children.
type Registry struct {
	mu      sync.Mutex
	opts    Options
	engines map[string]*Engine
	wg      sync.WaitGroup
	closed  bool
}

// NewRegistry creates a registry. The options are cloned per engine with the
// registry wired in as subflow launcher and finish callback.
func NewRegistry(opts Options) (*Registry, error) {
	r := &Registry{engines: make(map[string]*Engine)}
	opts.Subflows = r
	opts.OnFinished = r.childFinished
	if err := opts.fill(); err != nil {
		return nil, err
	}
	r.opts = opts
	return r, nil
}

// StartRun creates and drives a new run, returning its final snapshot for
// this drive: terminal for inline flows, blocked otherwise.
func (r *Registry) StartRun(ctx context.Context, exec *workflow.Execution) (*workflow.Execution, error) {
	if exec.RunID == "" {
		exec.RunID = uuid.NewString()
	}
	eng, err := New(exec, r.opts)
	if err != nil {
		return nil, err
	}
	// Register before driving so children finishing mid-start route their
	// signals to this engine, not a restored duplicate.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry is closed")
	}
	r.engines[exec.RunID] = eng
	r.mu.Unlock()

	err = eng.Start(ctx)
	r.evictIfDone(eng)
	return eng.Snapshot(), err
}

// Deliver routes a signal to its run and drives it. Evicted runs are
// restored from the store first. Heartbeats apply immediately, even to a
// paused run, and never drive.
func (r *Registry) Deliver(ctx context.Context, sig Signal) error {
	eng, err := r.engine(ctx, sig.SignalRunID())
	if err != nil {
		return err
	}
	if hb, ok := sig.(*Heartbeat); ok {
		hbErr := eng.Heartbeat(ctx, hb.SignalStateName())
		r.evictIfDone(eng)
		return hbErr
	}
	eng.Signal(sig)
	driveErr := eng.Drive(ctx)
	r.evictIfDone(eng)
	return driveErr
}

// Drive advances a run, restoring it if evicted.
func (r *Registry) Drive(ctx context.Context, runID string) error {
	eng, err := r.engine(ctx, runID)
	if err != nil {
		return err
	}
	driveErr := eng.Drive(ctx)
	r.evictIfDone(eng)
	return driveErr
}

// Pause suspends a run.
func (r *Registry) Pause(ctx context.Context, runID string) error {
	eng, err := r.engine(ctx, runID)
	if err != nil {
		return err
	}
	return eng.Pause(ctx)
}

// Resume lifts a pause and drives the run.
func (r *Registry) Resume(ctx context.Context, runID string) error {
	eng, err := r.engine(ctx, runID)
	if err != nil {
		return err
	}
	driveErr := eng.Resume(ctx)
	r.evictIfDone(eng)
	return driveErr
}

// Snapshot returns the current execution of a run, from the live engine when
// present, from the store otherwise.
func (r *Registry) Snapshot(ctx context.Context, runID string) (*workflow.Execution, error) {
	r.mu.Lock()
	eng, ok := r.engines[runID]
	r.mu.Unlock()
	if ok {
		return eng.Snapshot(), nil
	}
	return r.opts.Store.GetExecution(ctx, runID)
}

// Launch starts a subflow child asynchronously. It implements
// handler.Launcher and must not block: the parent engine holds its lock
// while spawning children.
func (r *Registry) Launch(ctx context.Context, childRunID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	// Children outlive the caller's request scope; keep its values for
	// logging but drop its cancelation.
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()
		if err := r.Drive(ctx, childRunID); err != nil {
			log.Errorf(ctx, err, "subflow %s", childRunID)
		}
	}()
}

// Wait blocks until all in-flight subflow drives settle. Tests and shutdown
// paths use it to avoid leaking goroutines.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Close stops launching new work and waits for in-flight drives.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

// engine returns the live engine for the run, restoring it from the store
// when evicted.
func (r *Registry) engine(ctx context.Context, runID string) (*Engine, error) {
	r.mu.Lock()
	if eng, ok := r.engines[runID]; ok {
		r.mu.Unlock()
		return eng, nil
	}
	r.mu.Unlock()

	eng, err := Restore(ctx, runID, r.opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have restored the run concurrently; keep theirs.
	if existing, ok := r.engines[runID]; ok {
		return existing, nil
	}
	r.engines[runID] = eng
	return eng, nil
}

func (r *Registry) evictIfDone(eng *Engine) {
	snap := eng.Snapshot()
	if !snap.Status.IsTerminal() {
		return
	}
	r.mu.Lock()
	delete(r.engines, snap.RunID)
	r.mu.Unlock()
}

// childFinished forwards a terminal child execution to its parent as a
// SubflowFinished signal. Root runs have no parent and need no forwarding.
func (r *Registry) childFinished(exec *workflow.Execution) {
	if exec.ParentRunID == "" {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx := context.Background()
		sig := NewSubflowFinished(exec.ParentRunID, exec.ParentStateName, exec.RunID, exec.Status, exec.Output, exec.Error)
		if err := r.Deliver(ctx, sig); err != nil {
			log.Errorf(ctx, err, "notify parent %s of subflow %s", exec.ParentRunID, exec.RunID)
		}
	}()
}
