// Package timer fires durable wait timers and enforces task execution
// timeouts. The sweeper is the only component that turns wall-clock time
// into engine signals, so a process restart never loses a deadline: timers
// and claimed tasks live in the store and are re-swept on the next pass.
package timer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/duraflow/flowd/runtime/engine"
	"github.com/duraflow/flowd/runtime/match"
	"github.com/duraflow/flowd/runtime/workflow"
	"github.com/duraflow/flowd/store"
)

type (
	// Options configures a Sweeper.
	Options struct {
		Store    store.Store
		Registry *engine.Registry
		// Match resolves timed-out tasks through the retry policy. Nil
		// disables task timeout enforcement.
		Match match.Service
		// Interval paces sweep passes. Defaults to one second.
		Interval time.Duration
		// BatchSize bounds the rows handled per pass. Defaults to 100.
		BatchSize int64
	}

	// Sweeper periodically fires due timers and fails expired tasks.
	Sweeper struct {
		opts Options
		pace *rate.Limiter
	}
)

// New creates a sweeper.
func New(opts Options) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Sweeper{
		opts: opts,
		pace: rate.NewLimiter(rate.Every(opts.Interval), 1),
	}, nil
}

// Run sweeps until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		if err := s.pace.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		s.SweepOnce(ctx)
	}
}

// SweepOnce runs a single pass: due timers first, then expired tasks.
// Errors are logged, not returned; the next pass retries.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now()
	s.sweepTimers(ctx, now)
	s.sweepExpiredTasks(ctx, now)
}

func (s *Sweeper) sweepTimers(ctx context.Context, now time.Time) {
	timers, err := s.opts.Store.FindTimersBefore(ctx, now, s.opts.BatchSize)
	if err != nil {
		log.Errorf(ctx, err, "find due timers")
		return
	}
	for _, t := range timers {
		// MarkTimerFired succeeds for exactly one sweeper; losers skip.
		if err := s.opts.Store.MarkTimerFired(ctx, t.TimerID); err != nil {
			if !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
				log.Errorf(ctx, err, "mark timer %s fired", t.TimerID)
			}
			continue
		}
		sig := engine.NewTimerFired(t.RunID, t.StateName, t.TimerID)
		if err := s.opts.Registry.Deliver(ctx, sig); err != nil {
			log.Errorf(ctx, err, "fire timer %s for %s/%s", t.TimerID, t.RunID, t.StateName)
		}
	}
}

func (s *Sweeper) sweepExpiredTasks(ctx context.Context, now time.Time) {
	if s.opts.Match == nil {
		return
	}
	tasks, err := s.opts.Store.FindExpiredTasks(ctx, now, s.opts.BatchSize)
	if err != nil {
		log.Errorf(ctx, err, "find expired tasks")
		return
	}
	for _, t := range tasks {
		reason := fmt.Sprintf("task timed out after %ds", t.TimeoutSeconds)
		if !t.DeadlineExpired(now) {
			reason = fmt.Sprintf("worker heartbeat lost after %ds", t.HeartbeatSeconds)
		}
		final, err := s.opts.Match.Finish(ctx, t.RunID, t.StateName, match.FinishPatch{
			Status: workflow.TaskFailed,
			Error:  reason,
		})
		if err != nil {
			log.Errorf(ctx, err, "expire task %s", t.TaskID)
			continue
		}
		log.Print(ctx, log.KV{K: "msg", V: "task expired"},
			log.KV{K: "task_id", V: t.TaskID},
			log.KV{K: "run_id", V: t.RunID},
			log.KV{K: "final_status", V: string(final.Status)})
		// Retrying tasks go back to workers; only exhausted ones fail the run.
		if final.Status == workflow.TaskFailed {
			sig := engine.NewTaskFailed(t.RunID, t.StateName, t.TaskID, reason)
			if err := s.opts.Registry.Deliver(ctx, sig); err != nil {
				log.Errorf(ctx, err, "fail run %s after task timeout", t.RunID)
			}
		}
	}
}
