package timer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duraflow/flowd/dsl"
	"github.com/duraflow/flowd/runtime/engine"
	"github.com/duraflow/flowd/runtime/match"
	"github.com/duraflow/flowd/runtime/workflow"
	storeinmem "github.com/duraflow/flowd/store/inmem"
)

func waitDef(t *testing.T) *dsl.Definition {
	t.Helper()
	def, err := dsl.ParseJSON([]byte(`{
		"startAt": "hold",
		"states": {
			"hold": {"type": "wait", "seconds": 0, "next": "emit"},
			"emit": {"type": "pass", "result": {"ok": true}, "end": true}
		}
	}`))
	require.NoError(t, err)
	return def
}

func TestSweeperFiresDueTimers(t *testing.T) {
	s := storeinmem.New()
	reg, err := engine.NewRegistry(engine.Options{Store: s})
	require.NoError(t, err)
	defer reg.Close()
	ctx := context.Background()

	_, err = reg.StartRun(ctx, &workflow.Execution{RunID: "r1", Definition: waitDef(t)})
	require.NoError(t, err)

	sw, err := New(Options{Store: s, Registry: reg, Interval: time.Millisecond})
	require.NoError(t, err)
	sw.SweepOnce(ctx)

	snap, err := reg.Snapshot(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionCompleted, snap.Status)

	// The timer fired exactly once; a second pass finds nothing to do.
	timers, err := s.FindTimersBefore(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, timers)
	sw.SweepOnce(ctx)
}

func TestSweeperFailsExpiredTask(t *testing.T) {
	s := storeinmem.New()
	m := match.NewPersistent(s, match.RetryPolicy{
		BaseInterval: time.Millisecond,
		Multiplier:   2,
		MaxInterval:  time.Millisecond,
		MaxAttempts:  1,
	}, time.Millisecond)
	reg, err := engine.NewRegistry(engine.Options{Store: s, Match: m})
	require.NoError(t, err)
	defer reg.Close()
	ctx := context.Background()

	def, err := dsl.ParseJSON([]byte(`{
		"startAt": "call",
		"states": {
			"call": {
				"type": "task",
				"resource": "tool::slow",
				"executionConfig": {"timeoutSeconds": 1},
				"end": true
			}
		}
	}`))
	require.NoError(t, err)
	_, err = reg.StartRun(ctx, &workflow.Execution{RunID: "r1", Definition: def})
	require.NoError(t, err)

	// A worker claims the task and then goes silent.
	claimed, err := m.Take(ctx, "default", "w1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	sw, err := New(Options{Store: s, Registry: reg, Match: m, Interval: time.Millisecond})
	require.NoError(t, err)
	// Sweep from a point past the deadline.
	sw.sweepExpiredTasks(ctx, time.Now().Add(2*time.Second))

	snap, err := reg.Snapshot(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionFailed, snap.Status)
	require.Contains(t, snap.Error, "timed out")
}

func TestSweeperFailsTaskOnLostHeartbeat(t *testing.T) {
	s := storeinmem.New()
	m := match.NewPersistent(s, match.RetryPolicy{
		BaseInterval: time.Millisecond,
		Multiplier:   2,
		MaxInterval:  time.Millisecond,
		MaxAttempts:  1,
	}, time.Millisecond)
	reg, err := engine.NewRegistry(engine.Options{Store: s, Match: m})
	require.NoError(t, err)
	defer reg.Close()
	ctx := context.Background()

	def, err := dsl.ParseJSON([]byte(`{
		"startAt": "call",
		"states": {
			"call": {
				"type": "task",
				"resource": "tool::slow",
				"heartbeatSeconds": 5,
				"end": true
			}
		}
	}`))
	require.NoError(t, err)
	_, err = reg.StartRun(ctx, &workflow.Execution{RunID: "r1", Definition: def})
	require.NoError(t, err)

	// The worker claims the task, then its heartbeats stop arriving.
	claimed, err := m.Take(ctx, "default", "w1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 5, claimed.HeartbeatSeconds)

	sw, err := New(Options{Store: s, Registry: reg, Match: m, Interval: time.Millisecond})
	require.NoError(t, err)
	// Sweep from a point past two missed beats. There is no execution
	// timeout on the task, so only heartbeat staleness can reap it.
	sw.sweepExpiredTasks(ctx, time.Now().Add(11*time.Second))

	snap, err := reg.Snapshot(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionFailed, snap.Status)
	require.Contains(t, snap.Error, "heartbeat lost")
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	s := storeinmem.New()
	reg, err := engine.NewRegistry(engine.Options{Store: s})
	require.NoError(t, err)
	defer reg.Close()

	sw, err := New(Options{Store: s, Registry: reg, Interval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, sw.Run(ctx))
}
