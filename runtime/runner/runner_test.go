package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duraflow/flowd/bus"
	businmem "github.com/duraflow/flowd/bus/inmem"
	"github.com/duraflow/flowd/dsl"
	"github.com/duraflow/flowd/runtime/engine"
	"github.com/duraflow/flowd/runtime/workflow"
	storeinmem "github.com/duraflow/flowd/store/inmem"
)

func taskDef(t *testing.T) *dsl.Definition {
	t.Helper()
	def, err := dsl.ParseJSON([]byte(`{
		"startAt": "call",
		"states": {"call": {"type": "task", "resource": "tool::echo", "end": true}}
	}`))
	require.NoError(t, err)
	return def
}

func TestRunnerAppliesBusOutcomes(t *testing.T) {
	s := storeinmem.New()
	b := businmem.New()
	reg, err := engine.NewRegistry(engine.Options{Store: s})
	require.NoError(t, err)
	defer reg.Close()
	ctx := context.Background()

	_, err = reg.StartRun(ctx, &workflow.Execution{RunID: "r1", Definition: taskDef(t)})
	require.NoError(t, err)

	r := New(b, reg)
	require.NoError(t, r.Start(ctx, "runners"))
	defer r.Close()

	require.NoError(t, b.PublishTaskFinished(ctx, &bus.TaskFinished{
		TaskID:    "t1",
		RunID:     "r1",
		StateName: "call",
		Status:    string(workflow.TaskCompleted),
		Output:    map[string]any{"done": true},
	}))

	require.Eventually(t, func() bool {
		snap, err := reg.Snapshot(ctx, "r1")
		return err == nil && snap.Status == workflow.ExecutionCompleted
	}, time.Second, 5*time.Millisecond)

	snap, err := reg.Snapshot(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"done": true}, snap.Output)
}

func TestRunnerIgnoresNonTerminalOutcomes(t *testing.T) {
	s := storeinmem.New()
	reg, err := engine.NewRegistry(engine.Options{Store: s})
	require.NoError(t, err)
	defer reg.Close()
	ctx := context.Background()

	_, err = reg.StartRun(ctx, &workflow.Execution{RunID: "r1", Definition: taskDef(t)})
	require.NoError(t, err)

	r := New(businmem.New(), reg)
	require.NoError(t, r.handle(ctx, &bus.TaskFinished{
		RunID: "r1", StateName: "call", Status: string(workflow.TaskRetrying),
	}))

	snap, err := reg.Snapshot(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionRunning, snap.Status)
}

func TestDirectCompleterFailsRun(t *testing.T) {
	s := storeinmem.New()
	reg, err := engine.NewRegistry(engine.Options{Store: s})
	require.NoError(t, err)
	defer reg.Close()
	ctx := context.Background()

	_, err = reg.StartRun(ctx, &workflow.Execution{RunID: "r1", Definition: taskDef(t)})
	require.NoError(t, err)

	c := &DirectCompleter{Registry: reg}
	require.NoError(t, c.Complete(ctx, &bus.TaskFinished{
		TaskID: "t1", RunID: "r1", StateName: "call",
		Status: string(workflow.TaskFailed), Error: "boom",
	}))

	snap, err := reg.Snapshot(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionFailed, snap.Status)
	require.Equal(t, "boom", snap.Error)
}

func TestBusCompleterPublishes(t *testing.T) {
	b := businmem.New()
	ctx := context.Background()

	got := make(chan *bus.TaskFinished, 1)
	stop, err := b.SubscribeTaskFinished(ctx, "g", func(_ context.Context, msg *bus.TaskFinished) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)
	defer stop()

	c := &BusCompleter{Bus: b}
	require.NoError(t, c.Complete(ctx, &bus.TaskFinished{
		TaskID: "t1", RunID: "r1", StateName: "call", Status: string(workflow.TaskCompleted),
	}))

	select {
	case msg := <-got:
		require.Equal(t, "t1", msg.TaskID)
	case <-time.After(time.Second):
		t.Fatal("outcome never published")
	}
}
