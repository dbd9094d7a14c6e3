package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duraflow/flowd/dsl"
	"github.com/duraflow/flowd/runtime/command"
	"github.com/duraflow/flowd/runtime/hooks"
	"github.com/duraflow/flowd/runtime/mapping"
	"github.com/duraflow/flowd/runtime/match"
	"github.com/duraflow/flowd/runtime/workflow"
	storeinmem "github.com/duraflow/flowd/store/inmem"
)

type recordingLauncher struct {
	mu       sync.Mutex
	launched []string
}

func (l *recordingLauncher) Launch(_ context.Context, childRunID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, childRunID)
}

func (l *recordingLauncher) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.launched...)
}

func newScope(t *testing.T, state *dsl.State) (*Scope, *storeinmem.Store, *recordingLauncher) {
	t.Helper()
	s := storeinmem.New()
	launcher := &recordingLauncher{}
	return &Scope{
		RunID:      "run-1",
		FlowID:     "flow-1",
		StateName:  "work",
		State:      state,
		Context:    map[string]any{"items": []any{1.0, 2.0, 3.0}, "u": "keep"},
		ExecInput:  map[string]any{"payload": "x"},
		Mode:       workflow.ModeDeferred,
		Store:      s,
		Dispatcher: hooks.NewImmediateDispatcher(hooks.NewBus()),
		Match:      match.NewMemory(match.RetryPolicy{}),
		Mapper:     mapping.New(),
		Subflows:   launcher,
	}, s, launcher
}

func iterator() *dsl.Definition {
	return &dsl.Definition{
		StartAt: "emit",
		States: map[string]*dsl.State{
			"emit": {Type: dsl.StatePass, End: true},
		},
	}
}

func TestTaskHandlerEnqueues(t *testing.T) {
	state := &dsl.State{
		Type:            dsl.StateTask,
		Resource:        "tool::echo",
		Next:            "done",
		ExecutionConfig: &dsl.ExecutionConfig{Queue: "gpu", Priority: 7, TimeoutSeconds: 30},
	}
	scope, _, _ := newScope(t, state)
	ctx := context.Background()

	res, err := NewTaskHandler().Execute(ctx, scope, &command.Command{
		Kind: command.KindDispatch, Resource: "tool::echo", Next: "done",
	})
	require.NoError(t, err)
	require.True(t, res.IsBlocking)
	require.False(t, res.ShouldContinue)
	require.Equal(t, "done", res.NextState)
	require.Equal(t, "gpu", res.Metadata["queue"])

	claimed, err := scope.Match.Take(ctx, "gpu", "w1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "run-1", claimed.RunID)
	require.Equal(t, "tool::echo", claimed.Resource)
	require.Equal(t, 7, claimed.Priority)
	require.Equal(t, map[string]any{"payload": "x"}, claimed.Input)
}

func TestTaskHandlerDefaultQueue(t *testing.T) {
	scope, _, _ := newScope(t, &dsl.State{Type: dsl.StateTask, Resource: "tool::echo", Next: "done"})
	res, err := NewTaskHandler().Execute(context.Background(), scope, &command.Command{
		Kind: command.KindDispatch, Resource: "tool::echo", Next: "done",
	})
	require.NoError(t, err)
	require.Equal(t, DefaultQueue, res.Metadata["queue"])
}

func TestTaskHandlerMergesParameters(t *testing.T) {
	state := &dsl.State{
		Type:       dsl.StateTask,
		Resource:   "tool::echo",
		Next:       "done",
		Parameters: map[string]any{"model": "small", "payload": "static"},
	}
	scope, _, _ := newScope(t, state)
	ctx := context.Background()

	_, err := NewTaskHandler().Execute(ctx, scope, &command.Command{
		Kind: command.KindDispatch, Resource: "tool::echo", Next: "done",
	})
	require.NoError(t, err)

	claimed, err := scope.Match.Take(ctx, DefaultQueue, "w1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	// Mapped input wins over the static parameter on collision.
	require.Equal(t, map[string]any{"model": "small", "payload": "x"}, claimed.Input)
}

func TestTaskHandlerStampsRetryAndHeartbeat(t *testing.T) {
	state := &dsl.State{
		Type:             dsl.StateTask,
		Resource:         "tool::echo",
		Next:             "done",
		Retry:            &dsl.RetryPolicy{MaxAttempts: 5},
		HeartbeatSeconds: 15,
	}
	scope, _, _ := newScope(t, state)
	ctx := context.Background()

	_, err := NewTaskHandler().Execute(ctx, scope, &command.Command{
		Kind: command.KindDispatch, Resource: "tool::echo", Next: "done",
	})
	require.NoError(t, err)

	claimed, err := scope.Match.Take(ctx, DefaultQueue, "w1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 5, claimed.MaxAttempts)
	require.Equal(t, 15, claimed.HeartbeatSeconds)
}

func TestWaitHandlerCreatesTimer(t *testing.T) {
	seconds := int64(30)
	scope, s, _ := newScope(t, &dsl.State{Type: dsl.StateWait, Seconds: &seconds, Next: "done"})
	ctx := context.Background()

	res, err := NewWaitHandler().Execute(ctx, scope, &command.Command{
		Kind: command.KindWait, Seconds: 30, Next: "done",
	})
	require.NoError(t, err)
	require.True(t, res.IsBlocking)

	timers, err := s.FindTimersBefore(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, timers, 1)
	require.Equal(t, "run-1", timers[0].RunID)
	require.Equal(t, "work", timers[0].StateName)
	require.Equal(t, res.Metadata["timer_id"], timers[0].TimerID)
}

func TestWaitHandlerHonorsTimestamp(t *testing.T) {
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	scope, s, _ := newScope(t, &dsl.State{Type: dsl.StateWait, Next: "done"})
	ctx := context.Background()

	_, err := NewWaitHandler().Execute(ctx, scope, &command.Command{
		Kind: command.KindWait, WaitUntil: at, Next: "done",
	})
	require.NoError(t, err)

	timers, err := s.FindTimersBefore(ctx, at.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, timers, 1)
	require.True(t, timers[0].FireAt.Equal(at))
}

func TestMapHandlerGatesConcurrency(t *testing.T) {
	state := &dsl.State{
		Type:           dsl.StateMap,
		ItemsPath:      "$.items",
		Iterator:       iterator(),
		MaxConcurrency: 2,
		Next:           "done",
	}
	scope, s, launcher := newScope(t, state)
	ctx := context.Background()

	res, err := NewMapHandler().Execute(ctx, scope, &command.Command{Kind: command.KindFanOut, Next: "done"})
	require.NoError(t, err)
	require.True(t, res.IsBlocking)
	require.Equal(t, 3, res.Metadata["children"])
	require.Equal(t, 2, res.Metadata["ready"])

	subs, err := s.FindSubflows(ctx, "run-1", "work")
	require.NoError(t, err)
	require.Len(t, subs, 3)
	require.Equal(t, workflow.ExecutionReady, subs[0].Status)
	require.Equal(t, workflow.ExecutionReady, subs[1].Status)
	require.Equal(t, workflow.ExecutionWaiting, subs[2].Status)
	for i, sub := range subs {
		require.Equal(t, ChildRunID("run-1", "work", i), sub.RunID)
		require.Equal(t, i, sub.BranchIndex)
		require.Equal(t, "run-1", sub.ParentRunID)
		require.Same(t, state.Iterator, sub.Definition)
	}
	require.Equal(t, []string{subs[0].RunID, subs[1].RunID}, launcher.all())
}

func TestMapHandlerItemInput(t *testing.T) {
	state := &dsl.State{
		Type:      dsl.StateMap,
		ItemsPath: "$.items",
		Iterator:  iterator(),
		InputMapping: &mapping.Spec{Rules: []mapping.Rule{
			{Key: "value", JSONPath: "$.item"},
		}},
		Next: "done",
	}
	scope, s, _ := newScope(t, state)
	ctx := context.Background()

	_, err := NewMapHandler().Execute(ctx, scope, &command.Command{Kind: command.KindFanOut, Next: "done"})
	require.NoError(t, err)

	subs, err := s.FindSubflows(ctx, "run-1", "work")
	require.NoError(t, err)
	require.Len(t, subs, 3)
	require.Equal(t, map[string]any{"value": 1.0}, subs[0].Input)
	require.Equal(t, map[string]any{"value": 2.0}, subs[1].Input)
	require.Equal(t, map[string]any{"value": 3.0}, subs[2].Input)
}

func TestMapHandlerEmptyItems(t *testing.T) {
	state := &dsl.State{Type: dsl.StateMap, ItemsPath: "$.missing", Iterator: iterator(), Next: "done"}
	scope, _, launcher := newScope(t, state)

	res, err := NewMapHandler().Execute(context.Background(), scope, &command.Command{Kind: command.KindFanOut, Next: "done"})
	require.NoError(t, err)
	require.False(t, res.IsBlocking)
	require.True(t, res.ShouldContinue)
	require.Equal(t, map[string]any{MapResultsKey: []any{}}, res.Output)
	require.Empty(t, launcher.all())
}

func TestParallelHandlerSpawnsBranches(t *testing.T) {
	state := &dsl.State{
		Type:     dsl.StateParallel,
		Branches: []*dsl.Definition{iterator(), iterator()},
		Next:     "done",
	}
	scope, s, launcher := newScope(t, state)
	ctx := context.Background()

	res, err := NewParallelHandler().Execute(ctx, scope, &command.Command{Kind: command.KindFanOut, Next: "done"})
	require.NoError(t, err)
	require.True(t, res.IsBlocking)
	require.Equal(t, 2, res.Metadata["ready"])

	subs, err := s.FindSubflows(ctx, "run-1", "work")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for i, sub := range subs {
		require.Equal(t, workflow.ExecutionReady, sub.Status)
		require.Same(t, state.Branches[i], sub.Definition)
	}
	require.Len(t, launcher.all(), 2)
}

func TestParallelHandlerGatesConcurrency(t *testing.T) {
	state := &dsl.State{
		Type:           dsl.StateParallel,
		Branches:       []*dsl.Definition{iterator(), iterator(), iterator()},
		MaxConcurrency: 1,
		Next:           "done",
	}
	scope, s, launcher := newScope(t, state)
	ctx := context.Background()

	res, err := NewParallelHandler().Execute(ctx, scope, &command.Command{Kind: command.KindFanOut, Next: "done"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Metadata["ready"])

	subs, err := s.FindSubflows(ctx, "run-1", "work")
	require.NoError(t, err)
	require.Len(t, subs, 3)
	require.Equal(t, workflow.ExecutionReady, subs[0].Status)
	require.Equal(t, workflow.ExecutionWaiting, subs[1].Status)
	require.Equal(t, workflow.ExecutionWaiting, subs[2].Status)
	require.Equal(t, []string{subs[0].RunID}, launcher.all())
}

func TestJoinPromotesWaitingChild(t *testing.T) {
	state := &dsl.State{
		Type: dsl.StateMap, ItemsPath: "$.items", Iterator: iterator(),
		MaxConcurrency: 2, Next: "done",
	}
	scope, s, launcher := newScope(t, state)
	ctx := context.Background()

	_, err := NewMapHandler().Execute(ctx, scope, &command.Command{Kind: command.KindFanOut, Next: "done"})
	require.NoError(t, err)

	// First child completes; the waiting third child must be promoted.
	subs, err := s.FindSubflows(ctx, "run-1", "work")
	require.NoError(t, err)
	subs[0].Status = workflow.ExecutionCompleted
	subs[0].Output = map[string]any{"n": 1.0}
	subs[0].Version++
	require.NoError(t, s.UpdateExecution(ctx, subs[0]))

	outcome, err := Join(ctx, scope)
	require.NoError(t, err)
	require.False(t, outcome.Done)

	subs, err = s.FindSubflows(ctx, "run-1", "work")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionReady, subs[2].Status)
	require.Contains(t, launcher.all(), subs[2].RunID)
}

func TestJoinFoldsCompletedChildren(t *testing.T) {
	state := &dsl.State{Type: dsl.StateMap, ItemsPath: "$.items", Iterator: iterator(), Next: "done"}
	scope, s, _ := newScope(t, state)
	ctx := context.Background()

	_, err := NewMapHandler().Execute(ctx, scope, &command.Command{Kind: command.KindFanOut, Next: "done"})
	require.NoError(t, err)

	subs, err := s.FindSubflows(ctx, "run-1", "work")
	require.NoError(t, err)
	for i, sub := range subs {
		sub.Status = workflow.ExecutionCompleted
		sub.Output = map[string]any{"n": float64(i + 1)}
		sub.Version++
		require.NoError(t, s.UpdateExecution(ctx, sub))
	}

	outcome, err := Join(ctx, scope)
	require.NoError(t, err)
	require.True(t, outcome.Done)
	require.False(t, outcome.Failed)
	require.Equal(t, map[string]any{MapResultsKey: []any{
		map[string]any{"n": 1.0},
		map[string]any{"n": 2.0},
		map[string]any{"n": 3.0},
	}}, outcome.Output)
}

func TestJoinPropagatesChildFailure(t *testing.T) {
	state := &dsl.State{
		Type: dsl.StateParallel, Branches: []*dsl.Definition{iterator(), iterator()}, Next: "done",
	}
	scope, s, _ := newScope(t, state)
	ctx := context.Background()

	_, err := NewParallelHandler().Execute(ctx, scope, &command.Command{Kind: command.KindFanOut, Next: "done"})
	require.NoError(t, err)

	subs, err := s.FindSubflows(ctx, "run-1", "work")
	require.NoError(t, err)
	subs[1].Status = workflow.ExecutionFailed
	subs[1].Error = "branch blew up"
	subs[1].Version++
	require.NoError(t, s.UpdateExecution(ctx, subs[1]))

	outcome, err := Join(ctx, scope)
	require.NoError(t, err)
	require.True(t, outcome.Done)
	require.True(t, outcome.Failed)
	require.Equal(t, "branch blew up", outcome.Reason)
}

func TestRegistryDefaults(t *testing.T) {
	r := Default()
	for _, kind := range []dsl.StateType{dsl.StateTask, dsl.StateWait, dsl.StateMap, dsl.StateParallel} {
		h, err := r.Get(kind)
		require.NoError(t, err)
		require.NotNil(t, h)
	}
	_, err := r.Get(dsl.StatePass)
	require.Error(t, err)
}
