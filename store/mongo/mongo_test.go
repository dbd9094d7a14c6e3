package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/duraflow/flowd/dsl"
	"github.com/duraflow/flowd/runtime/workflow"
	"github.com/duraflow/flowd/store"
)

var (
	testMongoClient    *mongodriver.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}

	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}

	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
}

func getStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := "flowd_test_" + t.Name()
	require.NoError(t, testMongoClient.Database(db).Drop(context.Background()))
	s, err := New(Options{Client: testMongoClient, Database: db})
	require.NoError(t, err)
	return s
}

func TestExecutionRoundTrip(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	sec := int64(5)
	exec := &workflow.Execution{
		RunID:     "run-1",
		FlowID:    "flow-a",
		Status:    workflow.ExecutionRunning,
		Mode:      workflow.ModeDeferred,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Context:   map[string]any{"k": "v"},
		Definition: &dsl.Definition{
			StartAt: "hold",
			States: map[string]*dsl.State{
				"hold": {Type: dsl.StateWait, Seconds: &sec, End: true},
			},
		},
	}
	require.NoError(t, s.CreateExecution(ctx, exec))
	require.ErrorIs(t, s.CreateExecution(ctx, exec), store.ErrConflict)

	got, err := s.GetExecution(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionRunning, got.Status)
	require.Equal(t, "v", got.Context["k"])
	require.NotNil(t, got.Definition)
	require.Equal(t, "hold", got.Definition.StartAt)

	got.Status = workflow.ExecutionCompleted
	got.Version = 2
	require.NoError(t, s.UpdateExecution(ctx, got))

	stale := *got
	stale.Version = 2
	require.ErrorIs(t, s.UpdateExecution(ctx, &stale), store.ErrConflict)

	_, err = s.GetExecution(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDriverFailureIsIOError(t *testing.T) {
	s := getStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetExecution(ctx, "run-1")
	require.ErrorIs(t, err, store.ErrIO)
	require.NotErrorIs(t, err, store.ErrNotFound)
}

func TestStateEntryInputWrittenOnce(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	rec := &workflow.StateRecord{
		RunID:     "r",
		StateName: "echo",
		Input:     map[string]any{"msg": "hi"},
		EnteredAt: time.Now().UTC(),
	}
	require.NoError(t, s.UpsertStateOnEntry(ctx, rec))
	require.NoError(t, s.UpdateStateOnFinish(ctx, "r", "echo", workflow.StateFailed, nil, "boom"))

	retry := &workflow.StateRecord{
		RunID:     "r",
		StateName: "echo",
		Input:     map[string]any{"msg": "changed"},
		EnteredAt: time.Now().UTC(),
	}
	require.NoError(t, s.UpsertStateOnEntry(ctx, retry))

	got, err := s.GetState(ctx, "r", "echo")
	require.NoError(t, err)
	require.Equal(t, workflow.StateStarted, got.Status)
	require.Equal(t, "hi", got.Input["msg"])
	require.Empty(t, got.Error)
	require.Nil(t, got.FinishedAt)
}

func TestClaimNextTaskOrdering(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, prio int, age time.Duration) {
		require.NoError(t, s.CreateTask(ctx, &workflow.QueueTask{
			TaskID: id, RunID: "r", StateName: id, Queue: "q",
			Status: workflow.TaskPending, Priority: prio,
			CreatedAt: now.Add(-age), UpdatedAt: now,
		}))
	}
	mk("low", 1, time.Minute)
	mk("high-old", 9, 2*time.Minute)
	mk("high-new", 9, time.Second)

	first, err := s.ClaimNextTask(ctx, "q", "w1")
	require.NoError(t, err)
	require.Equal(t, "high-old", first.TaskID)
	require.Equal(t, workflow.TaskProcessing, first.Status)
	require.Equal(t, 1, first.Attempts)

	second, err := s.ClaimNextTask(ctx, "q", "w1")
	require.NoError(t, err)
	require.Equal(t, "high-new", second.TaskID)

	third, err := s.ClaimNextTask(ctx, "q", "w1")
	require.NoError(t, err)
	require.Equal(t, "low", third.TaskID)

	none, err := s.ClaimNextTask(ctx, "q", "w1")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestUpdateTaskTransitionGuard(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &workflow.QueueTask{
		TaskID: "t1", RunID: "r", StateName: "s", Queue: "q",
		Status: workflow.TaskPending, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}))

	done := workflow.TaskCompleted
	_, err := s.UpdateTask(ctx, "t1", store.TaskPatch{Status: &done})
	require.ErrorIs(t, err, store.ErrConflict)

	claimed, err := s.ClaimNextTask(ctx, "q", "w1")
	require.NoError(t, err)
	require.Equal(t, "t1", claimed.TaskID)

	updated, err := s.UpdateTask(ctx, "t1", store.TaskPatch{
		Status: &done,
		Output: map[string]any{"ok": true},
	})
	require.NoError(t, err)
	require.Equal(t, workflow.TaskCompleted, updated.Status)
}

func TestTimerFireOnce(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTimer(ctx, &workflow.Timer{
		TimerID: "tm1", RunID: "r", StateName: "hold",
		FireAt: time.Now().UTC().Add(-time.Second), CreatedAt: time.Now().UTC(),
	}))

	due, err := s.FindTimersBefore(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, s.MarkTimerFired(ctx, "tm1"))
	require.ErrorIs(t, s.MarkTimerFired(ctx, "tm1"), store.ErrConflict)
}

func TestEventJournalMonotonicPerRun(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := &workflow.EventRecord{RunID: "r", Type: "node_enter", Timestamp: time.Now().UTC()}
		require.NoError(t, s.AppendEvent(ctx, rec))
		require.Equal(t, int64(i+1), rec.EventID)
	}
	other := &workflow.EventRecord{RunID: "other", Type: "node_enter", Timestamp: time.Now().UTC()}
	require.NoError(t, s.AppendEvent(ctx, other))
	require.Equal(t, int64(1), other.EventID, "counters are per run")

	events, err := s.ListEventsByRun(ctx, "r", 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(2), events[0].EventID)
}

func TestTemplateRoundTrip(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	tpl := &workflow.Template{
		FlowID: "flow-a",
		Name:   "alpha",
		Definition: &dsl.Definition{
			StartAt: "done",
			States:  map[string]*dsl.State{"done": {Type: dsl.StateSucceed}},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutTemplate(ctx, tpl))

	got, err := s.GetTemplate(ctx, "flow-a")
	require.NoError(t, err)
	require.Equal(t, "alpha", got.Name)
	require.Equal(t, "done", got.Definition.StartAt)

	require.NoError(t, s.DeleteTemplate(ctx, "flow-a"))
	_, err = s.GetTemplate(ctx, "flow-a")
	require.ErrorIs(t, err, store.ErrNotFound)
}
