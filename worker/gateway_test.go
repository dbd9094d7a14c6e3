package worker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duraflow/flowd/dsl"
	"github.com/duraflow/flowd/runtime/engine"
	"github.com/duraflow/flowd/runtime/match"
	"github.com/duraflow/flowd/runtime/runner"
	"github.com/duraflow/flowd/runtime/workflow"
	storeinmem "github.com/duraflow/flowd/store/inmem"
)

type env struct {
	server   *httptest.Server
	registry *engine.Registry
	match    match.Service
}

func newEnv(t *testing.T, retry match.RetryPolicy) *env {
	t.Helper()
	s := storeinmem.New()
	m := match.NewMemory(retry)
	reg, err := engine.NewRegistry(engine.Options{Store: s, Match: m})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	completer := &runner.DirectCompleter{Registry: reg}
	g, err := New(Options{
		Match:     m,
		Completer: completer,
		Hearts:    completer,
		PollWait:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(g.Router())
	t.Cleanup(srv.Close)
	return &env{server: srv, registry: reg, match: m}
}

func (e *env) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (e *env) startTaskRun(t *testing.T, runID string) {
	t.Helper()
	def, err := dsl.ParseJSON([]byte(`{
		"startAt": "call",
		"states": {"call": {"type": "task", "resource": "tool::echo", "end": true}}
	}`))
	require.NoError(t, err)
	_, err = e.registry.StartRun(t.Context(), &workflow.Execution{RunID: runID, Definition: def})
	require.NoError(t, err)
}

func fastRetry(attempts int) match.RetryPolicy {
	return match.RetryPolicy{
		BaseInterval: time.Millisecond,
		Multiplier:   2,
		MaxInterval:  5 * time.Millisecond,
		MaxAttempts:  attempts,
	}
}

func TestPollAndUpdateSucceeded(t *testing.T) {
	e := newEnv(t, fastRetry(3))
	e.startTaskRun(t, "r1")

	resp, body := e.post(t, "/poll", PollRequest{WorkerID: "w1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var poll PollResponse
	require.NoError(t, json.Unmarshal(body, &poll))
	require.True(t, poll.HasTask)
	require.Equal(t, "r1", poll.RunID)
	require.Equal(t, "call", poll.StateName)
	require.Equal(t, "tool::echo", poll.ToolType)

	resp, body = e.post(t, "/update", UpdateRequest{
		WorkerID:  "w1",
		TaskID:    poll.TaskID,
		RunID:     poll.RunID,
		StateName: poll.StateName,
		Status:    WireSucceeded,
		Result:    map[string]any{"_ran": "tool::echo"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var upd UpdateResponse
	require.NoError(t, json.Unmarshal(body, &upd))
	require.True(t, upd.Success)

	snap, err := e.registry.Snapshot(t.Context(), "r1")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionCompleted, snap.Status)
	require.Equal(t, map[string]any{"_ran": "tool::echo"}, snap.Output)
}

func TestPollEmptyQueue(t *testing.T) {
	e := newEnv(t, fastRetry(3))

	resp, body := e.post(t, "/poll", PollRequest{WorkerID: "w1", Capabilities: []string{"gpu"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var poll PollResponse
	require.NoError(t, json.Unmarshal(body, &poll))
	require.False(t, poll.HasTask)
	require.Empty(t, poll.TaskID)
}

func TestPollRequiresWorkerID(t *testing.T) {
	e := newEnv(t, fastRetry(3))
	resp, _ := e.post(t, "/poll", PollRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateFailedSchedulesRetry(t *testing.T) {
	e := newEnv(t, fastRetry(3))
	e.startTaskRun(t, "r1")

	_, body := e.post(t, "/poll", PollRequest{WorkerID: "w1"})
	var poll PollResponse
	require.NoError(t, json.Unmarshal(body, &poll))
	require.True(t, poll.HasTask)

	resp, body := e.post(t, "/update", UpdateRequest{
		RunID:     "r1",
		StateName: "call",
		Status:    WireFailed,
		Error:     "transient",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var upd UpdateResponse
	require.NoError(t, json.Unmarshal(body, &upd))
	require.True(t, upd.Success)
	require.Equal(t, "retry scheduled", upd.Message)

	// The run is untouched; the task will be offered again.
	snap, err := e.registry.Snapshot(t.Context(), "r1")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionRunning, snap.Status)
}

func TestUpdateFailedExhaustedFailsRun(t *testing.T) {
	e := newEnv(t, fastRetry(1))
	e.startTaskRun(t, "r1")

	_, body := e.post(t, "/poll", PollRequest{WorkerID: "w1"})
	var poll PollResponse
	require.NoError(t, json.Unmarshal(body, &poll))
	require.True(t, poll.HasTask)

	resp, _ := e.post(t, "/update", UpdateRequest{
		RunID:     "r1",
		StateName: "call",
		Status:    WireFailed,
		Error:     "boom",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	snap, err := e.registry.Snapshot(t.Context(), "r1")
	require.NoError(t, err)
	require.Equal(t, workflow.ExecutionFailed, snap.Status)
	require.Equal(t, "boom", snap.Error)
}

func TestUpdateRejectsUnknownStatus(t *testing.T) {
	e := newEnv(t, fastRetry(3))
	resp, _ := e.post(t, "/update", UpdateRequest{
		RunID: "r1", StateName: "call", Status: "DONE",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpdateUnknownTaskNotFound(t *testing.T) {
	e := newEnv(t, fastRetry(3))
	resp, _ := e.post(t, "/update", UpdateRequest{
		RunID: "ghost", StateName: "call", Status: WireSucceeded,
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHeartbeatKeepsTaskAlive(t *testing.T) {
	e := newEnv(t, fastRetry(3))
	e.startTaskRun(t, "r1")

	_, body := e.post(t, "/poll", PollRequest{WorkerID: "w1"})
	var poll PollResponse
	require.NoError(t, json.Unmarshal(body, &poll))
	require.True(t, poll.HasTask)

	resp, body := e.post(t, "/heartbeat", HeartbeatRequest{
		WorkerID:  "w1",
		TaskID:    poll.TaskID,
		RunID:     "r1",
		StateName: "call",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hb UpdateResponse
	require.NoError(t, json.Unmarshal(body, &hb))
	require.True(t, hb.Success)

	// The task is still the worker's to finish.
	resp, _ = e.post(t, "/update", UpdateRequest{
		RunID: "r1", StateName: "call", Status: WireSucceeded,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHeartbeatAfterResolveNotFound(t *testing.T) {
	e := newEnv(t, fastRetry(3))
	e.startTaskRun(t, "r1")

	_, body := e.post(t, "/poll", PollRequest{WorkerID: "w1"})
	var poll PollResponse
	require.NoError(t, json.Unmarshal(body, &poll))
	require.True(t, poll.HasTask)
	resp, _ := e.post(t, "/update", UpdateRequest{
		RunID: "r1", StateName: "call", Status: WireSucceeded,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.post(t, "/heartbeat", HeartbeatRequest{RunID: "r1", StateName: "call"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHeartbeatUnknownRunNotFound(t *testing.T) {
	e := newEnv(t, fastRetry(3))
	resp, _ := e.post(t, "/heartbeat", HeartbeatRequest{RunID: "ghost", StateName: "call"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHeartbeatRequiresRunState(t *testing.T) {
	e := newEnv(t, fastRetry(3))
	resp, _ := e.post(t, "/heartbeat", HeartbeatRequest{WorkerID: "w1"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
