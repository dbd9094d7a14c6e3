// Package worker exposes the HTTP gateway external workers talk to. The
// protocol is three JSON endpoints: POLL hands out claimed tasks, UPDATE
// takes outcomes back, HEARTBEAT reports liveness for long-running tasks.
// Wire statuses are SUCCEEDED and FAILED; the gateway maps them onto the
// internal task lifecycle and routes resolved outcomes to the runs that own
// them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"

	"github.com/duraflow/flowd/bus"
	"github.com/duraflow/flowd/runtime/match"
	"github.com/duraflow/flowd/runtime/runner"
	"github.com/duraflow/flowd/runtime/workflow"
	"github.com/duraflow/flowd/store"
)

type (
	// Heartbeater records worker liveness for a claimed task.
	Heartbeater interface {
		Heartbeat(ctx context.Context, runID, stateName, taskID string) error
	}

	// Options configures a Gateway.
	Options struct {
		Match     match.Service
		Completer runner.Completer
		Hearts    Heartbeater
		// PollWait bounds how long a poll blocks waiting for work when the
		// request does not say. Defaults to 2 seconds.
		PollWait time.Duration
	}

	// Gateway serves the worker protocol.
	Gateway struct {
		match     match.Service
		completer runner.Completer
		hearts    Heartbeater
		pollWait  time.Duration
	}

	// PollRequest asks for one task matching the worker's capabilities.
	// Capabilities name the queues the worker serves.
	PollRequest struct {
		WorkerID     string   `json:"worker_id"`
		Capabilities []string `json:"capabilities,omitempty"`
		WaitSeconds  int      `json:"wait_seconds,omitempty"`
	}

	// PollResponse carries a claimed task, or has_task=false when none was
	// available within the wait window.
	PollResponse struct {
		HasTask   bool           `json:"has_task"`
		TaskID    string         `json:"task_id,omitempty"`
		RunID     string         `json:"run_id,omitempty"`
		StateName string         `json:"state_name,omitempty"`
		ToolType  string         `json:"tool_type,omitempty"`
		Input     map[string]any `json:"input,omitempty"`
	}

	// UpdateRequest reports a task outcome. Status must be SUCCEEDED or
	// FAILED.
	UpdateRequest struct {
		WorkerID   string         `json:"worker_id,omitempty"`
		TaskID     string         `json:"task_id,omitempty"`
		RunID      string         `json:"run_id"`
		StateName  string         `json:"state_name"`
		Status     string         `json:"status"`
		Result     map[string]any `json:"result,omitempty"`
		Error      string         `json:"error,omitempty"`
		DurationMS int64          `json:"duration_ms,omitempty"`
	}

	// UpdateResponse acknowledges an outcome.
	UpdateResponse struct {
		Success bool   `json:"success"`
		Message string `json:"message,omitempty"`
	}

	// HeartbeatRequest reports that a worker is still executing its task.
	HeartbeatRequest struct {
		WorkerID  string `json:"worker_id,omitempty"`
		TaskID    string `json:"task_id,omitempty"`
		RunID     string `json:"run_id"`
		StateName string `json:"state_name"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

// Wire status words of the worker protocol.
const (
	WireSucceeded = "SUCCEEDED"
	WireFailed    = "FAILED"
)

// New creates a gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Match == nil {
		return nil, errors.New("match service is required")
	}
	if opts.Completer == nil {
		return nil, errors.New("completer is required")
	}
	if opts.Hearts == nil {
		return nil, errors.New("heartbeater is required")
	}
	if opts.PollWait <= 0 {
		opts.PollWait = 2 * time.Second
	}
	return &Gateway{
		match:     opts.Match,
		completer: opts.Completer,
		hearts:    opts.Hearts,
		pollWait:  opts.PollWait,
	}, nil
}

// Router returns the protocol routes, ready to mount.
func (g *Gateway) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/poll", g.handlePoll)
	r.Post("/update", g.handleUpdate)
	r.Post("/heartbeat", g.handleHeartbeat)
	return r
}

func (g *Gateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed poll request"})
		return
	}
	if req.WorkerID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "worker_id is required"})
		return
	}
	queues := req.Capabilities
	if len(queues) == 0 {
		queues = []string{"default"}
	}
	wait := g.pollWait
	if req.WaitSeconds > 0 {
		wait = time.Duration(req.WaitSeconds) * time.Second
	}

	// Split the wait budget across the worker's queues.
	perQueue := wait / time.Duration(len(queues))
	if perQueue < 10*time.Millisecond {
		perQueue = 10 * time.Millisecond
	}
	for _, queue := range queues {
		task, err := g.match.Take(r.Context(), queue, req.WorkerID, perQueue)
		if err != nil {
			log.Errorf(r.Context(), err, "poll queue %s for worker %s", queue, req.WorkerID)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "poll failed"})
			return
		}
		if task != nil {
			writeJSON(w, http.StatusOK, PollResponse{
				HasTask:   true,
				TaskID:    task.TaskID,
				RunID:     task.RunID,
				StateName: task.StateName,
				ToolType:  task.Resource,
				Input:     task.Input,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, PollResponse{HasTask: false})
}

func (g *Gateway) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed update request"})
		return
	}
	if req.RunID == "" || req.StateName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "run_id and state_name are required"})
		return
	}

	var status workflow.TaskStatus
	switch strings.ToUpper(req.Status) {
	case WireSucceeded:
		status = workflow.TaskCompleted
	case WireFailed:
		status = workflow.TaskFailed
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "status must be SUCCEEDED or FAILED"})
		return
	}

	final, err := g.match.Finish(r.Context(), req.RunID, req.StateName, match.FinishPatch{
		Status:   status,
		Output:   req.Result,
		Error:    req.Error,
		WorkerID: req.WorkerID,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no task for run state"})
		return
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "task already resolved"})
		return
	case err != nil:
		log.Errorf(r.Context(), err, "resolve task %s/%s", req.RunID, req.StateName)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "update failed"})
		return
	}

	// A retrying task goes back to the queue; nothing reaches the run yet.
	if final.Status == workflow.TaskRetrying {
		writeJSON(w, http.StatusOK, UpdateResponse{Success: true, Message: "retry scheduled"})
		return
	}

	outcome := &bus.TaskFinished{
		TaskID:    final.TaskID,
		RunID:     req.RunID,
		StateName: req.StateName,
		Status:    string(final.Status),
		Output:    final.Output,
		Error:     final.Error,
	}
	if err := g.completer.Complete(r.Context(), outcome); err != nil {
		log.Errorf(r.Context(), err, "deliver outcome %s/%s", req.RunID, req.StateName)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "outcome delivery failed"})
		return
	}
	writeJSON(w, http.StatusOK, UpdateResponse{Success: true})
}

// handleHeartbeat touches the task row so timeout sweeps see the worker is
// alive. A 404 tells the worker its task was reaped and work should stop.
func (g *Gateway) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed heartbeat request"})
		return
	}
	if req.RunID == "" || req.StateName == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "run_id and state_name are required"})
		return
	}
	err := g.hearts.Heartbeat(r.Context(), req.RunID, req.StateName, req.TaskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no task for run state"})
		return
	case err != nil:
		log.Errorf(r.Context(), err, "heartbeat %s/%s", req.RunID, req.StateName)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "heartbeat failed"})
		return
	}
	writeJSON(w, http.StatusOK, UpdateResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
