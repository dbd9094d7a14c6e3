// Package mongo implements the MongoDB-backed Store used by durable
// multi-process deployments. One Store handle covers all collections of a
// single database.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/duraflow/flowd/dsl"
	"github.com/duraflow/flowd/runtime/workflow"
	"github.com/duraflow/flowd/store"
)

type (
	// Options configures the Mongo store.
	Options struct {
		Client   *mongodriver.Client
		Database string
		// Timeout bounds each store operation. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is a MongoDB implementation of store.Store. It also implements
	// health.Pinger so it can participate in health checks.
	Store struct {
		client     *mongodriver.Client
		timeout    time.Duration
		executions *mongodriver.Collection
		states     *mongodriver.Collection
		tasks      *mongodriver.Collection
		timers     *mongodriver.Collection
		events     *mongodriver.Collection
		templates  *mongodriver.Collection
		counters   *mongodriver.Collection
	}

	executionDocument struct {
		RunID           string         `bson:"run_id"`
		FlowID          string         `bson:"flow_id"`
		Status          string         `bson:"status"`
		Mode            string         `bson:"mode,omitempty"`
		Version         int64          `bson:"version"`
		StartedAt       time.Time      `bson:"started_at"`
		UpdatedAt       time.Time      `bson:"updated_at"`
		EndedAt         *time.Time     `bson:"ended_at,omitempty"`
		CurrentState    string         `bson:"current_state,omitempty"`
		Context         map[string]any `bson:"context,omitempty"`
		Input           map[string]any `bson:"input,omitempty"`
		Output          map[string]any `bson:"output,omitempty"`
		Error           string         `bson:"error,omitempty"`
		Definition      []byte         `bson:"definition,omitempty"`
		ParentRunID     string         `bson:"parent_run_id,omitempty"`
		ParentStateName string         `bson:"parent_state_name,omitempty"`
		BranchIndex     int            `bson:"branch_index,omitempty"`
	}

	stateDocument struct {
		RunID      string         `bson:"run_id"`
		StateName  string         `bson:"state_name"`
		Status     string         `bson:"status"`
		Input      map[string]any `bson:"input,omitempty"`
		Output     map[string]any `bson:"output,omitempty"`
		Error      string         `bson:"error,omitempty"`
		EnteredAt  time.Time      `bson:"entered_at"`
		FinishedAt *time.Time     `bson:"finished_at,omitempty"`
	}

	taskDocument struct {
		TaskID           string         `bson:"task_id"`
		RunID            string         `bson:"run_id"`
		StateName        string         `bson:"state_name"`
		Queue            string         `bson:"queue"`
		Resource         string         `bson:"resource"`
		Status           string         `bson:"status"`
		Input            map[string]any `bson:"input,omitempty"`
		Output           map[string]any `bson:"output,omitempty"`
		Error            string         `bson:"error,omitempty"`
		Priority         int            `bson:"priority"`
		TimeoutSeconds   int            `bson:"timeout_seconds,omitempty"`
		HeartbeatSeconds int            `bson:"heartbeat_seconds,omitempty"`
		MaxAttempts      int            `bson:"max_attempts,omitempty"`
		Attempts         int            `bson:"attempts"`
		NextRetryAt      *time.Time     `bson:"next_retry_at,omitempty"`
		WorkerID         string         `bson:"worker_id,omitempty"`
		CreatedAt        time.Time      `bson:"created_at"`
		UpdatedAt        time.Time      `bson:"updated_at"`
		ClaimedAt        *time.Time     `bson:"claimed_at,omitempty"`
	}

	timerDocument struct {
		TimerID   string    `bson:"timer_id"`
		RunID     string    `bson:"run_id"`
		StateName string    `bson:"state_name"`
		FireAt    time.Time `bson:"fire_at"`
		Fired     bool      `bson:"fired"`
		CreatedAt time.Time `bson:"created_at"`
	}

	eventDocument struct {
		RunID     string         `bson:"run_id"`
		EventID   int64          `bson:"event_id"`
		Type      string         `bson:"type"`
		StateName string         `bson:"state_name,omitempty"`
		Timestamp time.Time      `bson:"timestamp"`
		Payload   map[string]any `bson:"payload,omitempty"`
	}

	templateDocument struct {
		FlowID     string    `bson:"flow_id"`
		Name       string    `bson:"name"`
		Version    string    `bson:"version,omitempty"`
		Definition []byte    `bson:"definition"`
		CreatedAt  time.Time `bson:"created_at"`
		UpdatedAt  time.Time `bson:"updated_at"`
	}
)

const (
	defaultTimeout = 5 * time.Second
	storeName      = "flowd-mongo"
)

var _ store.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// New returns a Store backed by the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	db := opts.Client.Database(opts.Database)
	s := &Store{
		client:     opts.Client,
		timeout:    timeout,
		executions: db.Collection("executions"),
		states:     db.Collection("state_records"),
		tasks:      db.Collection("queue_tasks"),
		timers:     db.Collection("timers"),
		events:     db.Collection("run_events"),
		templates:  db.Collection("templates"),
		counters:   db.Collection("counters"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := []struct {
		coll   *mongodriver.Collection
		models []mongodriver.IndexModel
	}{
		{s.executions, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "run_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "flow_id", Value: 1}, {Key: "started_at", Value: -1}}},
			{Keys: bson.D{{Key: "parent_run_id", Value: 1}, {Key: "parent_state_name", Value: 1}}},
		}},
		{s.states, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "state_name", Value: 1}}, Options: unique},
		}},
		{s.tasks, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "queue", Value: 1}, {Key: "status", Value: 1}, {Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "state_name", Value: 1}}},
		}},
		{s.timers, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "timer_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "fired", Value: 1}, {Key: "fire_at", Value: 1}}},
		}},
		{s.events, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "run_id", Value: 1}, {Key: "event_id", Value: 1}}, Options: unique},
		}},
		{s.templates, []mongodriver.IndexModel{
			{Keys: bson.D{{Key: "flow_id", Value: 1}}, Options: unique},
		}},
	}
	for _, spec := range specs {
		if _, err := spec.coll.Indexes().CreateMany(ctx, spec.models); err != nil {
			return err
		}
	}
	return nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// ioErr tags a driver failure with store.ErrIO. Not-found, conflict and
// decode outcomes are classified before this point. Nil passes through so
// cursor errors can be wrapped at the return site.
func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("mongo %s: %w: %w", op, store.ErrIO, err)
}

func encodeDefinition(def *dsl.Definition) ([]byte, error) {
	if def == nil {
		return nil, nil
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("%w: encode definition: %v", store.ErrSerialization, err)
	}
	return raw, nil
}

func decodeDefinition(raw []byte) (*dsl.Definition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var def dsl.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("%w: decode definition: %v", store.ErrSerialization, err)
	}
	return &def, nil
}

func toExecutionDocument(e *workflow.Execution) (*executionDocument, error) {
	def, err := encodeDefinition(e.Definition)
	if err != nil {
		return nil, err
	}
	return &executionDocument{
		RunID:           e.RunID,
		FlowID:          e.FlowID,
		Status:          string(e.Status),
		Mode:            string(e.Mode),
		Version:         e.Version,
		StartedAt:       e.StartedAt.UTC(),
		UpdatedAt:       e.UpdatedAt.UTC(),
		EndedAt:         e.EndedAt,
		CurrentState:    e.CurrentState,
		Context:         e.Context,
		Input:           e.Input,
		Output:          e.Output,
		Error:           e.Error,
		Definition:      def,
		ParentRunID:     e.ParentRunID,
		ParentStateName: e.ParentStateName,
		BranchIndex:     e.BranchIndex,
	}, nil
}

func (d *executionDocument) toExecution() (*workflow.Execution, error) {
	def, err := decodeDefinition(d.Definition)
	if err != nil {
		return nil, err
	}
	return &workflow.Execution{
		RunID:           d.RunID,
		FlowID:          d.FlowID,
		Status:          workflow.ExecutionStatus(d.Status),
		Mode:            workflow.ExecutionMode(d.Mode),
		Version:         d.Version,
		StartedAt:       d.StartedAt,
		UpdatedAt:       d.UpdatedAt,
		EndedAt:         d.EndedAt,
		CurrentState:    d.CurrentState,
		Context:         d.Context,
		Input:           d.Input,
		Output:          d.Output,
		Error:           d.Error,
		Definition:      def,
		ParentRunID:     d.ParentRunID,
		ParentStateName: d.ParentStateName,
		BranchIndex:     d.BranchIndex,
	}, nil
}

// CreateExecution stores a new run. The run ID must be unused.
func (s *Store) CreateExecution(ctx context.Context, exec *workflow.Execution) error {
	doc, err := toExecutionDocument(exec)
	if err != nil {
		return err
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.executions.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("execution %q already exists: %w", exec.RunID, store.ErrConflict)
		}
		return ioErr("insert execution", err)
	}
	exec.Version = doc.Version
	return nil
}

// GetExecution returns the run with the given ID.
func (s *Store) GetExecution(ctx context.Context, runID string) (*workflow.Execution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc executionDocument
	err := s.executions.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("execution %q: %w", runID, store.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("get execution", err)
	}
	return doc.toExecution()
}

// ListExecutions returns runs matching the filter, most recent first.
func (s *Store) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*workflow.Execution, error) {
	query := bson.M{}
	if filter.FlowID != "" {
		query["flow_id"] = filter.FlowID
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}
	if filter.ParentRunID != "" {
		query["parent_run_id"] = filter.ParentRunID
	}
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if filter.Limit > 0 {
		opts = opts.SetLimit(filter.Limit)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.executions.Find(ctx, query, opts)
	if err != nil {
		return nil, ioErr("list executions", err)
	}
	defer cur.Close(ctx)

	var out []*workflow.Execution
	for cur.Next(ctx) {
		var doc executionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode execution: %v", store.ErrSerialization, err)
		}
		exec, err := doc.toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, ioErr("list executions", cur.Err())
}

// UpdateExecution persists a new version of the run guarded by the version
// check: the stored version must be exactly one behind.
func (s *Store) UpdateExecution(ctx context.Context, exec *workflow.Execution) error {
	doc, err := toExecutionDocument(exec)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.executions.ReplaceOne(ctx,
		bson.M{"run_id": exec.RunID, "version": exec.Version - 1}, doc)
	if err != nil {
		return ioErr("update execution", err)
	}
	if res.MatchedCount == 0 {
		count, err := s.executions.CountDocuments(ctx, bson.M{"run_id": exec.RunID})
		if err != nil {
			return ioErr("update execution", err)
		}
		if count == 0 {
			return fmt.Errorf("execution %q: %w", exec.RunID, store.ErrNotFound)
		}
		return fmt.Errorf("execution %q version mismatch: %w", exec.RunID, store.ErrConflict)
	}
	return nil
}

// DeleteExecution removes the run.
func (s *Store) DeleteExecution(ctx context.Context, runID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.executions.DeleteOne(ctx, bson.M{"run_id": runID})
	if err != nil {
		return ioErr("delete execution", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("execution %q: %w", runID, store.ErrNotFound)
	}
	return nil
}

// FindSubflows returns the children of a parent state in branch order.
func (s *Store) FindSubflows(ctx context.Context, parentRunID, parentStateName string) ([]*workflow.Execution, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.executions.Find(ctx,
		bson.M{"parent_run_id": parentRunID, "parent_state_name": parentStateName},
		options.Find().SetSort(bson.D{{Key: "branch_index", Value: 1}}))
	if err != nil {
		return nil, ioErr("find subflows", err)
	}
	defer cur.Close(ctx)

	var out []*workflow.Execution
	for cur.Next(ctx) {
		var doc executionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode execution: %v", store.ErrSerialization, err)
		}
		exec, err := doc.toExecution()
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, ioErr("find subflows", cur.Err())
}

// UpsertStateOnEntry creates or restarts the history row for a state entry.
// Input and entry time are only written when the row is first created.
func (s *Store) UpsertStateOnEntry(ctx context.Context, rec *workflow.StateRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.states.UpdateOne(ctx,
		bson.M{"run_id": rec.RunID, "state_name": rec.StateName},
		bson.M{
			"$set": bson.M{"status": string(workflow.StateStarted), "error": "", "finished_at": nil},
			"$setOnInsert": bson.M{
				"input":      rec.Input,
				"entered_at": rec.EnteredAt.UTC(),
			},
		},
		options.UpdateOne().SetUpsert(true))
	return ioErr("upsert state", err)
}

// UpdateStateOnFinish records the outcome of a state execution.
func (s *Store) UpdateStateOnFinish(ctx context.Context, runID, stateName string, status workflow.StateStatus, output map[string]any, errMsg string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.states.UpdateOne(ctx,
		bson.M{"run_id": runID, "state_name": stateName},
		bson.M{"$set": bson.M{
			"status":      string(status),
			"output":      output,
			"error":       errMsg,
			"finished_at": time.Now().UTC(),
		}})
	if err != nil {
		return ioErr("update state", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("state %s/%s: %w", runID, stateName, store.ErrNotFound)
	}
	return nil
}

// GetState returns the history row for a state.
func (s *Store) GetState(ctx context.Context, runID, stateName string) (*workflow.StateRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc stateDocument
	err := s.states.FindOne(ctx, bson.M{"run_id": runID, "state_name": stateName}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("state %s/%s: %w", runID, stateName, store.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("get state", err)
	}
	return doc.toStateRecord(), nil
}

func (d *stateDocument) toStateRecord() *workflow.StateRecord {
	return &workflow.StateRecord{
		RunID:      d.RunID,
		StateName:  d.StateName,
		Status:     workflow.StateStatus(d.Status),
		Input:      d.Input,
		Output:     d.Output,
		Error:      d.Error,
		EnteredAt:  d.EnteredAt,
		FinishedAt: d.FinishedAt,
	}
}

// ListStates returns all history rows of a run ordered by entry time.
func (s *Store) ListStates(ctx context.Context, runID string) ([]*workflow.StateRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.states.Find(ctx, bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "entered_at", Value: 1}}))
	if err != nil {
		return nil, ioErr("list states", err)
	}
	defer cur.Close(ctx)

	var out []*workflow.StateRecord
	for cur.Next(ctx) {
		var doc stateDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode state: %v", store.ErrSerialization, err)
		}
		out = append(out, doc.toStateRecord())
	}
	return out, ioErr("list states", cur.Err())
}

func toTaskDocument(t *workflow.QueueTask) *taskDocument {
	return &taskDocument{
		TaskID:           t.TaskID,
		RunID:            t.RunID,
		StateName:        t.StateName,
		Queue:            t.Queue,
		Resource:         t.Resource,
		Status:           string(t.Status),
		Input:            t.Input,
		Output:           t.Output,
		Error:            t.Error,
		Priority:         t.Priority,
		TimeoutSeconds:   t.TimeoutSeconds,
		HeartbeatSeconds: t.HeartbeatSeconds,
		MaxAttempts:      t.MaxAttempts,
		Attempts:         t.Attempts,
		NextRetryAt:      t.NextRetryAt,
		WorkerID:         t.WorkerID,
		CreatedAt:        t.CreatedAt.UTC(),
		UpdatedAt:        t.UpdatedAt.UTC(),
		ClaimedAt:        t.ClaimedAt,
	}
}

func (d *taskDocument) toTask() *workflow.QueueTask {
	return &workflow.QueueTask{
		TaskID:           d.TaskID,
		RunID:            d.RunID,
		StateName:        d.StateName,
		Queue:            d.Queue,
		Resource:         d.Resource,
		Status:           workflow.TaskStatus(d.Status),
		Input:            d.Input,
		Output:           d.Output,
		Error:            d.Error,
		Priority:         d.Priority,
		TimeoutSeconds:   d.TimeoutSeconds,
		HeartbeatSeconds: d.HeartbeatSeconds,
		MaxAttempts:      d.MaxAttempts,
		Attempts:         d.Attempts,
		NextRetryAt:      d.NextRetryAt,
		WorkerID:         d.WorkerID,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
		ClaimedAt:        d.ClaimedAt,
	}
}

// CreateTask stores a new queue task.
func (s *Store) CreateTask(ctx context.Context, task *workflow.QueueTask) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.tasks.InsertOne(ctx, toTaskDocument(task)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("task %q already exists: %w", task.TaskID, store.ErrConflict)
		}
		return ioErr("insert task", err)
	}
	return nil
}

// GetTask returns the task with the given ID.
func (s *Store) GetTask(ctx context.Context, taskID string) (*workflow.QueueTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc taskDocument
	err := s.tasks.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("task %q: %w", taskID, store.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("get task", err)
	}
	return doc.toTask(), nil
}

// FindTasksByStatus returns tasks on a queue in the given status, highest
// priority first then oldest first.
func (s *Store) FindTasksByStatus(ctx context.Context, queue string, status workflow.TaskStatus, limit int64) ([]*workflow.QueueTask, error) {
	query := bson.M{"status": string(status)}
	if queue != "" {
		query["queue"] = queue
	}
	opts := options.Find().SetSort(taskOrder)
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.findTasks(ctx, query, opts)
}

var taskOrder = bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}

func (s *Store) findTasks(ctx context.Context, query bson.M, opts *options.FindOptionsBuilder) ([]*workflow.QueueTask, error) {
	cur, err := s.tasks.Find(ctx, query, opts)
	if err != nil {
		return nil, ioErr("find tasks", err)
	}
	defer cur.Close(ctx)

	var out []*workflow.QueueTask
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode task: %v", store.ErrSerialization, err)
		}
		out = append(out, doc.toTask())
	}
	return out, ioErr("find tasks", cur.Err())
}

func patchToSet(patch store.TaskPatch) bson.M {
	set := bson.M{"updated_at": time.Now().UTC()}
	if patch.Status != nil {
		set["status"] = string(*patch.Status)
	}
	if patch.Output != nil {
		set["output"] = patch.Output
	}
	if patch.Error != nil {
		set["error"] = *patch.Error
	}
	if patch.WorkerID != nil {
		set["worker_id"] = *patch.WorkerID
	}
	if patch.Attempts != nil {
		set["attempts"] = *patch.Attempts
	}
	if patch.NextRetryAt != nil {
		set["next_retry_at"] = patch.NextRetryAt.UTC()
	}
	return set
}

// UpdateTask applies a patch to the task, enforcing status transitions. The
// update is conditioned on the status observed at read time so concurrent
// writers cannot skip a transition check.
func (s *Store) UpdateTask(ctx context.Context, taskID string, patch store.TaskPatch) (*workflow.QueueTask, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil && !cur.Status.CanTransition(*patch.Status) {
		return nil, fmt.Errorf("task %q cannot move from %s to %s: %w",
			taskID, cur.Status, *patch.Status, store.ErrConflict)
	}

	var doc taskDocument
	err = s.tasks.FindOneAndUpdate(ctx,
		bson.M{"task_id": taskID, "status": string(cur.Status)},
		bson.M{"$set": patchToSet(patch)},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("task %q changed concurrently: %w", taskID, store.ErrConflict)
	}
	if err != nil {
		return nil, ioErr("update task", err)
	}
	return doc.toTask(), nil
}

// UpdateTaskByRunState patches the task for a run state when its status
// matches expected. The boolean reports whether a row matched.
func (s *Store) UpdateTaskByRunState(ctx context.Context, runID, stateName string, expected workflow.TaskStatus, patch store.TaskPatch) (*workflow.QueueTask, bool, error) {
	if patch.Status != nil && !expected.CanTransition(*patch.Status) {
		return nil, false, fmt.Errorf("task for %s/%s cannot move from %s to %s: %w",
			runID, stateName, expected, *patch.Status, store.ErrConflict)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc taskDocument
	err := s.tasks.FindOneAndUpdate(ctx,
		bson.M{"run_id": runID, "state_name": stateName, "status": string(expected)},
		bson.M{"$set": patchToSet(patch)},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ioErr("update task by run state", err)
	}
	return doc.toTask(), true, nil
}

// ClaimNextTask atomically claims the best claimable task on the queue.
func (s *Store) ClaimNextTask(ctx context.Context, queue, workerID string) (*workflow.QueueTask, error) {
	now := time.Now().UTC()
	filter := bson.M{
		"queue": queue,
		"$or": bson.A{
			bson.M{"status": string(workflow.TaskPending)},
			bson.M{
				"status":        string(workflow.TaskRetrying),
				"next_retry_at": bson.M{"$lte": now},
			},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     string(workflow.TaskProcessing),
			"worker_id":  workerID,
			"claimed_at": now,
			"updated_at": now,
		},
		"$inc": bson.M{"attempts": 1},
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc taskDocument
	err := s.tasks.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().
			SetSort(taskOrder).
			SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("claim task", err)
	}
	return doc.toTask(), nil
}

// FindTasksToRetry returns retrying tasks due at or before now.
func (s *Store) FindTasksToRetry(ctx context.Context, now time.Time, limit int64) ([]*workflow.QueueTask, error) {
	opts := options.Find().SetSort(taskOrder)
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.findTasks(ctx, bson.M{
		"status":        string(workflow.TaskRetrying),
		"next_retry_at": bson.M{"$lte": now.UTC()},
	}, opts)
}

// FindExpiredTasks returns processing tasks whose timeout elapsed or whose
// worker heartbeat went stale before now. The query narrows to rows with a
// timeout or heartbeat configured; the cutoff comparison runs in Go.
func (s *Store) FindExpiredTasks(ctx context.Context, now time.Time, limit int64) ([]*workflow.QueueTask, error) {
	opts := options.Find().SetSort(taskOrder)
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	candidates, err := s.findTasks(ctx, bson.M{
		"status": string(workflow.TaskProcessing),
		"$or": bson.A{
			bson.M{"timeout_seconds": bson.M{"$gt": 0}, "claimed_at": bson.M{"$ne": nil}},
			bson.M{"heartbeat_seconds": bson.M{"$gt": 0}},
		},
	}, opts)
	if err != nil {
		return nil, err
	}
	var out []*workflow.QueueTask
	for _, t := range candidates {
		if t.DeadlineExpired(now) || t.HeartbeatStale(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

// DeleteTask removes the task.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.tasks.DeleteOne(ctx, bson.M{"task_id": taskID})
	if err != nil {
		return ioErr("delete task", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("task %q: %w", taskID, store.ErrNotFound)
	}
	return nil
}

// CreateTimer stores a new timer.
func (s *Store) CreateTimer(ctx context.Context, timer *workflow.Timer) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := timerDocument{
		TimerID:   timer.TimerID,
		RunID:     timer.RunID,
		StateName: timer.StateName,
		FireAt:    timer.FireAt.UTC(),
		Fired:     timer.Fired,
		CreatedAt: timer.CreatedAt.UTC(),
	}
	if _, err := s.timers.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("timer %q already exists: %w", timer.TimerID, store.ErrConflict)
		}
		return ioErr("insert timer", err)
	}
	return nil
}

// GetTimer returns the timer with the given ID.
func (s *Store) GetTimer(ctx context.Context, timerID string) (*workflow.Timer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc timerDocument
	err := s.timers.FindOne(ctx, bson.M{"timer_id": timerID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("timer %q: %w", timerID, store.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("get timer", err)
	}
	return doc.toTimer(), nil
}

func (d *timerDocument) toTimer() *workflow.Timer {
	return &workflow.Timer{
		TimerID:   d.TimerID,
		RunID:     d.RunID,
		StateName: d.StateName,
		FireAt:    d.FireAt,
		Fired:     d.Fired,
		CreatedAt: d.CreatedAt,
	}
}

// FindTimersBefore returns unfired timers due at or before the instant.
func (s *Store) FindTimersBefore(ctx context.Context, at time.Time, limit int64) ([]*workflow.Timer, error) {
	opts := options.Find().SetSort(bson.D{{Key: "fire_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.timers.Find(ctx, bson.M{
		"fired":   false,
		"fire_at": bson.M{"$lte": at.UTC()},
	}, opts)
	if err != nil {
		return nil, ioErr("find timers", err)
	}
	defer cur.Close(ctx)

	var out []*workflow.Timer
	for cur.Next(ctx) {
		var doc timerDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode timer: %v", store.ErrSerialization, err)
		}
		out = append(out, doc.toTimer())
	}
	return out, ioErr("find timers", cur.Err())
}

// MarkTimerFired flips the timer to fired exactly once.
func (s *Store) MarkTimerFired(ctx context.Context, timerID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.timers.UpdateOne(ctx,
		bson.M{"timer_id": timerID, "fired": false},
		bson.M{"$set": bson.M{"fired": true}})
	if err != nil {
		return ioErr("mark timer fired", err)
	}
	if res.MatchedCount == 0 {
		count, err := s.timers.CountDocuments(ctx, bson.M{"timer_id": timerID})
		if err != nil {
			return ioErr("mark timer fired", err)
		}
		if count == 0 {
			return fmt.Errorf("timer %q: %w", timerID, store.ErrNotFound)
		}
		return fmt.Errorf("timer %q already fired: %w", timerID, store.ErrConflict)
	}
	return nil
}

// DeleteTimer removes the timer.
func (s *Store) DeleteTimer(ctx context.Context, timerID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.timers.DeleteOne(ctx, bson.M{"timer_id": timerID})
	if err != nil {
		return ioErr("delete timer", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("timer %q: %w", timerID, store.ErrNotFound)
	}
	return nil
}

// AppendEvent assigns the next per-run event ID from the counters collection
// and stores the record.
func (s *Store) AppendEvent(ctx context.Context, rec *workflow.EventRecord) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "run_events/" + rec.RunID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After)).Decode(&counter)
	if err != nil {
		return fmt.Errorf("next event id for %q: %w: %w", rec.RunID, store.ErrIO, err)
	}

	doc := eventDocument{
		RunID:     rec.RunID,
		EventID:   counter.Seq,
		Type:      rec.Type,
		StateName: rec.StateName,
		Timestamp: rec.Timestamp.UTC(),
		Payload:   rec.Payload,
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return ioErr("append event", err)
	}
	rec.EventID = counter.Seq
	return nil
}

// ListEventsByRun returns journal entries after the given ID in order.
func (s *Store) ListEventsByRun(ctx context.Context, runID string, afterID int64, limit int64) ([]*workflow.EventRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "event_id", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.events.Find(ctx, bson.M{
		"run_id":   runID,
		"event_id": bson.M{"$gt": afterID},
	}, opts)
	if err != nil {
		return nil, ioErr("list events", err)
	}
	defer cur.Close(ctx)

	var out []*workflow.EventRecord
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode event: %v", store.ErrSerialization, err)
		}
		out = append(out, &workflow.EventRecord{
			RunID:     doc.RunID,
			EventID:   doc.EventID,
			Type:      doc.Type,
			StateName: doc.StateName,
			Timestamp: doc.Timestamp,
			Payload:   doc.Payload,
		})
	}
	return out, ioErr("list events", cur.Err())
}

// DeleteEventsByRun removes the run's journal and its counter.
func (s *Store) DeleteEventsByRun(ctx context.Context, runID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.events.DeleteMany(ctx, bson.M{"run_id": runID}); err != nil {
		return ioErr("delete events", err)
	}
	_, err := s.counters.DeleteOne(ctx, bson.M{"_id": "run_events/" + runID})
	return ioErr("delete events", err)
}

// PutTemplate stores or replaces a named definition.
func (s *Store) PutTemplate(ctx context.Context, tpl *workflow.Template) error {
	def, err := encodeDefinition(tpl.Definition)
	if err != nil {
		return err
	}
	doc := templateDocument{
		FlowID:     tpl.FlowID,
		Name:       tpl.Name,
		Version:    tpl.Version,
		Definition: def,
		CreatedAt:  tpl.CreatedAt.UTC(),
		UpdatedAt:  tpl.UpdatedAt.UTC(),
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.templates.ReplaceOne(ctx, bson.M{"flow_id": tpl.FlowID}, doc,
		options.Replace().SetUpsert(true))
	return ioErr("put template", err)
}

// GetTemplate returns the template with the given flow ID.
func (s *Store) GetTemplate(ctx context.Context, flowID string) (*workflow.Template, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc templateDocument
	err := s.templates.FindOne(ctx, bson.M{"flow_id": flowID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, fmt.Errorf("template %q: %w", flowID, store.ErrNotFound)
	}
	if err != nil {
		return nil, ioErr("get template", err)
	}
	return doc.toTemplate()
}

func (d *templateDocument) toTemplate() (*workflow.Template, error) {
	def, err := decodeDefinition(d.Definition)
	if err != nil {
		return nil, err
	}
	return &workflow.Template{
		FlowID:     d.FlowID,
		Name:       d.Name,
		Version:    d.Version,
		Definition: def,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}, nil
}

// ListTemplates returns all templates sorted by flow ID.
func (s *Store) ListTemplates(ctx context.Context) ([]*workflow.Template, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.templates.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "flow_id", Value: 1}}))
	if err != nil {
		return nil, ioErr("list templates", err)
	}
	defer cur.Close(ctx)

	var out []*workflow.Template
	for cur.Next(ctx) {
		var doc templateDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode template: %v", store.ErrSerialization, err)
		}
		tpl, err := doc.toTemplate()
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, ioErr("list templates", cur.Err())
}

// DeleteTemplate removes the template.
func (s *Store) DeleteTemplate(ctx context.Context, flowID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.templates.DeleteOne(ctx, bson.M{"flow_id": flowID})
	if err != nil {
		return ioErr("delete template", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("template %q: %w", flowID, store.ErrNotFound)
	}
	return nil
}
