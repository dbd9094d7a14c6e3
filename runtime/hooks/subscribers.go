package hooks

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"goa.design/clue/log"

	"github.com/duraflow/flowd/bus"
	"github.com/duraflow/flowd/runtime/workflow"
	"github.com/duraflow/flowd/store"
)

type (
	// LogSubscriber writes one structured log line per event.
	LogSubscriber struct{}

	// MetricsSubscriber exports event counts and state durations to
	// Prometheus.
	MetricsSubscriber struct {
		events    *prometheus.CounterVec
		durations *prometheus.HistogramVec
		finished  *prometheus.CounterVec
	}

	// JournalSubscriber appends every event to the run's durable journal.
	// Persistence failures are returned so the bus halts delivery: a run
	// must not outpace its own history.
	JournalSubscriber struct {
		events store.EventStore
	}

	// BusSubscriber announces queued tasks on the message bus so push-based
	// workers learn about work without polling. The announcement carries no
	// payload; workers still claim through the matcher. Do not combine with
	// the event-driven matcher, which publishes the same announcement.
	BusSubscriber struct {
		bus bus.Bus
	}
)

// NewLogSubscriber returns a subscriber that logs every event.
func NewLogSubscriber() *LogSubscriber { return &LogSubscriber{} }

// HandleEvent implements Subscriber.
func (s *LogSubscriber) HandleEvent(ctx context.Context, event Event) error {
	kv := []log.Fielder{
		log.KV{K: "event", V: string(event.Type())},
		log.KV{K: "run_id", V: event.RunID()},
	}
	if state := event.StateName(); state != "" {
		kv = append(kv, log.KV{K: "state", V: state})
	}
	switch e := event.(type) {
	case *WorkflowFinishedEvent:
		kv = append(kv, log.KV{K: "status", V: e.Status})
		if e.Reason != "" {
			kv = append(kv, log.KV{K: "reason", V: e.Reason})
		}
	case *NodeFailedEvent:
		kv = append(kv, log.KV{K: "reason", V: e.Reason})
	case *NodeExitEvent:
		kv = append(kv, log.KV{K: "duration_ms", V: e.Duration.Milliseconds()})
	case *TaskReadyEvent:
		kv = append(kv, log.KV{K: "task_id", V: e.TaskID}, log.KV{K: "queue", V: e.Queue})
	case *TaskFinishedEvent:
		kv = append(kv, log.KV{K: "task_id", V: e.TaskID}, log.KV{K: "status", V: e.Status})
	case *SubflowFinishedEvent:
		kv = append(kv, log.KV{K: "child_run_id", V: e.ChildRunID}, log.KV{K: "status", V: e.Status})
	}
	log.Info(ctx, kv...)
	return nil
}

// NewMetricsSubscriber returns a subscriber exporting event metrics on the
// given registerer.
func NewMetricsSubscriber(reg prometheus.Registerer) *MetricsSubscriber {
	s := &MetricsSubscriber{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowd_events_total",
			Help: "Lifecycle events by type.",
		}, []string{"type"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowd_state_duration_seconds",
			Help:    "Wall time spent in each state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"state"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowd_runs_finished_total",
			Help: "Finished runs by terminal status.",
		}, []string{"status"}),
	}
	reg.MustRegister(s.events, s.durations, s.finished)
	return s
}

// HandleEvent implements Subscriber.
func (s *MetricsSubscriber) HandleEvent(_ context.Context, event Event) error {
	s.events.WithLabelValues(string(event.Type())).Inc()
	switch e := event.(type) {
	case *NodeExitEvent:
		s.durations.WithLabelValues(e.StateName()).Observe(e.Duration.Seconds())
	case *WorkflowFinishedEvent:
		s.finished.WithLabelValues(e.Status).Inc()
	}
	return nil
}

// NewJournalSubscriber returns a subscriber persisting events to the store.
func NewJournalSubscriber(events store.EventStore) *JournalSubscriber {
	return &JournalSubscriber{events: events}
}

// HandleEvent implements Subscriber.
func (s *JournalSubscriber) HandleEvent(ctx context.Context, event Event) error {
	rec := &workflow.EventRecord{
		RunID:     event.RunID(),
		Type:      string(event.Type()),
		StateName: event.StateName(),
		Timestamp: event.Timestamp(),
		Payload:   eventPayload(event),
	}
	return s.events.AppendEvent(ctx, rec)
}

// NewBusSubscriber returns a subscriber publishing TaskReady announcements.
func NewBusSubscriber(b bus.Bus) *BusSubscriber {
	return &BusSubscriber{bus: b}
}

// HandleEvent implements Subscriber.
func (s *BusSubscriber) HandleEvent(ctx context.Context, event Event) error {
	e, ok := event.(*TaskReadyEvent)
	if !ok {
		return nil
	}
	return s.bus.PublishTaskReady(ctx, &bus.TaskReady{
		TaskID:    e.TaskID,
		RunID:     e.RunID(),
		StateName: e.StateName(),
		Queue:     e.Queue,
		Resource:  e.Resource,
	})
}

func eventPayload(event Event) map[string]any {
	switch e := event.(type) {
	case *WorkflowStartedEvent:
		return map[string]any{"flow_id": e.FlowID, "input": e.Input}
	case *WorkflowFinishedEvent:
		p := map[string]any{"status": e.Status}
		if e.Output != nil {
			p["output"] = e.Output
		}
		if e.Reason != "" {
			p["reason"] = e.Reason
		}
		return p
	case *NodeEnterEvent:
		if e.Input == nil {
			return nil
		}
		return map[string]any{"input": e.Input}
	case *NodeSuccessEvent:
		if e.Output == nil {
			return nil
		}
		return map[string]any{"output": e.Output}
	case *NodeFailedEvent:
		return map[string]any{"reason": e.Reason}
	case *NodeExitEvent:
		return map[string]any{"duration_ms": e.Duration.Milliseconds()}
	case *TaskReadyEvent:
		return map[string]any{"task_id": e.TaskID, "queue": e.Queue, "resource": e.Resource}
	case *TaskFinishedEvent:
		p := map[string]any{"task_id": e.TaskID, "status": e.Status}
		if e.Reason != "" {
			p["reason"] = e.Reason
		}
		return p
	case *SubflowReadyEvent:
		return map[string]any{"child_run_id": e.ChildRunID, "branch_index": e.BranchIndex}
	case *SubflowFinishedEvent:
		return map[string]any{"child_run_id": e.ChildRunID, "status": e.Status}
	default:
		return nil
	}
}
