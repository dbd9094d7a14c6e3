// Package pulse provides a Redis-streams Bus built on goa.design/pulse.
// Each message type maps to one stream; consumer groups map to Pulse sinks,
// which gives at-least-once delivery with explicit acks.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/duraflow/flowd/bus"
)

type (
	// Options configures the Pulse bus.
	Options struct {
		// Redis is the Redis connection backing the streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per stream. Zero uses Pulse
		// defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual publish operations. Zero means
		// no timeout.
		OperationTimeout time.Duration
	}

	// Bus is the Pulse-backed implementation of bus.Bus.
	Bus struct {
		rdb     *redis.Client
		maxLen  int
		timeout time.Duration

		mu      sync.Mutex
		streams map[string]*streaming.Stream
		sinks   []*streaming.Sink
		wg      sync.WaitGroup
	}
)

const (
	readyStream    = "flowd:tasks:ready"
	finishedStream = "flowd:tasks:finished"
)

var _ bus.Bus = (*Bus)(nil)

// New constructs a Pulse bus backed by the provided Redis connection.
func New(opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &Bus{
		rdb:     opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
		streams: make(map[string]*streaming.Stream),
	}, nil
}

func (b *Bus) stream(name string) (*streaming.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[name]; ok {
		return s, nil
	}
	var opts []streamopts.Stream
	if b.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(b.maxLen))
	}
	s, err := streaming.NewStream(name, b.rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %q: %w", name, err)
	}
	b.streams[name] = s
	return s, nil
}

func (b *Bus) publish(ctx context.Context, streamName, msgType, runID, stateName string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	env, err := json.Marshal(bus.Envelope{
		Type:      msgType,
		RunID:     runID,
		StateName: stateName,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	s, err := b.stream(streamName)
	if err != nil {
		return err
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	if _, err := s.Add(ctx, msgType, env); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}

// PublishTaskReady publishes the message on the ready stream.
func (b *Bus) PublishTaskReady(ctx context.Context, msg *bus.TaskReady) error {
	return b.publish(ctx, readyStream, bus.TypeTaskReady, msg.RunID, msg.StateName, msg)
}

// PublishTaskFinished publishes the message on the finished stream.
func (b *Bus) PublishTaskFinished(ctx context.Context, msg *bus.TaskFinished) error {
	return b.publish(ctx, finishedStream, bus.TypeTaskFinished, msg.RunID, msg.StateName, msg)
}

func (b *Bus) subscribe(ctx context.Context, streamName, group string, handle func(context.Context, []byte) error) (func(), error) {
	s, err := b.stream(streamName)
	if err != nil {
		return nil, err
	}
	sink, err := s.NewSink(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("create pulse sink %q: %w", group, err)
	}
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := sink.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := handle(runCtx, evt.Payload); err != nil {
					// Skip the ack so the message redelivers.
					log.Errorf(runCtx, err, "handle %s message", streamName)
					continue
				}
				if err := sink.Ack(runCtx, evt); err != nil {
					log.Errorf(runCtx, err, "ack %s message", streamName)
				}
			}
		}
	}()
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return stop, nil
}

// SubscribeTaskReady consumes the ready stream for the group.
func (b *Bus) SubscribeTaskReady(ctx context.Context, group string, h bus.TaskReadyHandler) (func(), error) {
	return b.subscribe(ctx, readyStream, group, func(ctx context.Context, payload []byte) error {
		var env bus.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		var msg bus.TaskReady
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("decode task ready: %w", err)
		}
		return h(ctx, &msg)
	})
}

// SubscribeTaskFinished consumes the finished stream for the group.
func (b *Bus) SubscribeTaskFinished(ctx context.Context, group string, h bus.TaskFinishedHandler) (func(), error) {
	return b.subscribe(ctx, finishedStream, group, func(ctx context.Context, payload []byte) error {
		var env bus.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		var msg bus.TaskFinished
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("decode task finished: %w", err)
		}
		return h(ctx, &msg)
	})
}

// Close stops all sinks and waits for consumers to exit. The caller owns the
// Redis connection.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	sinks := b.sinks
	b.sinks = nil
	b.mu.Unlock()
	for _, sink := range sinks {
		sink.Close(ctx)
	}
	b.wg.Wait()
	return nil
}
