// Package inmem provides a channel-backed Bus for tests and single-process
// deployments.
package inmem

import (
	"context"
	"errors"
	"sync"

	"goa.design/clue/log"

	"github.com/duraflow/flowd/bus"
)

// Bus is an in-memory implementation of bus.Bus. Each consumer group owns a
// buffered channel drained by one goroutine, so groups receive every message
// once and in publish order. Publishing blocks while a group buffer is full;
// messages are never dropped while the bus is open.
type Bus struct {
	mu       sync.RWMutex
	ready    map[string]chan *bus.TaskReady
	finished map[string]chan *bus.TaskFinished
	closed   bool
	wg       sync.WaitGroup
}

const groupBuffer = 256

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("bus closed")

var _ bus.Bus = (*Bus)(nil)

// New returns an empty in-memory bus.
func New() *Bus {
	return &Bus{
		ready:    make(map[string]chan *bus.TaskReady),
		finished: make(map[string]chan *bus.TaskFinished),
	}
}

// PublishTaskReady delivers the message to every ready group.
func (b *Bus) PublishTaskReady(ctx context.Context, msg *bus.TaskReady) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.ready {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// PublishTaskFinished delivers the message to every finished group.
func (b *Bus) PublishTaskFinished(ctx context.Context, msg *bus.TaskFinished) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.finished {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SubscribeTaskReady starts draining TaskReady messages for the group. The
// stop function deregisters the group so publishers stop queueing for it.
func (b *Bus) SubscribeTaskReady(ctx context.Context, group string, h bus.TaskReadyHandler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ch, ok := b.ready[group]
	if !ok {
		ch = make(chan *bus.TaskReady, groupBuffer)
		b.ready[group] = ch
	}
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := h(runCtx, msg); err != nil {
					log.Errorf(runCtx, err, "handle task ready %s", msg.TaskID)
				}
			}
		}
	}()
	stop := func() {
		b.mu.Lock()
		if cur, ok := b.ready[group]; ok && cur == ch {
			delete(b.ready, group)
			close(ch)
		}
		b.mu.Unlock()
		cancel()
	}
	return stop, nil
}

// SubscribeTaskFinished starts draining TaskFinished messages for the group.
// The stop function deregisters the group so publishers stop queueing for it.
func (b *Bus) SubscribeTaskFinished(ctx context.Context, group string, h bus.TaskFinishedHandler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	ch, ok := b.finished[group]
	if !ok {
		ch = make(chan *bus.TaskFinished, groupBuffer)
		b.finished[group] = ch
	}
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := h(runCtx, msg); err != nil {
					log.Errorf(runCtx, err, "handle task finished %s", msg.TaskID)
				}
			}
		}
	}()
	stop := func() {
		b.mu.Lock()
		if cur, ok := b.finished[group]; ok && cur == ch {
			delete(b.finished, group)
			close(ch)
		}
		b.mu.Unlock()
		cancel()
	}
	return stop, nil
}

// Close closes all group channels and waits for consumers to drain.
func (b *Bus) Close(context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, ch := range b.ready {
		close(ch)
	}
	for _, ch := range b.finished {
		close(ch)
	}
	b.ready = make(map[string]chan *bus.TaskReady)
	b.finished = make(map[string]chan *bus.TaskFinished)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
