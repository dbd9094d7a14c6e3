package hooks

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"
)

type (
	// Dispatcher routes lifecycle events to the bus. Unlike Bus.Publish,
	// Dispatch never fails the caller: subscriber errors are logged and
	// swallowed so observability problems cannot stall a run.
	Dispatcher interface {
		Dispatch(ctx context.Context, event Event)
		// Close flushes any buffered events and stops background work.
		Close() error
	}

	immediate struct {
		bus Bus
	}

	// batched buffers events and flushes them on size or interval from a
	// single background goroutine, preserving order.
	batched struct {
		bus      Bus
		ch       chan Event
		size     int
		interval time.Duration
		done     chan struct{}
		wg       sync.WaitGroup
		once     sync.Once
	}
)

const (
	defaultBatchSize     = 64
	defaultBatchInterval = 200 * time.Millisecond
)

// NewImmediateDispatcher returns a dispatcher that delivers each event
// synchronously in the caller's goroutine.
func NewImmediateDispatcher(bus Bus) Dispatcher {
	return &immediate{bus: bus}
}

func (d *immediate) Dispatch(ctx context.Context, event Event) {
	if err := d.bus.Publish(ctx, event); err != nil {
		log.Errorf(ctx, err, "publish %s event for run %s", event.Type(), event.RunID())
	}
}

func (d *immediate) Close() error { return nil }

// NewBatchedDispatcher returns a dispatcher that buffers events and delivers
// them in order from a background goroutine. Zero size or interval select
// defaults.
func NewBatchedDispatcher(ctx context.Context, bus Bus, size int, interval time.Duration) Dispatcher {
	if size <= 0 {
		size = defaultBatchSize
	}
	if interval <= 0 {
		interval = defaultBatchInterval
	}
	d := &batched{
		bus:      bus,
		ch:       make(chan Event, size*2),
		size:     size,
		interval: interval,
		done:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.loop(ctx)
	return d
}

func (d *batched) Dispatch(ctx context.Context, event Event) {
	select {
	case d.ch <- event:
	case <-d.done:
		log.Warnf(ctx, "dropping %s event for run %s: dispatcher closed", event.Type(), event.RunID())
	}
}

func (d *batched) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	batch := make([]Event, 0, d.size)
	flush := func() {
		for _, event := range batch {
			if err := d.bus.Publish(ctx, event); err != nil {
				log.Errorf(ctx, err, "publish %s event for run %s", event.Type(), event.RunID())
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-d.ch:
			batch = append(batch, event)
			if len(batch) >= d.size {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-d.done:
			// Drain whatever is left before exiting.
			for {
				select {
				case event := <-d.ch:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close flushes buffered events and stops the background goroutine.
func (d *batched) Close() error {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
	return nil
}
