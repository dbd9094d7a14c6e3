// Package hooks defines the lifecycle events the engine emits and the
// dispatch machinery that fans them out to subscribers: loggers, metrics,
// journal persistence and external buses.
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans events out to registered subscribers. The bus is thread-safe
	// and supports concurrent Publish, Register and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine and
	// iteration stops at the first subscriber error, so critical subscribers
	// (journal persistence) can halt execution on unrecoverable errors.
	Bus interface {
		// Publish delivers the event to every subscriber registered at the
		// time of the call, in registration order, stopping at the first
		// error.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription that can be
		// closed to unregister. Register returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published lifecycle events.
	//
	// HandleEvent should return an error only if processing fails in a way
	// that should halt the run. The bus stops iterating at the first error,
	// so non-critical failures should be logged and swallowed.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration on a Bus. Close removes the
	// subscriber; it is idempotent and thread-safe.
	Subscription interface {
		Close() error
	}

	// eventBus keeps subscribers in an ordered slice so delivery follows
	// registration order. Entries carry an id so Close can splice out the
	// right one without disturbing the order of the rest.
	eventBus struct {
		mu      sync.RWMutex
		nextID  uint64
		entries []busEntry
	}

	busEntry struct {
		id  uint64
		sub Subscriber
	}

	subscription struct {
		owner *eventBus
		id    uint64
		once  sync.Once
	}
)

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an in-memory event bus ready for immediate use.
func NewBus() Bus {
	return &eventBus{}
}

// Publish delivers the event to a snapshot of the current subscribers, so
// registrations and unregistrations during Publish do not affect the current
// delivery.
func (b *eventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	snapshot := make([]Subscriber, len(b.entries))
	for i, e := range b.entries {
		snapshot[i] = e.sub
	}
	b.mu.RUnlock()
	for _, sub := range snapshot {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber to the bus.
func (b *eventBus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.entries = append(b.entries, busEntry{id: id, sub: sub})
	b.mu.Unlock()
	return &subscription{owner: b, id: id}, nil
}

// Close removes the subscriber from the bus. In-flight events may still be
// delivered if Close races a Publish.
func (s *subscription) Close() error {
	s.once.Do(func() {
		b := s.owner
		b.mu.Lock()
		for i, e := range b.entries {
			if e.id == s.id {
				b.entries = append(b.entries[:i], b.entries[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	})
	return nil
}
