// Package eventbus implements the typed, synchronous fan-out event bus the
// Design Notes call for in place of the cyclic back-pointers the teacher's
// Job Manager / Subscription Manager / VecFS held. The core owns VecFS
// directly and hands the Job Manager and Subscription Manager a Bus handle;
// cross-component notifications (a job finishing, a subscription advancing)
// flow through Publish/Register instead of a back-reference.
//
// Grounded on runtime/agent/hooks/bus.go, generalized from the teacher's
// workflow-lifecycle events to Shinkai's job/subscription/tool events.
package eventbus

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus fans events out to every registered Subscriber.
	Bus interface {
		// Publish delivers event to every currently registered subscriber, in
		// no particular order, stopping at the first error a subscriber returns.
		Publish(ctx context.Context, event Event) error
		// Register adds a subscriber and returns a Subscription that can be
		// closed to unregister it.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration; Close is idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// New constructs an in-memory Bus ready for immediate use.
func New() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		if err := s.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
