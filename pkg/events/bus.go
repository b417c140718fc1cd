package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tasker-systems/tasker/pkg/logger"
)

// Event is one published occurrence delivered to subscribers.
type Event struct {
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload"`
	PublishedAt time.Time      `json:"published_at"`
}

// Subscriber receives events it declared interest in. Implementations must
// tolerate concurrent Handle calls from multiple publisher goroutines and
// must not assume global ordering across publishers.
type Subscriber interface {
	// Name identifies the subscriber in logs.
	Name() string

	// Subscriptions lists the event names this subscriber receives.
	Subscriptions() []string

	// Handle processes one event. Errors are logged and swallowed unless
	// the subscriber is an observability sink.
	Handle(ctx context.Context, ev Event) error
}

// ObservabilitySink marks a subscriber whose failures must propagate to the
// publisher instead of being swallowed. Only metrics/tracing sinks should
// opt in.
type ObservabilitySink interface {
	Subscriber
	Observability() bool
}

// Publisher is the narrow interface components use to publish events.
type Publisher interface {
	Publish(ctx context.Context, name string, payload map[string]any) error
}

// Bus is a synchronous in-process publish/subscribe fan-out. Delivery is in
// call order per publishing goroutine; no ordering is guaranteed across
// goroutines.
type Bus struct {
	catalog *Catalog

	mu   sync.RWMutex
	subs map[string][]Subscriber
}

// NewBus creates a bus routing against the given catalog.
func NewBus(catalog *Catalog) *Bus {
	return &Bus{
		catalog: catalog,
		subs:    make(map[string][]Subscriber),
	}
}

// Catalog exposes the bus's event catalog.
func (b *Bus) Catalog() *Catalog {
	return b.catalog
}

// Subscribe registers a subscriber for every event name it declares.
// Unknown event names are rejected so typos surface at boot rather than as
// silently undelivered events.
func (b *Bus) Subscribe(sub Subscriber) error {
	names := sub.Subscriptions()
	if len(names) == 0 {
		return fmt.Errorf("subscriber %s declares no subscriptions", sub.Name())
	}
	for _, name := range names {
		if _, ok := b.catalog.Lookup(name); !ok {
			return fmt.Errorf("subscriber %s references unknown event %q", sub.Name(), name)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range names {
		b.subs[name] = append(b.subs[name], sub)
	}
	return nil
}

// Publish synchronously delivers the event to every matching subscriber.
// Subscriber errors and panics are isolated: they are logged and never abort
// other subscribers. An error is returned only when an observability sink
// fails.
func (b *Bus) Publish(ctx context.Context, name string, payload map[string]any) error {
	if _, ok := b.catalog.Lookup(name); !ok {
		return fmt.Errorf("event %q is not in the catalog", name)
	}

	ev := Event{Name: name, Payload: payload, PublishedAt: time.Now().UTC()}

	b.mu.RLock()
	targets := append([]Subscriber(nil), b.subs[name]...)
	b.mu.RUnlock()

	var sinkErr error
	for _, sub := range targets {
		err := b.deliver(ctx, sub, ev)
		if err == nil {
			continue
		}
		if sink, ok := sub.(ObservabilitySink); ok && sink.Observability() {
			sinkErr = fmt.Errorf("observability sink %s failed handling %s: %w", sub.Name(), name, err)
			continue
		}
		logger.Warnw("subscriber failed handling event",
			"subscriber", sub.Name(), "event", name, "error", err)
	}
	return sinkErr
}

// deliver invokes one subscriber, converting panics into errors.
func (*Bus) deliver(ctx context.Context, sub Subscriber, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return sub.Handle(ctx, ev)
}

// SubscriberFunc routes events to per-event handler functions keyed by
// event name, giving declarative subscribers without reflection.
type SubscriberFunc struct {
	// SubscriberName identifies this subscriber in logs.
	SubscriberName string

	// Handlers maps event name to its handler function.
	Handlers map[string]func(ctx context.Context, ev Event) error
}

// Name implements Subscriber.
func (s *SubscriberFunc) Name() string {
	return s.SubscriberName
}

// Subscriptions implements Subscriber.
func (s *SubscriberFunc) Subscriptions() []string {
	names := make([]string, 0, len(s.Handlers))
	for name := range s.Handlers {
		names = append(names, name)
	}
	return names
}

// Handle implements Subscriber.
func (s *SubscriberFunc) Handle(ctx context.Context, ev Event) error {
	h, ok := s.Handlers[ev.Name]
	if !ok {
		return nil
	}
	return h(ctx, ev)
}
