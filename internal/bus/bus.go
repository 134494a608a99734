// Package bus provides the async event bus for instance lifecycle events.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Lifecycle event types.
const (
	EventInstanceRegistered   = "instance.registered"
	EventInstanceDeregistered = "instance.deregistered"
	EventClientConnected      = "client.connected"
	EventClientInvalidated    = "client.invalidated"
	EventStatusChanged        = "status.changed"

	// AllEvents subscribes a callback to every event type.
	AllEvents = "*"
)

// Event is one lifecycle change of a registered instance.
type Event struct {
	Type       string            `json:"type"`
	InstanceID string            `json:"instance_id"`
	TraceID    string            `json:"trace_id,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// EventBus decouples the registry from observers such as the audit timeline.
type EventBus struct {
	events  chan *Event
	subs    map[string][]func(*Event)
	running bool
	dropped int
	mu      sync.RWMutex
}

// NewEventBus creates a new event bus with the given queue size.
func NewEventBus(size int) *EventBus {
	if size <= 0 {
		size = 100
	}
	return &EventBus{
		events: make(chan *Event, size),
		subs:   make(map[string][]func(*Event)),
	}
}

// Publish queues an event. It never blocks: when the queue is full the event
// is dropped and counted, so callers may publish while holding locks.
// A nil bus discards events.
func (b *EventBus) Publish(ev *Event) {
	if b == nil || ev == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.events <- ev:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		slog.Warn("EventBus: queue full, dropping event", "type", ev.Type, "instance", ev.InstanceID)
	}
}

// Subscribe registers a callback for one event type, or AllEvents.
func (b *EventBus) Subscribe(eventType string, callback func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[eventType] = append(b.subs[eventType], callback)
}

// Dispatch delivers queued events to subscribers until ctx is cancelled.
// This should be run as a goroutine.
func (b *EventBus) Dispatch(ctx context.Context) error {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-b.events:
			b.deliver(ev)
		}
	}
}

// Drain delivers every event already queued and returns. Used on shutdown
// after Dispatch has stopped, and by tests.
func (b *EventBus) Drain() {
	for {
		select {
		case ev := <-b.events:
			b.deliver(ev)
		default:
			return
		}
	}
}

func (b *EventBus) deliver(ev *Event) {
	b.mu.RLock()
	callbacks := append(append([]func(*Event){}, b.subs[ev.Type]...), b.subs[AllEvents]...)
	b.mu.RUnlock()

	for _, cb := range callbacks {
		cb(ev)
	}
}

// Running reports whether Dispatch is active.
func (b *EventBus) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Size returns the number of queued events.
func (b *EventBus) Size() int {
	return len(b.events)
}

// Dropped returns how many events were discarded because the queue was full.
func (b *EventBus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
