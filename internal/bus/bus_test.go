package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestEventBus_DispatchByType(t *testing.T) {
	b := NewEventBus(10)

	var mu sync.Mutex
	var typed, all []string
	b.Subscribe(EventClientInvalidated, func(ev *Event) {
		mu.Lock()
		typed = append(typed, ev.InstanceID)
		mu.Unlock()
	})
	b.Subscribe(AllEvents, func(ev *Event) {
		mu.Lock()
		all = append(all, ev.Type)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Dispatch(ctx)
		close(done)
	}()

	b.Publish(&Event{Type: EventClientInvalidated, InstanceID: "a"})
	b.Publish(&Event{Type: EventStatusChanged, InstanceID: "b"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(all)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(typed) != 1 || typed[0] != "a" {
		t.Errorf("typed subscriber got %v", typed)
	}
	if len(all) != 2 {
		t.Errorf("wildcard subscriber got %v", all)
	}
	if b.Running() {
		t.Error("bus still running after cancel")
	}
}

func TestEventBus_PublishNeverBlocks(t *testing.T) {
	b := NewEventBus(2)
	for i := 0; i < 5; i++ {
		b.Publish(&Event{Type: EventStatusChanged})
	}
	if b.Size() != 2 {
		t.Errorf("Size = %d, want 2", b.Size())
	}
	if b.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", b.Dropped())
	}

	var got int
	b.Subscribe(EventStatusChanged, func(ev *Event) {
		if ev.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
		got++
	})
	b.Drain()
	if got != 2 || b.Size() != 0 {
		t.Errorf("Drain delivered %d, size %d", got, b.Size())
	}
}

func TestEventBus_NilPublish(t *testing.T) {
	var b *EventBus
	b.Publish(&Event{Type: EventStatusChanged})
}
