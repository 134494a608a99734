package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KafClaw/fleetgate/internal/adapter"
)

func dialer(n *atomic.Int32, id string) DialFunc {
	return func(ctx context.Context) (adapter.Client, error) {
		n.Add(1)
		return &stubClient{id: id}, nil
	}
}

func TestPool_GetCachesClient(t *testing.T) {
	p := NewPool(time.Second)
	var n atomic.Int32
	ctx := context.Background()

	c1, err := p.Get(ctx, "a", p.generation("a"), dialer(&n, "a"))
	if err != nil {
		t.Fatal(err)
	}
	c2, err := p.Get(ctx, "a", p.generation("a"), dialer(&n, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 || n.Load() != 1 {
		t.Fatalf("dials = %d, same client = %v", n.Load(), c1 == c2)
	}
	if got, ok := p.Cached("a"); !ok || got != c1 {
		t.Error("Cached did not return the live client")
	}
	if p.Len() != 1 {
		t.Errorf("Len = %d", p.Len())
	}
}

func TestPool_StaleGeneration(t *testing.T) {
	p := NewPool(time.Second)
	var n atomic.Int32
	gen := p.generation("a")
	p.Invalidate("a")

	_, err := p.Get(context.Background(), "a", gen, dialer(&n, "a"))
	if !errors.Is(err, errStaleDial) {
		t.Fatalf("Get with old generation = %v", err)
	}
	if n.Load() != 0 {
		t.Error("stale Get dialed")
	}
}

func TestPool_DialOutlivesCaller(t *testing.T) {
	p := NewPool(time.Second)
	release := make(chan struct{})
	var n atomic.Int32
	dial := func(ctx context.Context) (adapter.Client, error) {
		n.Add(1)
		select {
		case <-release:
			return &stubClient{id: "a"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Get(ctx, "a", 0, dial)
	var cu *ClientUnavailableError
	if !errors.As(err, &cu) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get with expiring ctx = %v", err)
	}

	close(release)
	c, err := p.Get(context.Background(), "a", 0, dial)
	if err != nil || c == nil {
		t.Fatalf("Get after release = %v", err)
	}
	if n.Load() != 1 {
		t.Errorf("dials = %d, want the abandoned dial to be reused", n.Load())
	}
}

func TestPool_DialTimeout(t *testing.T) {
	p := NewPool(20 * time.Millisecond)
	dial := func(ctx context.Context) (adapter.Client, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := p.Get(context.Background(), "a", 0, dial)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get = %v, want deadline exceeded", err)
	}
	if p.Len() != 0 {
		t.Error("timed-out dial was cached")
	}
}

func TestPool_Close(t *testing.T) {
	p := NewPool(time.Second)
	var n atomic.Int32
	c, _ := p.Get(context.Background(), "a", 0, dialer(&n, "a"))

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if !c.(*stubClient).closed.Load() {
		t.Error("Close left a client open")
	}
	if _, err := p.Get(context.Background(), "a", p.generation("a"), dialer(&n, "a")); !errors.Is(err, ErrShutdown) {
		t.Errorf("Get after Close = %v", err)
	}
}

func TestPool_OnConnectHook(t *testing.T) {
	p := NewPool(time.Second)
	var connected []string
	p.onConnect = func(id string) { connected = append(connected, id) }
	var n atomic.Int32
	p.Get(context.Background(), "a", 0, dialer(&n, "a"))
	p.Get(context.Background(), "a", 0, dialer(&n, "a"))
	if len(connected) != 1 || connected[0] != "a" {
		t.Errorf("onConnect calls = %v", connected)
	}
}
