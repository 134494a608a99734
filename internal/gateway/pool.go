package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/KafClaw/fleetgate/internal/adapter"
)

// errStaleDial is returned when a dial completes after its instance was
// invalidated or re-registered. The new client is closed, never cached.
var errStaleDial = errors.New("instance changed while connecting")

// DialFunc builds a client. It is called at most once per id and generation
// at a time.
type DialFunc func(ctx context.Context) (adapter.Client, error)

// Pool holds at most one live client per instance id.
//
// Each id carries a generation counter. Invalidation bumps it, so a dial that
// started before the bump cannot publish its client afterwards.
type Pool struct {
	dialTimeout time.Duration
	onConnect   func(id string)

	mu      sync.Mutex
	clients map[string]adapter.Client
	gens    map[string]uint64
	closed  bool

	group singleflight.Group
	dials atomic.Int64
}

// NewPool creates a pool. dialTimeout bounds every dial regardless of the
// callers' contexts; zero means 30s.
func NewPool(dialTimeout time.Duration) *Pool {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &Pool{
		dialTimeout: dialTimeout,
		clients:     make(map[string]adapter.Client),
		gens:        make(map[string]uint64),
	}
}

// Dials returns how many dials have been started since the pool was created.
func (p *Pool) Dials() int64 { return p.dials.Load() }

// generation returns the current generation for id.
func (p *Pool) generation(id string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gens[id]
}

// Cached returns the live client for id, if any.
func (p *Pool) Cached(id string) (adapter.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[id]
	return c, ok
}

// Len returns the number of live clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Get returns the cached client for id or dials one. gen must be the
// generation observed together with the instance record that dial uses.
// Concurrent callers for the same id and generation share one dial; each waits
// under its own ctx. The dial itself runs detached from any single caller so
// that one caller giving up does not fail the others.
func (p *Pool) Get(ctx context.Context, id string, gen uint64, dial DialFunc) (adapter.Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrShutdown
	}
	if p.gens[id] != gen {
		p.mu.Unlock()
		return nil, &ClientUnavailableError{InstanceID: id, Err: errStaleDial}
	}
	if c, ok := p.clients[id]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	key := fmt.Sprintf("%s@%d", id, gen)
	ch := p.group.DoChan(key, func() (any, error) {
		return p.dial(ctx, id, gen, dial)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(adapter.Client), nil
	case <-ctx.Done():
		return nil, &ClientUnavailableError{InstanceID: id, Err: ctx.Err()}
	}
}

func (p *Pool) dial(ctx context.Context, id string, gen uint64, dial DialFunc) (adapter.Client, error) {
	p.dials.Add(1)
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.dialTimeout)
	defer cancel()

	start := time.Now()
	c, err := dial(dctx)
	if err != nil {
		slog.Warn("ClientPool: dial failed", "instance", id, "error", err, "duration", time.Since(start))
		return nil, &ClientUnavailableError{InstanceID: id, Err: err}
	}

	p.mu.Lock()
	if p.closed || p.gens[id] != gen {
		closed := p.closed
		p.mu.Unlock()
		c.Close()
		if closed {
			return nil, ErrShutdown
		}
		return nil, &ClientUnavailableError{InstanceID: id, Err: errStaleDial}
	}
	if existing, ok := p.clients[id]; ok {
		p.mu.Unlock()
		c.Close()
		return existing, nil
	}
	p.clients[id] = c
	p.mu.Unlock()

	slog.Info("ClientPool: connected", "instance", id, "duration", time.Since(start))
	if p.onConnect != nil {
		p.onConnect(id)
	}
	return c, nil
}

// detach removes the client for id and bumps its generation without closing
// it. Callers close the returned client outside their own locks.
func (p *Pool) detach(id string) adapter.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gens[id]++
	c := p.clients[id]
	delete(p.clients, id)
	return c
}

// Invalidate drops and closes the client for id. The next Get dials again.
// It reports whether a live client was dropped.
func (p *Pool) Invalidate(id string) bool {
	c := p.detach(id)
	if c == nil {
		return false
	}
	if err := c.Close(); err != nil {
		slog.Debug("ClientPool: close error", "instance", id, "error", err)
	}
	return true
}

// Close closes every client and refuses new ones.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	clients := p.clients
	p.clients = make(map[string]adapter.Client)
	for id := range clients {
		p.gens[id]++
	}
	p.mu.Unlock()

	var errs []error
	for id, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
