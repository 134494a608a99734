// Package gateway routes session operations to remote agent instances.
//
// A Registry is built once per process by the serve command and passed by
// reference to the Router, the health monitor and the HTTP API. It loads the
// instance store lazily on first use, resolves one adapter per instance and
// hands out pooled clients.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/KafClaw/fleetgate/internal/adapter"
	"github.com/KafClaw/fleetgate/internal/bus"
	"github.com/KafClaw/fleetgate/internal/instance"
)

// Options configure a Registry.
type Options struct {
	// InitTimeout bounds one load of the instance store.
	InitTimeout time.Duration
	// DialTimeout bounds one client construction.
	DialTimeout time.Duration
	// Bus receives lifecycle events. Nil disables events.
	Bus *bus.EventBus
}

// statusSetter is implemented by stores that persist health status.
type statusSetter interface {
	SetStatus(ctx context.Context, id string, status instance.Status) error
}

type entry struct {
	inst       instance.Instance
	adapter    adapter.Adapter
	adapterErr error
}

// Registry maps instance ids to their adapter, pooled client and status.
type Registry struct {
	store       instance.Store
	table       *adapter.Table
	pool        *Pool
	bus         *bus.EventBus
	initTimeout time.Duration

	mu          sync.RWMutex
	entries     map[string]*entry
	initialized bool
	stale       bool
	shutdown    bool
	// seq counts Register and Deregister calls. touched maps each id they
	// changed to the seq of that change, until the next successful load.
	seq     uint64
	touched map[string]uint64

	initGroup singleflight.Group
	loads     atomic.Int64
}

// New creates an uninitialized registry over store. Nothing is loaded until
// the first EnsureInitialized.
func New(store instance.Store, table *adapter.Table, opts Options) *Registry {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 30 * time.Second
	}
	r := &Registry{
		store:       store,
		table:       table,
		pool:        NewPool(opts.DialTimeout),
		bus:         opts.Bus,
		initTimeout: opts.InitTimeout,
		entries:     make(map[string]*entry),
		touched:     make(map[string]uint64),
	}
	r.pool.onConnect = func(id string) {
		r.publish(bus.EventClientConnected, id, nil)
	}
	return r
}

// Pool exposes the client pool for status reporting.
func (r *Registry) Pool() *Pool { return r.pool }

// Loads returns how many times the instance store has been loaded.
func (r *Registry) Loads() int64 { return r.loads.Load() }

// Initialized reports whether a load has succeeded.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// EnsureInitialized loads the instance store on first use, or after Reload.
// Concurrent callers share one load; each waits under its own ctx. The load is
// bounded by the init timeout rather than by any single caller.
func (r *Registry) EnsureInitialized(ctx context.Context) error {
	r.mu.RLock()
	shutdown, ready := r.shutdown, r.initialized && !r.stale
	r.mu.RUnlock()
	if shutdown {
		return ErrShutdown
	}
	if ready {
		return nil
	}

	ch := r.initGroup.DoChan("load", func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.initTimeout)
		defer cancel()
		return nil, r.load(lctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// load reads every instance from the store and swaps the entry table. Clients
// of removed instances are closed; clients whose connection settings changed
// are evicted. On failure the previous table is kept. Ids registered or
// deregistered while the store was being read keep their in-memory entry.
func (r *Registry) load(ctx context.Context) error {
	r.loads.Add(1)
	start := time.Now()

	r.mu.RLock()
	since := r.seq
	r.mu.RUnlock()

	list, err := r.store.List(ctx)
	if err != nil {
		slog.Error("Registry: load failed", "error", err)
		return fmt.Errorf("load instances: %w", err)
	}

	next := make(map[string]*entry, len(list))
	for _, inst := range list {
		e := &entry{inst: inst.Clone()}
		e.adapter, e.adapterErr = r.table.Lookup(inst.Runtime)
		if e.adapterErr != nil {
			slog.Warn("Registry: no adapter for instance", "instance", inst.ID, "runtime", inst.Runtime)
		}
		next[inst.ID] = e
	}

	var detached []adapter.Client
	var removed []string
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return ErrShutdown
	}
	for id, at := range r.touched {
		if at <= since {
			continue
		}
		if cur, ok := r.entries[id]; ok {
			next[id] = cur
		} else {
			delete(next, id)
		}
	}
	clear(r.touched)
	for id, old := range r.entries {
		ne, ok := next[id]
		switch {
		case !ok:
			removed = append(removed, id)
			if c := r.pool.detach(id); c != nil {
				detached = append(detached, c)
			}
		case !old.inst.SameConnection(ne.inst):
			if c := r.pool.detach(id); c != nil {
				detached = append(detached, c)
			}
		default:
			// Keep observed health across reloads.
			ne.inst.Status = old.inst.Status
		}
	}
	r.entries = next
	r.initialized = true
	r.stale = false
	r.mu.Unlock()

	closeClients(detached)
	for _, id := range removed {
		r.publish(bus.EventInstanceDeregistered, id, map[string]string{"reason": "reload"})
	}
	slog.Info("Registry: loaded instances", "count", len(next), "removed", len(removed), "duration", time.Since(start))
	return nil
}

// touch records a mutation of id. Callers hold r.mu.
func (r *Registry) touch(id string) {
	r.seq++
	r.touched[id] = r.seq
}

// Reload marks the registry stale. The next EnsureInitialized reloads the store.
func (r *Registry) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale = true
}

func (r *Registry) lookup(id string) (*entry, error) {
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return e, nil
}

// Adapter returns the adapter resolved for an instance.
func (r *Registry) Adapter(id string) (adapter.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if e.adapterErr != nil {
		return nil, e.adapterErr
	}
	return e.adapter, nil
}

// Instance returns a copy of one instance record.
func (r *Registry) Instance(id string) (instance.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.lookup(id)
	if err != nil {
		return instance.Instance{}, err
	}
	return e.inst.Clone(), nil
}

// Instances returns copies of every instance record ordered by id.
func (r *Registry) Instances() []instance.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]instance.Instance, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Client returns the pooled client for an instance, dialing it if needed.
// Construction failures return *ClientUnavailableError and cache nothing.
func (r *Registry) Client(ctx context.Context, id string) (adapter.Client, error) {
	for attempt := 0; ; attempt++ {
		r.mu.RLock()
		if r.shutdown {
			r.mu.RUnlock()
			return nil, ErrShutdown
		}
		e, err := r.lookup(id)
		if err != nil {
			r.mu.RUnlock()
			return nil, err
		}
		if e.adapterErr != nil {
			r.mu.RUnlock()
			return nil, &ClientUnavailableError{InstanceID: id, Err: e.adapterErr}
		}
		inst, a := e.inst.Clone(), e.adapter
		gen := r.pool.generation(id)
		r.mu.RUnlock()

		c, err := r.pool.Get(ctx, id, gen, func(dctx context.Context) (adapter.Client, error) {
			return a.Connect(dctx, inst)
		})
		// The record changed under us; retry against the new one.
		if errors.Is(err, errStaleDial) && attempt < 2 && ctx.Err() == nil {
			continue
		}
		return c, err
	}
}

// Invalidate drops and closes the cached client for id.
func (r *Registry) Invalidate(id string) {
	if r.pool.Invalidate(id) {
		slog.Info("Registry: client invalidated", "instance", id)
		r.publish(bus.EventClientInvalidated, id, nil)
	}
}

// Register adds or replaces an instance. The store is written first; the
// in-memory entry is swapped afterwards. A changed runtime, endpoint,
// credential or option set evicts the cached client.
func (r *Registry) Register(ctx context.Context, inst instance.Instance) (instance.Instance, error) {
	if err := inst.Validate(); err != nil {
		return instance.Instance{}, &InvalidError{Msg: err.Error()}
	}
	a, err := r.table.Lookup(inst.Runtime)
	if err != nil {
		return instance.Instance{}, err
	}
	if err := r.EnsureInitialized(ctx); err != nil {
		return instance.Instance{}, err
	}

	if err := r.store.Put(ctx, inst); err != nil {
		return instance.Instance{}, fmt.Errorf("store instance %s: %w", inst.ID, err)
	}
	stored, err := r.store.Get(ctx, inst.ID)
	if err != nil {
		return instance.Instance{}, fmt.Errorf("reload instance %s: %w", inst.ID, err)
	}

	var detached adapter.Client
	r.mu.Lock()
	old, existed := r.entries[inst.ID]
	if existed && stored.Status == instance.StatusUnknown {
		stored.Status = old.inst.Status
	}
	if existed && !old.inst.SameConnection(stored) {
		detached = r.pool.detach(inst.ID)
		stored.Status = instance.StatusUnknown
	}
	r.entries[inst.ID] = &entry{inst: stored.Clone(), adapter: a}
	r.touch(inst.ID)
	r.mu.Unlock()

	closeClients([]adapter.Client{detached})
	slog.Info("Registry: instance registered", "instance", inst.ID, "runtime", stored.Runtime, "replaced", existed)
	r.publish(bus.EventInstanceRegistered, inst.ID, map[string]string{"runtime": string(stored.Runtime)})
	return stored, nil
}

// Deregister removes an instance from the store and the registry and closes
// its cached client.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	if err := r.EnsureInitialized(ctx); err != nil {
		return err
	}

	r.mu.RLock()
	_, known := r.entries[id]
	r.mu.RUnlock()

	if err := r.store.Delete(ctx, id); err != nil {
		if !errors.Is(err, instance.ErrNotFound) {
			return fmt.Errorf("delete instance %s: %w", id, err)
		}
		if !known {
			return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
	}

	r.mu.Lock()
	delete(r.entries, id)
	r.touch(id)
	detached := r.pool.detach(id)
	r.mu.Unlock()

	closeClients([]adapter.Client{detached})
	slog.Info("Registry: instance deregistered", "instance", id)
	r.publish(bus.EventInstanceDeregistered, id, nil)
	return nil
}

// SetStatus records the health of an instance and persists it when the store
// supports that. A change publishes a status event.
func (r *Registry) SetStatus(ctx context.Context, id string, status instance.Status) error {
	r.mu.Lock()
	e, err := r.lookup(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	prev := e.inst.Status
	e.inst.Status = status
	r.mu.Unlock()

	if prev == status {
		return nil
	}
	if ss, ok := r.store.(statusSetter); ok {
		if err := ss.SetStatus(ctx, id, status); err != nil && !errors.Is(err, instance.ErrNotFound) {
			slog.Warn("Registry: persist status failed", "instance", id, "error", err)
		}
	}
	slog.Info("Registry: status changed", "instance", id, "from", prev, "to", status)
	r.publish(bus.EventStatusChanged, id, map[string]string{"from": string(prev), "to": string(status)})
	return nil
}

// Shutdown closes every client and refuses further use.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- r.pool.Close() }()
	select {
	case err := <-done:
		slog.Info("Registry: shut down")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) publish(eventType, id string, detail map[string]string) {
	r.bus.Publish(&bus.Event{Type: eventType, InstanceID: id, Detail: detail})
}

func closeClients(clients []adapter.Client) {
	for _, c := range clients {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			slog.Debug("Registry: close error", "instance", c.InstanceID(), "error", err)
		}
	}
}
