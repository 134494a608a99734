package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/fleetgate/internal/adapter"
	"github.com/KafClaw/fleetgate/internal/bus"
	"github.com/KafClaw/fleetgate/internal/instance"
)

func newTestRegistry(t *testing.T, a adapter.Adapter, store instance.Store, b *bus.EventBus) *Registry {
	t.Helper()
	reg := New(store, adapter.NewTable(a), Options{InitTimeout: 5 * time.Second, DialTimeout: 5 * time.Second, Bus: b})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	return reg
}

func TestRegistry_UnknownInstance(t *testing.T) {
	reg := newTestRegistry(t, newStubAdapter(), newCountingStore(inst("inst-1")), nil)
	ctx := context.Background()

	if _, err := reg.Adapter("inst-1"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Adapter before init = %v, want ErrNotInitialized", err)
	}
	if err := reg.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	for _, id := range []string{"inst-2", "", "../etc"} {
		if _, err := reg.Adapter(id); !errors.Is(err, ErrInstanceNotFound) {
			t.Errorf("Adapter(%q) = %v, want ErrInstanceNotFound", id, err)
		}
		if _, err := reg.Client(ctx, id); !errors.Is(err, ErrInstanceNotFound) {
			t.Errorf("Client(%q) = %v, want ErrInstanceNotFound", id, err)
		}
		if _, err := reg.Instance(id); !errors.Is(err, ErrInstanceNotFound) {
			t.Errorf("Instance(%q) = %v, want ErrInstanceNotFound", id, err)
		}
	}
}

func TestRegistry_EnsureInitializedIsSingleFlight(t *testing.T) {
	store := newCountingStore(inst("inst-1"), inst("inst-2"))
	store.gate = make(chan struct{})
	reg := newTestRegistry(t, newStubAdapter(), store, nil)

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- reg.EnsureInitialized(context.Background())
		}()
	}
	// Let every caller pile up behind the blocked load.
	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureInitialized: %v", err)
		}
	}
	if got := store.lists.Load(); got != 1 {
		t.Errorf("store.List called %d times, want 1", got)
	}
	if got := reg.Loads(); got != 1 {
		t.Errorf("Loads = %d, want 1", got)
	}

	// Later calls are no-ops.
	reg.EnsureInitialized(context.Background())
	if got := store.lists.Load(); got != 1 {
		t.Errorf("store.List called %d times after re-init, want 1", got)
	}
}

func TestRegistry_WaiterHonoursOwnContext(t *testing.T) {
	store := newCountingStore(inst("inst-1"))
	store.gate = make(chan struct{})
	reg := newTestRegistry(t, newStubAdapter(), store, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := reg.EnsureInitialized(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("EnsureInitialized with short ctx = %v", err)
	}

	// The load keeps running for other callers.
	done := make(chan error, 1)
	go func() { done <- reg.EnsureInitialized(context.Background()) }()
	close(store.gate)
	if err := <-done; err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	if store.lists.Load() != 1 {
		t.Errorf("store.List called %d times, want 1", store.lists.Load())
	}
}

func TestRegistry_InitFailureLeavesUninitialized(t *testing.T) {
	store := newCountingStore(inst("inst-1"))
	store.listErr = errBoom
	reg := newTestRegistry(t, newStubAdapter(), store, nil)
	ctx := context.Background()

	if err := reg.EnsureInitialized(ctx); !errors.Is(err, errBoom) {
		t.Fatalf("EnsureInitialized = %v, want errBoom", err)
	}
	if reg.Initialized() {
		t.Fatal("registry initialized after failed load")
	}
	if _, err := reg.Client(ctx, "inst-1"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Client = %v, want ErrNotInitialized", err)
	}

	store.mu.Lock()
	store.listErr = nil
	store.mu.Unlock()
	if err := reg.EnsureInitialized(ctx); err != nil {
		t.Fatalf("retry EnsureInitialized: %v", err)
	}
	if _, err := reg.Adapter("inst-1"); err != nil {
		t.Fatalf("Adapter after retry: %v", err)
	}
}

func TestRegistry_ClientIsSingleFlight(t *testing.T) {
	a := newStubAdapter()
	a.gate = make(chan struct{})
	reg := newTestRegistry(t, a, newCountingStore(inst("inst-1")), nil)
	ctx := context.Background()
	reg.EnsureInitialized(ctx)

	const n = 32
	clients := make([]adapter.Client, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = reg.Client(ctx, "inst-1")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(a.gate)
	wg.Wait()

	for i := range clients {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if clients[i] != clients[0] {
			t.Fatalf("caller %d got a different client", i)
		}
	}
	if got := a.dials.Load(); got != 1 {
		t.Errorf("Connect called %d times, want 1", got)
	}
	if got := reg.Pool().Dials(); got != 1 {
		t.Errorf("Pool.Dials = %d, want 1", got)
	}

	// Cached afterwards.
	c, _ := reg.Client(ctx, "inst-1")
	if c != clients[0] || a.dials.Load() != 1 {
		t.Error("second Client call did not reuse the cached client")
	}
}

func TestRegistry_ConcurrentDialFailureIsConsistent(t *testing.T) {
	a := newStubAdapter()
	a.gate = make(chan struct{})
	a.dialErr = errBoom
	reg := newTestRegistry(t, a, newCountingStore(inst("inst-1")), nil)
	ctx := context.Background()
	reg.EnsureInitialized(ctx)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = reg.Client(ctx, "inst-1")
		}(i)
	}
	time.Sleep(30 * time.Millisecond)
	close(a.gate)
	wg.Wait()

	for i, err := range errs {
		var cu *ClientUnavailableError
		if !errors.As(err, &cu) || !errors.Is(err, errBoom) {
			t.Errorf("caller %d: %v, want ClientUnavailableError wrapping errBoom", i, err)
		}
	}
	if a.dials.Load() != 1 {
		t.Errorf("Connect called %d times, want 1", a.dials.Load())
	}
}

func TestRegistry_FailedDialIsNotCached(t *testing.T) {
	a := newStubAdapter()
	a.dialErr = errBoom
	reg := newTestRegistry(t, a, newCountingStore(inst("inst-1")), nil)
	ctx := context.Background()
	reg.EnsureInitialized(ctx)

	_, err := reg.Client(ctx, "inst-1")
	if Classify(err) != ClassUnavailable {
		t.Fatalf("Client = %v, want unavailable", err)
	}
	if reg.Pool().Len() != 0 {
		t.Fatal("failed dial left a cached client")
	}

	a.setDialErr(nil)
	c, err := reg.Client(ctx, "inst-1")
	if err != nil || c == nil {
		t.Fatalf("Client after recovery = %v", err)
	}
	if a.dials.Load() != 2 {
		t.Errorf("Connect called %d times, want 2", a.dials.Load())
	}
}

func TestRegistry_InvalidateReconstructs(t *testing.T) {
	a := newStubAdapter()
	reg := newTestRegistry(t, a, newCountingStore(inst("inst-1")), nil)
	ctx := context.Background()
	reg.EnsureInitialized(ctx)

	c1, err := reg.Client(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	before := reg.Pool().Dials()
	reg.Invalidate("inst-1")
	if !c1.(*stubClient).closed.Load() {
		t.Error("invalidated client was not closed")
	}

	c2, err := reg.Client(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if c2 == c1 {
		t.Fatal("Client returned the invalidated client")
	}
	if got := reg.Pool().Dials(); got != before+1 {
		t.Errorf("Dials = %d, want %d", got, before+1)
	}

	// Invalidating an id without a client is harmless.
	reg.Invalidate("nope")
}

func TestRegistry_DialFinishingAfterInvalidateIsDiscarded(t *testing.T) {
	a := newStubAdapter()
	a.gate = make(chan struct{})
	reg := newTestRegistry(t, a, newCountingStore(inst("inst-1")), nil)
	ctx := context.Background()
	reg.EnsureInitialized(ctx)

	type result struct {
		c   adapter.Client
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := reg.Client(ctx, "inst-1")
		done <- result{c, err}
	}()
	time.Sleep(30 * time.Millisecond)
	reg.Invalidate("inst-1") // nothing cached yet, but the in-flight dial is now stale
	close(a.gate)

	r := <-done
	if r.err != nil {
		t.Fatalf("Client = %v", r.err)
	}
	clients := a.allClients()
	if len(clients) != 2 {
		t.Fatalf("dials = %d, want 2 (stale + retry)", len(clients))
	}
	if !clients[0].closed.Load() {
		t.Error("stale client was not closed")
	}
	if r.c != clients[1] {
		t.Error("caller did not get the fresh client")
	}
}

func TestRegistry_DeregisterClosesClient(t *testing.T) {
	b := bus.NewEventBus(16)
	a := newStubAdapter()
	reg := newTestRegistry(t, a, newCountingStore(inst("inst-1"), inst("inst-2")), b)
	ctx := context.Background()

	c, err := reg.Client(ctx, "inst-1")
	if err == nil {
		t.Fatal("Client before init should fail")
	}
	reg.EnsureInitialized(ctx)
	c, err = reg.Client(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Deregister(ctx, "inst-1"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if !c.(*stubClient).closed.Load() {
		t.Error("deregistered client was not closed")
	}
	if _, err := reg.Adapter("inst-1"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("Adapter after deregister = %v", err)
	}
	if _, err := reg.Client(ctx, "inst-1"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("Client after deregister = %v", err)
	}
	if err := reg.Deregister(ctx, "inst-1"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("second Deregister = %v", err)
	}

	var types []string
	b.Subscribe(bus.AllEvents, func(ev *bus.Event) { types = append(types, ev.Type+":"+ev.InstanceID) })
	b.Drain()
	want := []string{bus.EventClientConnected + ":inst-1", bus.EventInstanceDeregistered + ":inst-1"}
	if len(types) != len(want) || types[0] != want[0] || types[1] != want[1] {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestRegistry_RegisterEvictsOnConnectionChange(t *testing.T) {
	a := newStubAdapter()
	reg := newTestRegistry(t, a, newCountingStore(inst("inst-1")), nil)
	ctx := context.Background()

	stored, err := reg.Register(ctx, inst("inst-9"))
	if err != nil {
		t.Fatalf("Register new: %v", err)
	}
	if stored.CreatedAt.IsZero() {
		t.Error("store did not stamp CreatedAt")
	}

	c1, _ := reg.Client(ctx, "inst-1")

	// Renaming keeps the client.
	renamed := inst("inst-1")
	renamed.Name = "primary"
	if _, err := reg.Register(ctx, renamed); err != nil {
		t.Fatal(err)
	}
	if c1.(*stubClient).closed.Load() {
		t.Fatal("rename evicted the client")
	}

	moved := inst("inst-1")
	moved.Endpoint = "http://elsewhere.local"
	if _, err := reg.Register(ctx, moved); err != nil {
		t.Fatal(err)
	}
	if !c1.(*stubClient).closed.Load() {
		t.Fatal("endpoint change did not evict the client")
	}
	c2, err := reg.Client(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if c2.(*stubClient).endpoint != "http://elsewhere.local" {
		t.Errorf("new client dialed %s", c2.(*stubClient).endpoint)
	}
}

func TestRegistry_RegisterRejectsBadInput(t *testing.T) {
	reg := newTestRegistry(t, newStubAdapter(), newCountingStore(), nil)
	ctx := context.Background()

	if _, err := reg.Register(ctx, instance.Instance{ID: "x"}); Classify(err) != ClassInvalid {
		t.Errorf("missing fields = %v, want invalid", err)
	}
	bad := inst("x")
	bad.Runtime = "carrier-pigeon"
	var ue *adapter.UnsupportedRuntimeError
	if _, err := reg.Register(ctx, bad); !errors.As(err, &ue) {
		t.Errorf("unknown runtime = %v, want UnsupportedRuntimeError", err)
	}
}

func TestRegistry_UnsupportedRuntimeInStore(t *testing.T) {
	odd := inst("odd")
	odd.Runtime = "smtp"
	reg := newTestRegistry(t, newStubAdapter(), newCountingStore(odd), nil)
	ctx := context.Background()
	if err := reg.EnsureInitialized(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Adapter("odd"); Classify(err) != ClassUnsupported {
		t.Errorf("Adapter = %v, want unsupported", err)
	}
	if _, err := reg.Client(ctx, "odd"); Classify(err) != ClassUnavailable {
		t.Errorf("Client = %v, want unavailable", err)
	}
}

func TestRegistry_ReloadDiffsEntries(t *testing.T) {
	store := newCountingStore(inst("a"), inst("b"), inst("c"))
	st := newStubAdapter()
	reg := newTestRegistry(t, st, store, nil)
	ctx := context.Background()
	reg.EnsureInitialized(ctx)

	ca, _ := reg.Client(ctx, "a")
	cb, _ := reg.Client(ctx, "b")
	cc, _ := reg.Client(ctx, "c")
	reg.SetStatus(ctx, "c", instance.StatusOnline)

	// Change the store behind the registry's back.
	moved := inst("a")
	moved.Endpoint = "http://a2.local"
	store.Put(ctx, moved)
	store.Delete(ctx, "b")

	// Not reloaded until marked stale.
	reg.EnsureInitialized(ctx)
	if _, err := reg.Adapter("b"); err != nil {
		t.Fatalf("b vanished before Reload: %v", err)
	}

	reg.Reload()
	if err := reg.EnsureInitialized(ctx); err != nil {
		t.Fatal(err)
	}
	if reg.Loads() != 2 {
		t.Errorf("Loads = %d, want 2", reg.Loads())
	}
	if !ca.(*stubClient).closed.Load() {
		t.Error("changed instance kept its client")
	}
	if !cb.(*stubClient).closed.Load() {
		t.Error("removed instance kept its client")
	}
	if cc.(*stubClient).closed.Load() {
		t.Error("unchanged instance lost its client")
	}
	if _, err := reg.Adapter("b"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("Adapter(b) = %v", err)
	}
	got, _ := reg.Instance("c")
	if got.Status != instance.StatusOnline {
		t.Errorf("status of c lost across reload: %s", got.Status)
	}
}

func TestRegistry_LoadKeepsConcurrentMutations(t *testing.T) {
	store := newCountingStore(inst("a"), inst("b"))
	reg := newTestRegistry(t, newStubAdapter(), store, nil)
	ctx := context.Background()
	if err := reg.EnsureInitialized(ctx); err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	store.mu.Lock()
	store.gate = gate
	store.mu.Unlock()

	// The load reads the store before the mutations below and swaps after them.
	loaded := make(chan error, 1)
	go func() { loaded <- reg.load(ctx) }()
	waitFor(t, func() bool { return store.lists.Load() == 2 })

	if err := reg.Deregister(ctx, "a"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, err := reg.Register(ctx, inst("c")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	close(gate)
	if err := <-loaded; err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := reg.Instance("a"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("deregistered instance came back: %v", err)
	}
	if _, err := reg.Instance("c"); err != nil {
		t.Errorf("registered instance lost: %v", err)
	}
	if _, err := reg.Instance("b"); err != nil {
		t.Errorf("untouched instance lost: %v", err)
	}

	// Mutations only shield the load that overlapped them.
	store.mu.Lock()
	store.gate = nil
	store.mu.Unlock()
	store.MemoryStore.Delete(ctx, "c")
	reg.Reload()
	if err := reg.EnsureInitialized(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Instance("c"); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("later reload kept c: %v", err)
	}
}

func TestRegistry_SetStatusPublishesChanges(t *testing.T) {
	b := bus.NewEventBus(16)
	reg := newTestRegistry(t, newStubAdapter(), newCountingStore(inst("a")), b)
	ctx := context.Background()
	reg.EnsureInitialized(ctx)

	reg.SetStatus(ctx, "a", instance.StatusOnline)
	reg.SetStatus(ctx, "a", instance.StatusOnline)
	reg.SetStatus(ctx, "a", instance.StatusOffline)
	if err := reg.SetStatus(ctx, "zzz", instance.StatusOnline); !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("SetStatus unknown = %v", err)
	}

	var changes []string
	b.Subscribe(bus.EventStatusChanged, func(ev *bus.Event) { changes = append(changes, ev.Detail["to"]) })
	b.Drain()
	if len(changes) != 2 || changes[0] != "online" || changes[1] != "offline" {
		t.Errorf("status events = %v", changes)
	}
}

func TestRegistry_Shutdown(t *testing.T) {
	a := newStubAdapter()
	reg := New(newCountingStore(inst("a"), inst("b")), adapter.NewTable(a), Options{})
	ctx := context.Background()
	reg.EnsureInitialized(ctx)
	ca, _ := reg.Client(ctx, "a")
	cb, _ := reg.Client(ctx, "b")

	if err := reg.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if !ca.(*stubClient).closed.Load() || !cb.(*stubClient).closed.Load() {
		t.Error("Shutdown did not close every client")
	}
	if _, err := reg.Client(ctx, "a"); !errors.Is(err, ErrShutdown) {
		t.Errorf("Client after shutdown = %v", err)
	}
	if err := reg.EnsureInitialized(ctx); !errors.Is(err, ErrShutdown) {
		t.Errorf("EnsureInitialized after shutdown = %v", err)
	}
	if err := reg.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
}
