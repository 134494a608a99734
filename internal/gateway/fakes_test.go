package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KafClaw/fleetgate/internal/adapter"
	"github.com/KafClaw/fleetgate/internal/instance"
)

const runtimeStub instance.Runtime = "http"

type stubClient struct {
	id       string
	endpoint string
	serial   int32
	closed   atomic.Bool
}

func (c *stubClient) InstanceID() string { return c.id }

func (c *stubClient) Close() error {
	c.closed.Store(true)
	return nil
}

// stubAdapter records every call and lets tests script failures.
type stubAdapter struct {
	rt instance.Runtime

	dials   atomic.Int32
	creates atomic.Int32
	sends   atomic.Int32
	deletes atomic.Int32
	lists   atomic.Int32

	mu        sync.Mutex
	gate      chan struct{} // when set, Connect waits on it
	dialErr   error
	sendErrs  []error // consumed one per SendMessage
	sendGate  chan struct{} // when set, SendMessage waits on it or ctx
	deleteErr error
	clients   []*stubClient
}

func newStubAdapter() *stubAdapter { return &stubAdapter{rt: runtimeStub} }

func (a *stubAdapter) Runtime() instance.Runtime { return a.rt }

func (a *stubAdapter) setDialErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dialErr = err
}

func (a *stubAdapter) Connect(ctx context.Context, inst instance.Instance) (adapter.Client, error) {
	n := a.dials.Add(1)
	a.mu.Lock()
	gate, err := a.gate, a.dialErr
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &adapter.TransportError{Runtime: a.rt, Op: "connect", Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	c := &stubClient{id: inst.ID, endpoint: inst.Endpoint, serial: n}
	a.mu.Lock()
	a.clients = append(a.clients, c)
	a.mu.Unlock()
	return c, nil
}

func (a *stubAdapter) allClients() []*stubClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*stubClient(nil), a.clients...)
}

func (a *stubAdapter) CreateSession(ctx context.Context, c adapter.Client, p adapter.SessionParams) (string, error) {
	a.creates.Add(1)
	return "remote-42", nil
}

func (a *stubAdapter) SendMessage(ctx context.Context, c adapter.Client, remoteID string, msg adapter.Message) (*adapter.Reply, error) {
	a.sends.Add(1)
	a.mu.Lock()
	gate := a.sendGate
	var err error
	if len(a.sendErrs) > 0 {
		err, a.sendErrs = a.sendErrs[0], a.sendErrs[1:]
	}
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			// A caller giving up is not a connection failure.
			return nil, fmt.Errorf("%s send_message: %w", a.rt, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return &adapter.Reply{Content: "re: " + msg.Content}, nil
}

func (a *stubAdapter) DeleteSession(ctx context.Context, c adapter.Client, remoteID string) error {
	a.deletes.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deleteErr
}

func (a *stubAdapter) ListFiles(ctx context.Context, c adapter.Client, remoteID, zone string) ([]adapter.FileEntry, error) {
	a.lists.Add(1)
	return []adapter.FileEntry{{Path: zone + "/x"}}, nil
}

// pingAdapter adds a scripted Ping to stubAdapter.
type pingAdapter struct {
	*stubAdapter
	pingErr atomic.Value // error wrapper
	pings   atomic.Int32
}

type errBox struct{ err error }

func (a *pingAdapter) setPingErr(err error) { a.pingErr.Store(errBox{err}) }

func (a *pingAdapter) Ping(ctx context.Context, c adapter.Client) error {
	a.pings.Add(1)
	if v, ok := a.pingErr.Load().(errBox); ok {
		return v.err
	}
	return nil
}

// countingStore wraps a MemoryStore, counts List calls and can block or fail them.
type countingStore struct {
	*instance.MemoryStore
	lists   atomic.Int32
	mu      sync.Mutex
	gate    chan struct{}
	listErr error
}

func newCountingStore(insts ...instance.Instance) *countingStore {
	return &countingStore{MemoryStore: instance.NewMemoryStore(insts...)}
}

func (s *countingStore) List(ctx context.Context) ([]instance.Instance, error) {
	s.lists.Add(1)
	s.mu.Lock()
	gate, err := s.gate, s.listErr
	s.mu.Unlock()
	// The result reflects the store as it was when List was called.
	list, lerr := s.MemoryStore.List(ctx)
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return list, lerr
}

func inst(id string) instance.Instance {
	return instance.Instance{ID: id, Name: id, Runtime: runtimeStub, Endpoint: "http://" + id + ".local", Status: instance.StatusUnknown}
}

// memAuditor collects audited operations.
type memAuditor struct {
	mu  sync.Mutex
	ops []Operation
}

func (m *memAuditor) RecordOperation(ctx context.Context, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	return nil
}

func (m *memAuditor) last() Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ops) == 0 {
		return Operation{}
	}
	return m.ops[len(m.ops)-1]
}

var errBoom = errors.New("boom")

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
