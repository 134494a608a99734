package adapter

import (
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/fleetgate/internal/instance"
)

// Table maps runtimes to their adapters. It is filled at startup and read
// concurrently afterwards.
type Table struct {
	mu       sync.RWMutex
	adapters map[instance.Runtime]Adapter
}

// NewTable creates a table holding the given adapters.
func NewTable(adapters ...Adapter) *Table {
	t := &Table{adapters: make(map[instance.Runtime]Adapter, len(adapters))}
	for _, a := range adapters {
		t.Add(a)
	}
	return t
}

// Options tune the built-in adapters.
type Options struct {
	// HTTPTimeout bounds a single HTTP round trip.
	HTTPTimeout time.Duration
	// DialTimeout bounds websocket handshakes and Kafka broker dials.
	DialTimeout time.Duration
	// GatewayID names this gateway in reply topics and consumer groups.
	GatewayID string
	// KafkaBrokers is used for Kafka instances whose endpoint is empty.
	KafkaBrokers []string
	// KafkaReplyTopicPrefix prefixes generated reply topics.
	KafkaReplyTopicPrefix string
}

func (o Options) httpTimeout() time.Duration {
	if o.HTTPTimeout <= 0 {
		return 60 * time.Second
	}
	return o.HTTPTimeout
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return o.DialTimeout
}

func (o Options) gatewayID() string {
	if o.GatewayID == "" {
		return "fleetgate"
	}
	return o.GatewayID
}

// DefaultTable returns a table with every built-in runtime family.
func DefaultTable(opts Options) *Table {
	return NewTable(
		NewHTTPAdapter(opts),
		NewWSAdapter(opts),
		NewKafkaAdapter(opts),
	)
}

// Add registers (or replaces) the adapter for its runtime.
func (t *Table) Add(a Adapter) {
	if a == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.adapters[instance.NormalizeRuntime(string(a.Runtime()))] = a
}

// Lookup resolves aliases and returns the adapter for a runtime.
func (t *Table) Lookup(rt instance.Runtime) (Adapter, error) {
	norm := instance.NormalizeRuntime(string(rt))
	t.mu.RLock()
	a, ok := t.adapters[norm]
	t.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedRuntimeError{Runtime: norm}
	}
	return a, nil
}

// Runtimes lists the registered runtimes in sorted order.
func (t *Table) Runtimes() []instance.Runtime {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]instance.Runtime, 0, len(t.adapters))
	for rt := range t.adapters {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
