package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/KafClaw/fleetgate/internal/adapter"
	"github.com/KafClaw/fleetgate/internal/instance"
)

// ProbeResult is the outcome of probing one instance.
type ProbeResult struct {
	InstanceID string          `json:"instance_id"`
	Status     instance.Status `json:"status"`
	Latency    time.Duration   `json:"latency"`
	Error      string          `json:"error,omitempty"`
	ErrorClass ErrorClass      `json:"error_class,omitempty"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// HealthMonitor probes registered instances and records their status.
type HealthMonitor struct {
	reg     *Registry
	timeout time.Duration
	sem     *semaphore.Weighted

	mu   sync.RWMutex
	last map[string]ProbeResult
}

// NewHealthMonitor creates a monitor. timeout bounds one probe; maxConcurrent
// bounds how many probes run at once, scheduled and on-demand together.
func NewHealthMonitor(reg *Registry, timeout time.Duration, maxConcurrent int) *HealthMonitor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &HealthMonitor{
		reg:     reg,
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		last:    make(map[string]ProbeResult),
	}
}

// Probe checks one instance. A client that can be built and, where the adapter
// supports it, answers a ping counts as online. Any other outcome marks the
// instance offline; the cached client is dropped only when the connection
// itself failed or stopped answering. A cancelled check or an unknown
// instance leaves everything untouched.
func (h *HealthMonitor) Probe(ctx context.Context, id string) ProbeResult {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return ProbeResult{InstanceID: id, Status: instance.StatusUnknown, Error: err.Error(), ErrorClass: Classify(err), CheckedAt: time.Now()}
	}
	defer h.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	res := ProbeResult{InstanceID: id, CheckedAt: start}
	err := h.probe(ctx, id)
	res.Latency = time.Since(start)

	switch class := Classify(err); {
	case err == nil:
		res.Status = instance.StatusOnline
	case class == ClassNotFound || class == ClassNotInitialized || class == ClassCanceled:
		return ProbeResult{InstanceID: id, Status: instance.StatusUnknown, Error: err.Error(), ErrorClass: class, CheckedAt: start}
	default:
		res.Status = instance.StatusOffline
		res.Error = err.Error()
		res.ErrorClass = class
		if brokenClient(err) {
			h.reg.Invalidate(id)
		}
	}

	if serr := h.reg.SetStatus(context.WithoutCancel(ctx), id, res.Status); serr != nil {
		slog.Debug("HealthMonitor: set status failed", "instance", id, "error", serr)
	}
	h.mu.Lock()
	h.last[id] = res
	h.mu.Unlock()
	return res
}

// brokenClient reports whether a failed check means the cached client is unusable.
func brokenClient(err error) bool {
	var cu *ClientUnavailableError
	return adapter.IsTransport(err) || errors.As(err, &cu) || errors.Is(err, context.DeadlineExceeded)
}

func (h *HealthMonitor) probe(ctx context.Context, id string) error {
	a, err := h.reg.Adapter(id)
	if err != nil {
		return err
	}
	c, err := h.reg.Client(ctx, id)
	if err != nil {
		return err
	}
	if p, ok := a.(adapter.Pinger); ok {
		return p.Ping(ctx, c)
	}
	return nil
}

// ProbeAll probes every registered instance.
func (h *HealthMonitor) ProbeAll(ctx context.Context) ([]ProbeResult, error) {
	if err := h.reg.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	insts := h.reg.Instances()
	results := make([]ProbeResult, len(insts))

	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range insts {
		g.Go(func() error {
			results[i] = h.Probe(gctx, inst.ID)
			return nil
		})
	}
	g.Wait()

	online := 0
	for _, r := range results {
		if r.Status == instance.StatusOnline {
			online++
		}
	}
	h.forget(insts)
	slog.Debug("HealthMonitor: probe round done", "instances", len(insts), "online", online)
	return results, nil
}

// Run is the scheduler entry point for periodic probes.
func (h *HealthMonitor) Run(ctx context.Context) error {
	_, err := h.ProbeAll(ctx)
	return err
}

// Last returns the most recent probe result for an instance.
func (h *HealthMonitor) Last(id string) (ProbeResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.last[id]
	return r, ok
}

// forget drops results for instances no longer registered.
func (h *HealthMonitor) forget(current []instance.Instance) {
	keep := make(map[string]bool, len(current))
	for _, inst := range current {
		keep[inst.ID] = true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.last {
		if !keep[id] {
			delete(h.last, id)
		}
	}
}
