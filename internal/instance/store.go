package instance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by stores when no record exists for an id.
var ErrNotFound = errors.New("instance not found")

// Store is the authoritative list of registered instances.
type Store interface {
	List(ctx context.Context) ([]Instance, error)
	Get(ctx context.Context, id string) (Instance, error)
	Put(ctx context.Context, inst Instance) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store used for static fleets and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Instance
}

// NewMemoryStore creates a store seeded with the given instances.
func NewMemoryStore(seed ...Instance) *MemoryStore {
	s := &MemoryStore{items: make(map[string]Instance, len(seed))}
	for _, inst := range seed {
		s.items[inst.ID] = inst.Clone()
	}
	return s
}

// List returns all instances ordered by id.
func (s *MemoryStore) List(ctx context.Context) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Instance, 0, len(s.items))
	for _, inst := range s.items {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns one instance or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, id string) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return Instance{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.items[id]
	if !ok {
		return Instance{}, ErrNotFound
	}
	return inst.Clone(), nil
}

// Put inserts or replaces an instance.
func (s *MemoryStore) Put(ctx context.Context, inst Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := inst.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.items[inst.ID]; ok {
		inst.CreatedAt = prev.CreatedAt
	} else if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	s.items[inst.ID] = inst.Clone()
	return nil
}

// Delete removes an instance. Missing ids return ErrNotFound.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}
