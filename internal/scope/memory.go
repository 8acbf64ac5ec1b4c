package scope

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is the in-process Store. The zero value is not usable; call
// NewMemoryStore.
type MemoryStore struct {
	mu       sync.RWMutex
	parents  map[ID]ID
	bindings map[ID]map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		parents:  make(map[ID]ID),
		bindings: make(map[ID]map[string]string),
	}
}

// Root implements Store.
func (m *MemoryStore) Root(ctx context.Context) (ID, error) {
	id := NewID()
	m.mu.Lock()
	m.parents[id] = ""
	m.bindings[id] = make(map[string]string)
	m.mu.Unlock()
	return id, nil
}

// Branch implements Store.
func (m *MemoryStore) Branch(ctx context.Context, parent ID) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.parents[parent]; !ok {
		return "", fmt.Errorf("branch %s: %w", parent, ErrUnknownScope)
	}
	id := NewID()
	m.parents[id] = parent
	m.bindings[id] = make(map[string]string)
	return id, nil
}

// Parent implements Store.
func (m *MemoryStore) Parent(ctx context.Context, id ID) (ID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parents[id]
	if !ok {
		return "", false, fmt.Errorf("parent %s: %w", id, ErrUnknownScope)
	}
	return p, p != "", nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, id ID, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.parents[id]; !ok {
		return "", false, fmt.Errorf("get %s: %w", id, ErrUnknownScope)
	}
	for cur := id; cur != ""; cur = m.parents[cur] {
		if v, ok := m.bindings[cur][name]; ok {
			return v, true, nil
		}
	}
	return "", false, nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, id ID, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[id]
	if !ok {
		return fmt.Errorf("put %s: %w", id, ErrUnknownScope)
	}
	b[name] = value
	return nil
}

// Visible returns every binding visible from id, nearest scope winning.
func (m *MemoryStore) Visible(id ID) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var chain []ID
	for cur := id; cur != ""; cur = m.parents[cur] {
		if _, ok := m.parents[cur]; !ok {
			break
		}
		chain = append(chain, cur)
	}
	out := make(map[string]string)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range m.bindings[chain[i]] {
			out[k] = v
		}
	}
	return out
}

// Children returns the direct children of id in stable order.
func (m *MemoryStore) Children(id ID) []ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ID
	for c, p := range m.parents {
		if p == id {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var _ Store = (*MemoryStore)(nil)
