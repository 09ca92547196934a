package tenant

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory tenant store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // by ID
	realms  map[string]string  // realm ID → tenant ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		realms:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.RealmID != "" {
		if owner, exists := m.realms[t.RealmID]; exists && owner != t.ID {
			return ErrRealmBound
		}
	}

	cp := *t
	m.tenants[t.ID] = &cp
	if t.RealmID != "" {
		m.realms[t.RealmID] = t.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		cp := *t
		tenants = append(tenants, &cp)
	}
	sort.Slice(tenants, func(i, j int) bool {
		if !tenants[i].CreatedAt.Equal(tenants[j].CreatedAt) {
			return tenants[i].CreatedAt.Before(tenants[j].CreatedAt)
		}
		return tenants[i].ID < tenants[j].ID
	})
	return tenants, nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.tenants[t.ID]
	if !ok {
		return ErrNotFound
	}
	if t.RealmID != "" {
		if owner, exists := m.realms[t.RealmID]; exists && owner != t.ID {
			return ErrRealmBound
		}
	}

	if prev.RealmID != "" && prev.RealmID != t.RealmID {
		delete(m.realms, prev.RealmID)
	}
	if t.RealmID != "" {
		m.realms[t.RealmID] = t.ID
	}
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *MemoryStore) ConnectedIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, t := range m.tenants {
		if t.Status == StatusConnected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

var _ Store = (*MemoryStore)(nil)
