package credstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory credential store used in development and
// tests. Values are copied on the way in and out.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]*Credential
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*Credential)}
}

func (s *MemoryStore) Save(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := *cred
	stored.UpdatedAt = now
	if existing, ok := s.creds[cred.TenantID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	s.creds[cred.TenantID] = &stored

	cred.CreatedAt = stored.CreatedAt
	cred.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *MemoryStore) Get(_ context.Context, tenantID string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *cred
	return &out, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, tenantID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.creds[tenantID]
	if !ok {
		return ErrNotFound
	}
	cred.Status = status
	cred.UpdatedAt = time.Now()
	return nil
}
