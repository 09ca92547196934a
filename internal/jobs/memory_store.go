package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory job store for demo/development.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job   // by ID
	idem map[string]string // idempotency key → newest job ID
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		idem: make(map[string]string),
	}
}

func (m *MemoryStore) Save(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[job.ID] = job.Clone()
	if job.IdempotencyKey != "" {
		m.idem[job.IdempotencyKey] = job.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Job
	for _, j := range m.jobs {
		if f.Matches(j) {
			out = append(out, j.Clone())
		}
	}
	if !f.EligibleBefore.IsZero() {
		sort.Slice(out, func(i, k int) bool {
			if !out[i].NextEligibleAt.Equal(out[k].NextEligibleAt) {
				return out[i].NextEligibleAt.Before(out[k].NextEligibleAt)
			}
			return out[i].ID < out[k].ID
		})
	} else {
		sort.Slice(out, func(i, k int) bool {
			if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
				return out[i].CreatedAt.After(out[k].CreatedAt)
			}
			return out[i].ID < out[k].ID
		})
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetByIdempotencyKey(_ context.Context, key string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.idem[key]
	if !ok {
		return nil, ErrNotFound
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	if j.IdempotencyKey != "" && m.idem[j.IdempotencyKey] == id {
		delete(m.idem, j.IdempotencyKey)
	}
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, id string, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != StatusPending {
		return nil, ErrNotPending
	}
	started := now.UTC()
	j.Status = StatusRunning
	j.Attempts++
	j.StartedAt = &started
	return j.Clone(), nil
}

var _ Store = (*MemoryStore)(nil)
