package txlog

import (
	"context"
	"sync"
	"time"

	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/metrics"
)

// MemoryStore keeps log records in memory for tests and the mock
// environment. Append order defines entry ids, matching BIGSERIAL.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	nextID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(rec)
	return nil
}

// appendLocked assigns an id and stores a copy. Callers hold s.mu.
func (s *MemoryStore) appendLocked(rec *Record) {
	s.nextID++
	rec.ID = s.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.records = append(s.records, &cp)
	metrics.TxLogEntriesTotal.WithLabelValues(rec.EntityKind, string(rec.Type)).Inc()
}

// AppendWith runs fn and appends rec only if fn succeeds, under one lock.
// It is the memory analogue of appending inside a mirror transaction.
func (s *MemoryStore) AppendWith(rec *Record, fn func() error) error {
	if err := rec.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	s.appendLocked(rec)
	return nil
}

func (s *MemoryStore) ListByEntity(_ context.Context, tenantID, entityKind string, entityID int64, limit int) ([]*Record, error) {
	if tenantID == "" {
		return nil, errs.Errorf(errs.InvariantViolation, "txlog: list without tenant scope")
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Record
	for _, rec := range s.records {
		if rec.TenantID != tenantID || rec.EntityKind != entityKind || rec.EntityID != entityID {
			continue
		}
		cp := *rec
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListByTenant(_ context.Context, tenantID string, limit int) ([]*Record, error) {
	if tenantID == "" {
		return nil, errs.Errorf(errs.InvariantViolation, "txlog: list without tenant scope")
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Record
	for i := len(s.records) - 1; i >= 0 && len(result) < limit; i-- {
		if s.records[i].TenantID != tenantID {
			continue
		}
		cp := *s.records[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) ListAppliedStates(_ context.Context, tenantID string) ([]AppliedState, error) {
	if tenantID == "" {
		return nil, errs.Errorf(errs.InvariantViolation, "txlog: list without tenant scope")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[AppliedState]bool)
	var states []AppliedState
	for _, rec := range s.records {
		if rec.TenantID != tenantID || rec.SyncToken == nil || rec.ExternalID == "" {
			continue
		}
		switch rec.Type {
		case TypeCreated, TypeUpdated, TypeSynced:
		default:
			continue
		}
		st := AppliedState{EntityKind: rec.EntityKind, ExternalID: rec.ExternalID, SyncToken: *rec.SyncToken}
		if !seen[st] {
			seen[st] = true
			states = append(states, st)
		}
	}
	return states, nil
}

// Records returns a copy of everything stored, for tests.
func (s *MemoryStore) Records() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Record, len(s.records))
	copy(result, s.records)
	return result
}
