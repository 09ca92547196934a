// Package jobs schedules and executes deferred work: periodic ledger
// syncs per tenant and one-off operations a caller does not want to
// wait on. Jobs persist through a pluggable Store so development runs
// in memory while production uses Redis or PostgreSQL.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs never
// run again; retries re-enter pending instead.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FuncSyncTenant is the function name of the scheduled full-tenant
// sync job the Scheduler enqueues for every connected tenant.
const FuncSyncTenant = "sync-tenant"

// DefaultReplayWindow bounds how long a terminal job keeps answering
// for its idempotency key. Submissions reusing the key inside the
// window get the prior job back instead of a fresh one.
const DefaultReplayWindow = 24 * time.Hour

var (
	// ErrNotFound means no job exists under the given id or key.
	ErrNotFound = errors.New("jobs: job not found")
	// ErrNotPending means a reserve lost the race: the job was already
	// picked up, cancelled, or finished by the time the CAS ran.
	ErrNotPending = errors.New("jobs: job is not pending")
)

// Job is one unit of deferred work. TenantID is empty for system-wide
// work. Attempts counts executions started, so a job that never ran
// has zero.
type Job struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Function       string          `json:"function"`
	Args           json.RawMessage `json:"args,omitempty"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextEligibleAt time.Time       `json:"nextEligibleAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// Clone returns a deep copy so stores can hand out rows without
// aliasing their internal state.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Args != nil {
		cp.Args = append(json.RawMessage(nil), j.Args...)
	}
	if j.Result != nil {
		cp.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Filter selects jobs from a store. Zero-valued fields match
// everything.
type Filter struct {
	TenantID string
	Status   Status
	Function string
	// EligibleBefore keeps only jobs whose NextEligibleAt is at or
	// before the given instant. The runner's scan uses it with
	// Status=pending.
	EligibleBefore time.Time
	// Limit caps the result count. Zero means no cap.
	Limit int
}

// Matches reports whether the job passes every set filter field.
func (f Filter) Matches(j *Job) bool {
	if f.TenantID != "" && j.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Function != "" && j.Function != f.Function {
		return false
	}
	if !f.EligibleBefore.IsZero() && j.NextEligibleAt.After(f.EligibleBefore) {
		return false
	}
	return true
}

// Store persists jobs. Implementations must be safe for concurrent
// use.
//
// List ordering: when Filter.EligibleBefore is set the results come
// back oldest-eligible first (scan order); otherwise newest-created
// first (ops listing order).
type Store interface {
	// Save inserts or fully replaces the job row.
	Save(ctx context.Context, job *Job) error
	// Get returns the job with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// List returns jobs matching the filter, per the ordering rules
	// above.
	List(ctx context.Context, f Filter) ([]*Job, error)
	// GetByIdempotencyKey returns the most recently created job
	// carrying the key, or ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (*Job, error)
	// Delete removes the job row. Deleting a missing job returns
	// ErrNotFound.
	Delete(ctx context.Context, id string) error
	// Reserve atomically transitions the job from pending to running,
	// stamping StartedAt with now and incrementing Attempts. It
	// returns ErrNotPending when the job exists but is no longer
	// pending, so concurrent reservers get exactly one winner.
	Reserve(ctx context.Context, id string, now time.Time) (*Job, error)
}
