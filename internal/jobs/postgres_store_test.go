//go:build integration

package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwayly/ledgersync/internal/testutil"
)

func pgJob(fn string) *Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Job{
		ID:             uuid.NewString(),
		TenantID:       "ten_0123456789abcdef01234567",
		Function:       fn,
		Args:           json.RawMessage(`{"kind":"all"}`),
		Status:         StatusPending,
		NextEligibleAt: now,
		CreatedAt:      now,
	}
}

func TestPostgresStore_SaveRoundTrip(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()

	job := pgJob(FuncSyncTenant)
	require.NoError(t, store.Save(ctx, job))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.TenantID, got.TenantID)
	assert.Equal(t, FuncSyncTenant, got.Function)
	assert.JSONEq(t, `{"kind":"all"}`, string(got.Args))
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)

	// Save is an upsert: writing the finished state replaces the row.
	done := time.Now().UTC()
	job.Status = StatusSucceeded
	job.FinishedAt = &done
	job.Result = json.RawMessage(`{"applied":14}`)
	require.NoError(t, store.Save(ctx, job))

	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.JSONEq(t, `{"applied":14}`, string(got.Result))

	_, err = store.Get(ctx, "job_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ReserveWinsOnce(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	now := time.Now().UTC()

	job := pgJob(FuncSyncTenant)
	require.NoError(t, store.Save(ctx, job))

	won, err := store.Reserve(ctx, job.ID, now)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, won.Status)
	assert.Equal(t, 1, won.Attempts)
	require.NotNil(t, won.StartedAt)

	// The second reserver loses the race.
	_, err = store.Reserve(ctx, job.ID, now)
	assert.ErrorIs(t, err, ErrNotPending)

	// Reserving a missing job reports absence, not a lost race.
	_, err = store.Reserve(ctx, "job_missing", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_IdempotencyKeyPicksNewest(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()

	older := pgJob(FuncSyncTenant)
	older.IdempotencyKey = "window-42"
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	require.NoError(t, store.Save(ctx, older))

	newer := pgJob(FuncSyncTenant)
	newer.IdempotencyKey = "window-42"
	require.NoError(t, store.Save(ctx, newer))

	got, err := store.GetByIdempotencyKey(ctx, "window-42")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	_, err = store.GetByIdempotencyKey(ctx, "window-none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ListFilters(t *testing.T) {
	store := NewPostgresStore(testutil.PGTest(t))
	ctx := context.Background()
	now := time.Now().UTC()

	pending := pgJob(FuncSyncTenant)
	pending.NextEligibleAt = now.Add(-time.Minute)

	notYet := pgJob(FuncSyncTenant)
	notYet.NextEligibleAt = now.Add(time.Hour)

	other := pgJob("reconcile-tenant")
	other.TenantID = "ten_ffffffffffffffffffffffff"
	other.NextEligibleAt = now.Add(-time.Minute)

	for _, j := range []*Job{pending, notYet, other} {
		require.NoError(t, store.Save(ctx, j))
	}

	// The runner's scan: pending work whose eligibility has passed.
	due, err := store.List(ctx, Filter{Status: StatusPending, EligibleBefore: now})
	require.NoError(t, err)
	require.Len(t, due, 2)

	mine, err := store.List(ctx, Filter{TenantID: pending.TenantID})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	recon, err := store.List(ctx, Filter{Function: "reconcile-tenant"})
	require.NoError(t, err)
	require.Len(t, recon, 1)
	assert.Equal(t, other.ID, recon[0].ID)

	limited, err := store.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, store.Delete(ctx, other.ID))
	assert.ErrorIs(t, store.Delete(ctx, other.ID), ErrNotFound)
}
