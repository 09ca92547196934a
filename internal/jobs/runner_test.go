package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/retry"
)

// fastConfig keeps test runs short: millisecond scans and backoffs.
func fastConfig() Config {
	return Config{
		ScanInterval: 10 * time.Millisecond,
		JobDeadline:  2 * time.Second,
		TenantSlots:  4,
		Retry: retry.Policy{
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
			MaxAttempts: 3,
		},
	}
}

func startRunner(t *testing.T, store Store, events EventSink, cfg Config) *Runner {
	t.Helper()
	r := NewRunner(store, events, cfg)
	go r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r
}

func waitForStatus(t *testing.T, store Store, id string, want Status) *Job {
	t.Helper()
	var got *Job
	require.Eventually(t, func() bool {
		j, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Publish(event, tenantID string, payload any) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) has(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

func TestRunner_ExecutesJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sink := &recordingSink{}
	r := startRunner(t, store, sink, fastConfig())

	r.Register("echo", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return job.Args, nil
	})

	job, err := r.Submit(ctx, SubmitRequest{
		TenantID: "ten_1",
		Function: "echo",
		Args:     map[string]string{"hello": "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)

	done := waitForStatus(t, store, job.ID, StatusSucceeded)
	assert.Equal(t, 1, done.Attempts)
	assert.JSONEq(t, `{"hello":"world"}`, string(done.Result))
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
	assert.Empty(t, done.LastError)

	require.Eventually(t, func() bool { return sink.has(EventJobSucceeded) },
		time.Second, 5*time.Millisecond)
}

func TestRunner_RetriesTransientThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := startRunner(t, store, nil, fastConfig())

	var calls atomic.Int32
	r.Register("flaky", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errs.New(errs.Transient, "upstream hiccup")
		}
		return nil, nil
	})

	job, err := r.Submit(ctx, SubmitRequest{Function: "flaky"})
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, StatusSucceeded)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunner_PermanentErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sink := &recordingSink{}
	r := startRunner(t, store, sink, fastConfig())

	r.Register("broken", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return nil, errs.New(errs.Validation, "bad arguments")
	})

	job, err := r.Submit(ctx, SubmitRequest{Function: "broken"})
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, StatusFailed)
	assert.Equal(t, 1, done.Attempts)
	assert.Contains(t, done.LastError, "bad arguments")

	require.Eventually(t, func() bool { return sink.has(EventJobFailed) },
		time.Second, 5*time.Millisecond)
}

func TestRunner_ExhaustsRetryBudget(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 2
	r := startRunner(t, store, nil, cfg)

	var calls atomic.Int32
	r.Register("always-flaky", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errs.New(errs.Transient, "upstream down")
	})

	job, err := r.Submit(ctx, SubmitRequest{Function: "always-flaky"})
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, StatusFailed)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunner_PanicTurnsIntoFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := startRunner(t, store, nil, fastConfig())

	r.Register("panics", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		panic("boom")
	})

	job, err := r.Submit(ctx, SubmitRequest{Function: "panics"})
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, StatusFailed)
	assert.Contains(t, done.LastError, "job panicked")
}

func TestRunner_DeadlineFailsJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cfg := fastConfig()
	cfg.JobDeadline = 30 * time.Millisecond
	r := startRunner(t, store, nil, cfg)

	r.Register("slow", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	job, err := r.Submit(ctx, SubmitRequest{Function: "slow"})
	require.NoError(t, err)

	// Deadline overruns fail outright rather than burning retries.
	done := waitForStatus(t, store, job.ID, StatusFailed)
	assert.Equal(t, 1, done.Attempts)
	assert.Contains(t, done.LastError, "deadline")
}

func TestRunner_UnknownFunctionFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := startRunner(t, store, nil, fastConfig())

	job, err := r.Submit(ctx, SubmitRequest{Function: "never-registered"})
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, StatusFailed)
	assert.Contains(t, done.LastError, "no handler registered")
}

func TestRunner_CancelPendingJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := startRunner(t, store, nil, fastConfig())
	r.Register("later", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		return nil, nil
	})

	job, err := r.Submit(ctx, SubmitRequest{
		Function: "later",
		RunAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	cancelled, err := r.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, cancelled.Attempts)
	require.NotNil(t, cancelled.FinishedAt)

	// Cancelling again is a no-op.
	again, err := r.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
}

func TestRunner_CancelRunningJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := startRunner(t, store, nil, fastConfig())

	started := make(chan struct{})
	var once sync.Once
	r.Register("blocks", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})

	job, err := r.Submit(ctx, SubmitRequest{TenantID: "ten_1", Function: "blocks"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	_, err = r.Cancel(ctx, job.ID)
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, StatusCancelled)
	require.NotNil(t, done.FinishedAt)
}

func TestRunner_TenantConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cfg := fastConfig()
	cfg.TenantSlots = 1
	r := startRunner(t, store, nil, cfg)

	var cur, peak atomic.Int32
	release := make(chan struct{})
	r.Register("hold", func(ctx context.Context, job *Job) (json.RawMessage, error) {
		c := cur.Add(1)
		defer cur.Add(-1)
		for {
			old := peak.Load()
			if c <= old || peak.CompareAndSwap(old, c) {
				break
			}
		}
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	j1, err := r.Submit(ctx, SubmitRequest{TenantID: "ten_1", Function: "hold"})
	require.NoError(t, err)
	j2, err := r.Submit(ctx, SubmitRequest{TenantID: "ten_1", Function: "hold"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return cur.Load() == 1 },
		time.Second, 5*time.Millisecond)

	// Several scan ticks pass; the second job must stay parked.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), cur.Load())
	assert.Equal(t, int32(1), peak.Load())

	close(release)
	waitForStatus(t, store, j1.ID, StatusSucceeded)
	waitForStatus(t, store, j2.ID, StatusSucceeded)
	assert.Equal(t, int32(1), peak.Load())
}

func TestRunner_SubmitIdempotency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := NewRunner(store, nil, fastConfig()) // loop not started on purpose

	first, err := r.Submit(ctx, SubmitRequest{
		TenantID:       "ten_1",
		Function:       FuncSyncTenant,
		IdempotencyKey: "scheduled-sync:ten_1:42",
	})
	require.NoError(t, err)

	// Non-terminal match returns the existing job.
	again, err := r.Submit(ctx, SubmitRequest{
		TenantID:       "ten_1",
		Function:       FuncSyncTenant,
		IdempotencyKey: "scheduled-sync:ten_1:42",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// Terminal inside the replay window still answers.
	finished := time.Now().UTC()
	first.Status = StatusSucceeded
	first.FinishedAt = &finished
	require.NoError(t, store.Save(ctx, first))

	replay, err := r.Submit(ctx, SubmitRequest{
		Function:       FuncSyncTenant,
		IdempotencyKey: "scheduled-sync:ten_1:42",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, StatusSucceeded, replay.Status)

	// Terminal outside the window makes a fresh job.
	stale := time.Now().UTC().Add(-25 * time.Hour)
	first.FinishedAt = &stale
	require.NoError(t, store.Save(ctx, first))

	fresh, err := r.Submit(ctx, SubmitRequest{
		Function:       FuncSyncTenant,
		IdempotencyKey: "scheduled-sync:ten_1:42",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
	assert.Equal(t, StatusPending, fresh.Status)
}

func TestRunner_SubmitValidation(t *testing.T) {
	r := NewRunner(NewMemoryStore(), nil, fastConfig())
	_, err := r.Submit(context.Background(), SubmitRequest{})
	assert.True(t, errs.IsKind(err, errs.Validation))
}

type staticTenants struct{ ids []string }

func (s staticTenants) ConnectedTenantIDs(context.Context) ([]string, error) {
	return s.ids, nil
}

func TestScheduler_TicksCollapsePerBucket(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := NewRunner(store, nil, fastConfig())

	s := NewScheduler(r, staticTenants{ids: []string{"ten_1", "ten_2"}}, time.Hour)
	s.tick(ctx)
	s.tick(ctx) // same bucket: must not enqueue duplicates

	pending, err := store.List(ctx, Filter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)

	tenants := map[string]bool{}
	for _, j := range pending {
		assert.Equal(t, FuncSyncTenant, j.Function)
		assert.Contains(t, j.IdempotencyKey, "scheduled-sync:"+j.TenantID+":")
		tenants[j.TenantID] = true
	}
	assert.True(t, tenants["ten_1"])
	assert.True(t, tenants["ten_2"])
}

func TestScheduler_StartStop(t *testing.T) {
	store := NewMemoryStore()
	r := NewRunner(store, nil, fastConfig())
	s := NewScheduler(r, staticTenants{ids: []string{"ten_1"}}, 20*time.Millisecond)

	go s.Start(context.Background())
	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		jobs, err := store.List(context.Background(), Filter{Status: StatusPending})
		return err == nil && len(jobs) >= 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	require.Eventually(t, func() bool { return !s.Running() },
		time.Second, 5*time.Millisecond)
}
