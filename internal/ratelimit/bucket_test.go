package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucket_BurstThenBlock(t *testing.T) {
	b := NewBucket("global", 60, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Acquire(ctx, High))
	}

	// Budget exhausted; a short deadline must expire while queued.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := b.Acquire(short, High)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBucket_ReplenishesOverTime(t *testing.T) {
	// 600 rpm = one token per 100ms.
	b := NewBucket("global", 600, 1)
	ctx := context.Background()

	require.NoError(t, b.Acquire(ctx, Medium))

	start := time.Now()
	require.NoError(t, b.Acquire(ctx, Medium))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond, "second acquire should have waited for accrual")
	assert.Less(t, elapsed, time.Second, "waited far longer than one refill interval")
}

func TestBucket_PriorityOrdering(t *testing.T) {
	// One token per 100ms, burst 1.
	b := NewBucket("global", 600, 1)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, High)) // drain

	order := make(chan Priority, 3)
	var wg sync.WaitGroup

	enqueue := func(p Priority) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Acquire(ctx, p); err == nil {
				order <- p
			}
		}()
		// Give the goroutine time to join the queue before the next one.
		time.Sleep(20 * time.Millisecond)
	}

	enqueue(Low)
	enqueue(Medium)
	enqueue(High)

	wg.Wait()
	close(order)

	var got []Priority
	for p := range order {
		got = append(got, p)
	}
	require.Len(t, got, 3)
	assert.Equal(t, []Priority{High, Medium, Low}, got, "grants must follow priority, not arrival")
}

func TestBucket_FIFOWithinClass(t *testing.T) {
	b := NewBucket("tenant", 600, 1)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, Medium)) // drain

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Acquire(ctx, Medium); err == nil {
				order <- i
			}
		}()
		time.Sleep(20 * time.Millisecond)
	}

	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	assert.Equal(t, []int{1, 2, 3}, got, "same-class waiters must be served in arrival order")
}

func TestBucket_CancelledWaiterDoesNotStall(t *testing.T) {
	b := NewBucket("global", 600, 1)
	ctx := context.Background()
	require.NoError(t, b.Acquire(ctx, High)) // drain

	// First waiter gives up almost immediately.
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- b.Acquire(short, High) }()

	// Second waiter sticks around and must still be served.
	done := make(chan error, 1)
	go func() { done <- b.Acquire(ctx, Low) }()

	assert.ErrorIs(t, <-errc, context.DeadlineExceeded)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("surviving waiter starved behind an abandoned one")
	}
}

func TestBucket_TryAcquire(t *testing.T) {
	b := NewBucket("global", 60, 1)
	assert.True(t, b.TryAcquire(High))
	assert.False(t, b.TryAcquire(High), "no token should remain")
}

func TestBucket_ZeroRateNeverThrottles(t *testing.T) {
	b := NewBucket("global", 0, 0)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Acquire(ctx, Low))
	}
}

func TestBucketSet_IndependentKeys(t *testing.T) {
	s := NewBucketSet("tenant", 60, 1)
	defer s.Stop()
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, "tenant-a", High))

	// tenant-a is drained; tenant-b must be unaffected.
	require.NoError(t, s.Acquire(ctx, "tenant-b", High))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Acquire(short, "tenant-a", High), context.DeadlineExceeded)
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "high", High.String())
	assert.Equal(t, "medium", Medium.String())
	assert.Equal(t, "low", Low.String())
	assert.Equal(t, "unknown", Priority(9).String())
}
