package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/runwayly/ledgersync/internal/metrics"
)

// Priority orders waiters for outbound rate permits. Lower values win.
type Priority int

const (
	// High is for interactive reads the user is waiting on.
	High Priority = iota
	// Medium is for status checks and writes already acknowledged.
	Medium
	// Low is for background synchronization.
	Low
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	}
	return "unknown"
}

// waiter is one blocked Acquire call. ready is closed when a token has been
// assigned to it; gone marks waiters whose context ended before a grant.
type waiter struct {
	ready   chan struct{}
	granted bool
	gone    bool
}

// Bucket is a token bucket whose Acquire blocks instead of failing. Waiters
// are served strictly by priority class, FIFO within a class. Grants are
// driven by a timer armed for the moment the next whole token accrues; there
// is no polling.
type Bucket struct {
	mu      sync.Mutex
	scope   string // metrics label: "global" or "tenant"
	rps     float64
	burst   float64
	tokens  float64
	last    time.Time
	lastUse time.Time
	queues  [3][]*waiter
	timer   *time.Timer
}

// NewBucket creates a bucket replenishing at rpm requests per minute. A
// non-positive burst defaults to one second's worth of budget, minimum 1.
func NewBucket(scope string, rpm, burst int) *Bucket {
	if burst <= 0 {
		burst = int(math.Max(1, float64(rpm)/60.0))
	}
	now := time.Now()
	return &Bucket{
		scope:   scope,
		rps:     float64(rpm) / 60.0,
		burst:   float64(burst),
		tokens:  float64(burst),
		last:    now,
		lastUse: now,
	}
}

// Acquire blocks until a token is granted or ctx is done. Buckets with a
// non-positive rate never throttle.
func (b *Bucket) Acquire(ctx context.Context, p Priority) error {
	if b == nil || b.rps <= 0 {
		return ctx.Err()
	}
	start := time.Now()

	b.mu.Lock()
	b.refill(start)
	b.lastUse = start
	if b.queued() == 0 && b.tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		metrics.RateLimitWaitDuration.WithLabelValues(b.scope, p.String()).Observe(0)
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	b.queues[p] = append(b.queues[p], w)
	b.arm()
	b.mu.Unlock()

	select {
	case <-w.ready:
		metrics.RateLimitWaitDuration.WithLabelValues(b.scope, p.String()).Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		if w.granted {
			// Grant raced the cancellation; hand the token to the next waiter.
			b.tokens++
			b.pump()
		} else {
			w.gone = true
		}
		b.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire takes a token without waiting, respecting queued waiters.
func (b *Bucket) TryAcquire(p Priority) bool {
	if b == nil || b.rps <= 0 {
		return true
	}
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	b.lastUse = now
	if b.queued() == 0 && b.tokens >= 1 {
		b.tokens--
		metrics.RateLimitWaitDuration.WithLabelValues(b.scope, p.String()).Observe(0)
		return true
	}
	return false
}

// refill accrues tokens for time elapsed since the last accrual. Caller
// holds b.mu.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rps
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
}

// pump grants whole tokens to waiters in priority order. Caller holds b.mu.
func (b *Bucket) pump() {
	b.refill(time.Now())
	for b.tokens >= 1 {
		w := b.dequeue()
		if w == nil {
			break
		}
		b.tokens--
		w.granted = true
		close(w.ready)
	}
	b.arm()
}

// dequeue pops the oldest waiter of the best priority class, discarding
// abandoned ones. Caller holds b.mu.
func (b *Bucket) dequeue() *waiter {
	for p := 0; p < len(b.queues); p++ {
		for len(b.queues[p]) > 0 {
			w := b.queues[p][0]
			b.queues[p] = b.queues[p][1:]
			if w.gone {
				continue
			}
			return w
		}
	}
	return nil
}

// queued counts live waiters. Caller holds b.mu.
func (b *Bucket) queued() int {
	n := 0
	for p := 0; p < len(b.queues); p++ {
		for _, w := range b.queues[p] {
			if !w.gone {
				n++
			}
		}
	}
	return n
}

// arm schedules the next grant for when a whole token will exist, or stops
// the timer when nobody waits. Caller holds b.mu.
func (b *Bucket) arm() {
	if b.queued() == 0 {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		return
	}
	need := 1 - b.tokens
	if need < 0 {
		need = 0
	}
	d := time.Duration(need / b.rps * float64(time.Second))
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d, func() {
		b.mu.Lock()
		b.timer = nil
		b.pump()
		b.mu.Unlock()
	})
}

// idle reports whether the bucket has no waiters and has not been touched
// since the cutoff. Used by BucketSet's janitor.
func (b *Bucket) idle(cutoff time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued() == 0 && b.lastUse.Before(cutoff)
}

// BucketSet maintains one Bucket per key (tenant) with identical budgets.
// Idle buckets are swept so memory stays bounded by active tenants.
type BucketSet struct {
	mu      sync.Mutex
	scope   string
	rpm     int
	burst   int
	buckets map[string]*Bucket
	stop    chan struct{}
	once    sync.Once
}

// NewBucketSet creates a keyed bucket collection and starts its janitor.
func NewBucketSet(scope string, rpm, burst int) *BucketSet {
	s := &BucketSet{
		scope:   scope,
		rpm:     rpm,
		burst:   burst,
		buckets: make(map[string]*Bucket),
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Acquire blocks on the bucket for key.
func (s *BucketSet) Acquire(ctx context.Context, key string, p Priority) error {
	return s.bucket(key).Acquire(ctx, p)
}

func (s *BucketSet) bucket(key string) *Bucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = NewBucket(s.scope, s.rpm, s.burst)
		s.buckets[key] = b
	}
	return b
}

func (s *BucketSet) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-5 * time.Minute)
			s.mu.Lock()
			for key, b := range s.buckets {
				if b.idle(cutoff) {
					delete(s.buckets, key)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// Stop stops the janitor goroutine.
func (s *BucketSet) Stop() {
	s.once.Do(func() { close(s.stop) })
}
