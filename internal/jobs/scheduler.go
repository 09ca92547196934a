package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/runwayly/ledgersync/internal/logging"
)

// TenantLister names the tenants that should receive scheduled syncs.
type TenantLister interface {
	ConnectedTenantIDs(ctx context.Context) ([]string, error)
}

// Scheduler enqueues a sync-tenant job for every connected tenant on
// a fixed cadence. The idempotency key buckets on the interval, so a
// tick that fires while the previous bucket's job is still pending or
// running collapses into it instead of stacking up.
type Scheduler struct {
	runner   *Runner
	tenants  TenantLister
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// NewScheduler creates a scheduler. Intervals under a millisecond
// fall back to fifteen minutes.
func NewScheduler(runner *Runner, tenants TenantLister, interval time.Duration) *Scheduler {
	if interval < time.Millisecond {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		runner:   runner,
		tenants:  tenants,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the scheduler loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the periodic enqueue loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	log := logging.L(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in sync scheduler", "panic", fmt.Sprint(r))
		}
	}()
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	log := logging.L(ctx)

	ids, err := s.tenants.ConnectedTenantIDs(ctx)
	if err != nil {
		log.Warn("scheduled sync: listing tenants failed", "error", err)
		return
	}

	bucket := time.Now().UnixMilli() / s.interval.Milliseconds()
	enqueued := 0
	for _, id := range ids {
		job, err := s.runner.Submit(ctx, SubmitRequest{
			TenantID:       id,
			Function:       FuncSyncTenant,
			IdempotencyKey: fmt.Sprintf("scheduled-sync:%s:%d", id, bucket),
		})
		if err != nil {
			log.Warn("scheduled sync enqueue failed", "tenant_id", id, "error", err)
			continue
		}
		enqueued++
		log.Debug("scheduled sync enqueued", "tenant_id", id, "job_id", job.ID)
	}
	if enqueued > 0 {
		log.Info("scheduled sync tick", "tenants", len(ids), "enqueued", enqueued)
	}
}
