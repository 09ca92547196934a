package reconciliation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/runwayly/ledgersync/internal/logging"
)

// Timer periodically runs reconciliation over all connected tenants.
type Timer struct {
	runner   *Runner
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new reconciliation timer.
func NewTimer(runner *Runner) *Timer {
	return &Timer{
		runner:   runner,
		interval: 5 * time.Minute,
		stop:     make(chan struct{}),
	}
}

// SetInterval overrides the default five minute cadence. Non-positive
// values are ignored.
func (t *Timer) SetInterval(d time.Duration) {
	if d > 0 {
		t.interval = d
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic reconciliation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	log := logging.L(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.runner.RunAll(ctx); err != nil {
		log.Warn("reconciliation run failed", "error", err)
	}
}
