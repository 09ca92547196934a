package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/logging"
	"github.com/runwayly/ledgersync/internal/metrics"
	"github.com/runwayly/ledgersync/internal/retry"
)

// HandlerFunc executes one job. The returned payload, if any, is
// stored as the job's result. Handlers must watch ctx: it carries the
// per-job deadline and fires on cancellation.
type HandlerFunc func(ctx context.Context, job *Job) (json.RawMessage, error)

// EventSink receives job lifecycle events. A nil sink drops them.
type EventSink interface {
	Publish(event, tenantID string, payload any)
}

// Event names published on job completion.
const (
	EventJobSucceeded = "job.succeeded"
	EventJobFailed    = "job.failed"
)

// Config tunes the runner. Zero fields take the stated defaults.
type Config struct {
	// ScanInterval is how often the runner polls for eligible pending
	// jobs. Default 5s; development setups usually drop it to 1s.
	ScanInterval time.Duration
	// JobDeadline bounds one execution attempt. Default 10m.
	JobDeadline time.Duration
	// TenantSlots caps concurrently running jobs per tenant. Jobs over
	// the cap stay pending until a slot frees. Default 2. System-wide
	// jobs (empty tenant) are uncapped.
	TenantSlots int
	// Retry is the backoff schedule for transient failures. Its
	// MaxAttempts bounds total executions. Default retry.DefaultPolicy.
	Retry retry.Policy
	// ReplayWindow is how long a terminal job answers for its
	// idempotency key. Default DefaultReplayWindow.
	ReplayWindow time.Duration
	// ScanBatch caps how many jobs one scan picks up. Default 64.
	ScanBatch int
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Second
	}
	if c.JobDeadline <= 0 {
		c.JobDeadline = 10 * time.Minute
	}
	if c.TenantSlots <= 0 {
		c.TenantSlots = 2
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultPolicy()
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = DefaultReplayWindow
	}
	if c.ScanBatch <= 0 {
		c.ScanBatch = 64
	}
	return c
}

// activeJob tracks one in-flight execution so Cancel can reach it.
type activeJob struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Runner owns the job lifecycle: it accepts submissions, scans the
// store for eligible pending jobs, reserves them, and executes them
// on registered handlers with per-tenant concurrency bounds.
type Runner struct {
	store  Store
	cfg    Config
	events EventSink

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	active   map[string]*activeJob // job ID → in-flight control
	byTenant map[string]int        // tenant ID → running count

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewRunner creates a runner over the given store. Pass a nil events
// sink to drop lifecycle events.
func NewRunner(store Store, events EventSink, cfg Config) *Runner {
	return &Runner{
		store:    store,
		cfg:      cfg.withDefaults(),
		events:   events,
		handlers: make(map[string]HandlerFunc),
		active:   make(map[string]*activeJob),
		byTenant: make(map[string]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register binds a handler to a job function name. Submissions naming
// an unregistered function fail at dispatch, not at submit, so
// registration order does not matter during startup.
func (r *Runner) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[name] = fn
	r.mu.Unlock()
}

// SubmitRequest describes a job to enqueue.
type SubmitRequest struct {
	TenantID       string
	Function       string
	Args           any // marshaled to JSON; json.RawMessage passes through
	IdempotencyKey string
	RunAt          time.Time // zero means eligible immediately
}

// Submit enqueues a job. With an idempotency key, a matching
// non-terminal job — or a terminal one inside the replay window —
// comes back instead of a new row.
func (r *Runner) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if req.Function == "" {
		return nil, errs.New(errs.Validation, "job function is required")
	}

	if req.IdempotencyKey != "" {
		prior, err := r.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			if !prior.Status.Terminal() {
				return prior, nil
			}
			if prior.FinishedAt != nil && time.Since(*prior.FinishedAt) < r.cfg.ReplayWindow {
				return prior, nil
			}
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}

	var args json.RawMessage
	switch a := req.Args.(type) {
	case nil:
	case json.RawMessage:
		args = a
	case []byte:
		args = a
	default:
		data, err := json.Marshal(a)
		if err != nil {
			return nil, errs.Wrap(errs.Validation, "jobs.submit", err)
		}
		args = data
	}

	now := time.Now().UTC()
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	job := &Job{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		IdempotencyKey: req.IdempotencyKey,
		Function:       req.Function,
		Args:           args,
		Status:         StatusPending,
		NextEligibleAt: runAt.UTC(),
		CreatedAt:      now,
	}
	if err := r.store.Save(ctx, job); err != nil {
		return nil, err
	}
	logging.L(ctx).Debug("job submitted",
		"job_id", job.ID,
		"function", job.Function,
		"tenant_id", job.TenantID,
	)
	return job, nil
}

// Get returns one job by id.
func (r *Runner) Get(ctx context.Context, id string) (*Job, error) {
	return r.store.Get(ctx, id)
}

// List returns jobs matching the filter.
func (r *Runner) List(ctx context.Context, f Filter) ([]*Job, error) {
	return r.store.List(ctx, f)
}

// Cancel stops a job. Pending jobs go straight to cancelled; running
// jobs get their context cancelled and finish at the handler's next
// checkpoint. Cancelling a terminal job is a no-op returning the job.
func (r *Runner) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	// Running here: flag it and fire the context. finalize settles it.
	r.mu.Lock()
	if aj, ok := r.active[id]; ok {
		aj.cancelled = true
		aj.cancel()
		r.mu.Unlock()
		return job, nil
	}
	r.mu.Unlock()

	if job.Status == StatusRunning {
		// Running but not in our active set: orphaned by a crash or
		// another process. Settle it so it cannot be picked up again.
		return r.markCancelled(ctx, job)
	}

	// Pending: claim it through the same CAS the scan uses so a
	// concurrent dispatch cannot double-run it.
	claimed, err := r.store.Reserve(ctx, id, time.Now())
	if errors.Is(err, ErrNotPending) {
		// Lost the race with a dispatcher; retry as a running cancel.
		return r.Cancel(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	// The reserve bumped Attempts as bookkeeping; nothing actually ran.
	claimed.Attempts--
	claimed.StartedAt = nil
	return r.markCancelled(ctx, claimed)
}

func (r *Runner) markCancelled(ctx context.Context, job *Job) (*Job, error) {
	now := time.Now().UTC()
	job.Status = StatusCancelled
	job.FinishedAt = &now
	if err := r.store.Save(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobsTotal.WithLabelValues(job.Function, string(StatusCancelled)).Inc()
	logging.L(ctx).Info("job cancelled", "job_id", job.ID, "function", job.Function)
	return job, nil
}

// Running reports whether the scan loop is active.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// ActiveCount returns how many jobs are executing right now.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Start runs the scan loop until ctx ends or Stop is called. Call in
// a goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case <-r.stop:
			r.wg.Wait()
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for in-flight jobs to
// settle. Safe to call more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	if r.running.Load() {
		<-r.done
	}
}

// scan picks up eligible pending jobs and dispatches each one that
// fits under its tenant's slot cap.
func (r *Runner) scan(ctx context.Context) {
	pending, err := r.store.List(ctx, Filter{
		Status:         StatusPending,
		EligibleBefore: time.Now(),
		Limit:          r.cfg.ScanBatch,
	})
	if err != nil {
		logging.L(ctx).Warn("job scan failed", "error", err)
		return
	}
	for _, job := range pending {
		r.dispatch(ctx, job)
	}
}

func (r *Runner) dispatch(ctx context.Context, job *Job) {
	log := logging.L(ctx)

	r.mu.Lock()
	if _, dup := r.active[job.ID]; dup {
		r.mu.Unlock()
		return
	}
	handler, known := r.handlers[job.Function]
	if known && job.TenantID != "" && r.byTenant[job.TenantID] >= r.cfg.TenantSlots {
		// Over the tenant cap; the job stays pending for a later scan.
		r.mu.Unlock()
		return
	}
	// Hold the slot before the reserve round-trip so a slow store
	// cannot let the cap slip.
	r.active[job.ID] = &activeJob{cancel: func() {}}
	if job.TenantID != "" {
		r.byTenant[job.TenantID]++
	}
	r.mu.Unlock()

	claimed, err := r.store.Reserve(ctx, job.ID, time.Now())
	if err != nil {
		r.release(job.ID, job.TenantID)
		if !errors.Is(err, ErrNotPending) && !errors.Is(err, ErrNotFound) {
			log.Warn("job reserve failed", "job_id", job.ID, "error", err)
		}
		return
	}

	if !known {
		// No handler will ever appear mid-run; fail it now so it is
		// visible instead of rotting in pending.
		r.finalize(ctx, claimed, nil, errs.Errorf(errs.Permanent,
			"no handler registered for function %q", claimed.Function), time.Now())
		return
	}

	r.wg.Add(1)
	go r.run(ctx, claimed, handler)
}

func (r *Runner) release(jobID, tenantID string) {
	r.mu.Lock()
	delete(r.active, jobID)
	if tenantID != "" {
		if r.byTenant[tenantID]--; r.byTenant[tenantID] <= 0 {
			delete(r.byTenant, tenantID)
		}
	}
	r.mu.Unlock()
}

// run executes one reserved job under its deadline.
func (r *Runner) run(parent context.Context, job *Job, handler HandlerFunc) {
	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(parent, r.cfg.JobDeadline)
	defer cancel()
	if job.TenantID != "" {
		ctx = logging.WithTenant(ctx, job.TenantID)
	}

	r.mu.Lock()
	if aj, ok := r.active[job.ID]; ok {
		aj.cancel = cancel
		if aj.cancelled {
			// Cancel arrived between reserve and run.
			cancel()
		}
	}
	r.mu.Unlock()

	logging.L(ctx).Info("job started",
		"job_id", job.ID,
		"function", job.Function,
		"attempt", job.Attempts,
	)

	start := time.Now()
	var result json.RawMessage
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("job panicked: %v", p)
			}
		}()
		result, err = handler(ctx, job)
		return err
	}()

	deadlineHit := ctx.Err() == context.DeadlineExceeded
	r.finalize(parent, job, result, wrapDeadline(err, deadlineHit), start)
}

// wrapDeadline pins a deadline overrun to the permanent kind so the
// retry classifier cannot mistake it for an ordinary network timeout.
func wrapDeadline(err error, deadlineHit bool) error {
	if err != nil && deadlineHit && errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.Permanent, "jobs.deadline", err)
	}
	return err
}

// finalize settles a finished execution: succeeded, failed, cancelled,
// or back to pending with backoff for retryable errors.
func (r *Runner) finalize(ctx context.Context, job *Job, result json.RawMessage, runErr error, start time.Time) {
	r.mu.Lock()
	aj := r.active[job.ID]
	wantCancel := aj != nil && aj.cancelled
	delete(r.active, job.ID)
	if job.TenantID != "" {
		if r.byTenant[job.TenantID]--; r.byTenant[job.TenantID] <= 0 {
			delete(r.byTenant, job.TenantID)
		}
	}
	r.mu.Unlock()

	// Saves must land even when the server is draining.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	log := logging.L(ctx)

	now := time.Now().UTC()
	switch {
	case runErr == nil:
		job.Status = StatusSucceeded
		job.FinishedAt = &now
		job.Result = result
		job.LastError = ""

	case wantCancel:
		job.Status = StatusCancelled
		job.FinishedAt = &now
		job.LastError = runErr.Error()

	case errs.Retryable(runErr) && job.Attempts < r.cfg.Retry.MaxAttempts:
		job.Status = StatusPending
		job.StartedAt = nil
		job.LastError = runErr.Error()
		delay := r.cfg.Retry.DelayFor(job.Attempts - 1)
		if ra := errs.RetryAfterOf(runErr); ra > delay {
			delay = ra
		}
		job.NextEligibleAt = now.Add(delay)
		if err := r.store.Save(saveCtx, job); err != nil {
			log.Error("job save failed", "job_id", job.ID, "error", err)
			return
		}
		log.Warn("job retry scheduled",
			"job_id", job.ID,
			"function", job.Function,
			"attempt", job.Attempts,
			"next_eligible_at", job.NextEligibleAt,
			"error", runErr,
		)
		return

	default:
		job.Status = StatusFailed
		job.FinishedAt = &now
		job.LastError = runErr.Error()
	}

	if err := r.store.Save(saveCtx, job); err != nil {
		log.Error("job save failed", "job_id", job.ID, "error", err)
		return
	}

	metrics.JobsTotal.WithLabelValues(job.Function, string(job.Status)).Inc()
	metrics.JobDuration.WithLabelValues(job.Function).Observe(time.Since(start).Seconds())

	switch job.Status {
	case StatusSucceeded:
		log.Info("job succeeded",
			"job_id", job.ID,
			"function", job.Function,
			"attempts", job.Attempts,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		r.emit(EventJobSucceeded, job.TenantID, map[string]any{
			"id":       job.ID,
			"function": job.Function,
			"attempts": job.Attempts,
		})
	case StatusFailed:
		log.Error("job failed",
			"job_id", job.ID,
			"function", job.Function,
			"attempts", job.Attempts,
			"error", runErr,
		)
		r.emit(EventJobFailed, job.TenantID, map[string]any{
			"id":       job.ID,
			"function": job.Function,
			"attempts": job.Attempts,
			"error":    job.LastError,
		})
	case StatusCancelled:
		log.Info("job cancelled", "job_id", job.ID, "function", job.Function)
	}
}

func (r *Runner) emit(event, tenantID string, payload any) {
	if r.events != nil {
		r.events.Publish(event, tenantID, payload)
	}
}
