// Package orchestrator decides how aggressively each logical external call
// runs: whether a cached result suffices, whether an identical in-flight
// call can be joined, and how failures classified by the transport are
// retried.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/runwayly/ledgersync/internal/cache"
	"github.com/runwayly/ledgersync/internal/errs"
	"github.com/runwayly/ledgersync/internal/logging"
	"github.com/runwayly/ledgersync/internal/metrics"
	"github.com/runwayly/ledgersync/internal/ratelimit"
	"github.com/runwayly/ledgersync/internal/retry"
)

// Strategy names how a call treats caching and urgency.
type Strategy string

const (
	// Immediate skips caching and dedup; used for writes and probes.
	Immediate Strategy = "immediate"
	// DataSync wants a fresh read but coalesces identical in-flight calls.
	DataSync Strategy = "data-sync"
	// DataFetch serves bulk reads from cache with the default TTL.
	DataFetch Strategy = "data-fetch"
	// OnDemand serves report-style reads with a short TTL.
	OnDemand Strategy = "on-demand"
	// Scheduled serves background reads with a long TTL.
	Scheduled Strategy = "scheduled"
)

// dedupes reports whether identical in-flight calls share one execution.
// Everything except Immediate does.
func (s Strategy) dedupes() bool { return s != Immediate }

// Config sizes the orchestrator's cache TTLs and retry budget.
type Config struct {
	DataFetchTTL time.Duration // default 60s
	OnDemandTTL  time.Duration // default 15s
	ScheduledTTL time.Duration // default 5m

	// Retry is the backoff schedule for transient failures.
	Retry retry.Policy

	// OverallTimeout bounds one orchestrated call end to end, including
	// rate-limit waits that do not consume the retry budget. A caller
	// deadline that is sooner still wins.
	OverallTimeout time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.DataFetchTTL <= 0 {
		c.DataFetchTTL = 60 * time.Second
	}
	if c.OnDemandTTL <= 0 {
		c.OnDemandTTL = 15 * time.Second
	}
	if c.ScheduledTTL <= 0 {
		c.ScheduledTTL = 5 * time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultPolicy()
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = 5 * time.Minute
	}
	return c
}

// ttl returns the cache lifetime for a strategy; zero means uncached.
func (c Config) ttl(s Strategy) time.Duration {
	switch s {
	case DataFetch:
		return c.DataFetchTTL
	case OnDemand:
		return c.OnDemandTTL
	case Scheduled:
		return c.ScheduledTTL
	}
	return 0
}

// Call identifies one logical external call. Args participate in the cache
// and dedup key, so two calls with equal args are the same call.
type Call struct {
	TenantID  string
	Operation string
	Args      any
	Strategy  Strategy
	Priority  ratelimit.Priority
}

// flight is one in-progress execution that identical callers can join.
// val and err are written before done closes.
type flight struct {
	done chan struct{}
	val  any
	err  error
}

// Orchestrator coordinates caching, dedup and retries for external calls.
type Orchestrator struct {
	cfg   Config
	cache *cache.Cache

	mu       sync.Mutex
	inflight map[string]*flight
}

// New creates an orchestrator over the given result cache.
func New(c *cache.Cache, cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		cache:    c,
		inflight: make(map[string]*flight),
	}
}

// Cache exposes the underlying result cache for invalidation by writers.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// Do runs one orchestrated call. For caching strategies a fresh cache entry
// short-circuits the call; for dedup-eligible strategies an identical
// in-flight call is joined and its result shared. fn is the bound function
// performing the raw call; it must honor ctx.
func (o *Orchestrator) Do(ctx context.Context, call Call, fn func(context.Context) (any, error)) (any, error) {
	if call.TenantID == "" || call.Operation == "" {
		return nil, errs.New(errs.Validation, "orchestrator: tenant id and operation required")
	}

	argsHash := cache.ArgsHash(call.Args)
	ttl := o.cfg.ttl(call.Strategy)

	if ttl > 0 {
		if val, ok := o.cache.Get(call.TenantID, call.Operation, argsHash); ok {
			metrics.CacheHitsTotal.WithLabelValues(call.Operation).Inc()
			metrics.OrchestratorCallsTotal.WithLabelValues(string(call.Strategy), "cache-hit").Inc()
			return val, nil
		}
		metrics.CacheMissesTotal.WithLabelValues(call.Operation).Inc()
	}

	if !call.Strategy.dedupes() {
		return o.execute(ctx, call, fn, 0)
	}

	key := call.TenantID + "\x1f" + call.Operation + "\x1f" + argsHash

	o.mu.Lock()
	if f, ok := o.inflight[key]; ok {
		o.mu.Unlock()
		metrics.DedupJoinedTotal.WithLabelValues(call.Operation).Inc()
		select {
		case <-f.done:
			return f.val, f.err
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Cancelled, "orchestrator."+call.Operation, ctx.Err())
		}
	}
	f := &flight{done: make(chan struct{})}
	o.inflight[key] = f
	o.mu.Unlock()

	val, err := o.execute(ctx, call, fn, ttl)

	f.val, f.err = val, err
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
	close(f.done)

	return val, err
}

// execute runs the retry loop for one leader. Transient failures consume
// the retry budget; rate-limited waits do not. Token-invalid gets exactly
// one extra attempt on top of the transport's own forced refresh.
func (o *Orchestrator) execute(ctx context.Context, call Call, fn func(context.Context) (any, error), ttl time.Duration) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.OverallTimeout)
	defer cancel()

	log := logging.L(ctx)
	attempt := 0
	tokenRetried := false

	for {
		val, err := fn(ctx)
		if err == nil {
			if ttl > 0 {
				o.cache.Put(call.TenantID, call.Operation, cache.ArgsHash(call.Args), val, ttl)
			}
			metrics.OrchestratorCallsTotal.WithLabelValues(string(call.Strategy), "success").Inc()
			return val, nil
		}

		kind := errs.KindOf(err)
		switch kind {
		case errs.RateLimited:
			wait := errs.RetryAfterOf(err)
			if wait <= 0 {
				wait = o.cfg.Retry.DelayFor(0)
			}
			log.Debug("orchestrator waiting out rate limit",
				"operation", call.Operation,
				"tenant_id", call.TenantID,
				"priority", call.Priority.String(),
				"wait", wait)
			if err := sleep(ctx, wait); err != nil {
				return nil, o.fail(call, errs.Wrap(errs.Cancelled, "orchestrator."+call.Operation, err))
			}
			continue // budget untouched

		case errs.TokenInvalid:
			if tokenRetried {
				return nil, o.fail(call, err)
			}
			tokenRetried = true
			continue

		case errs.Transient:
			attempt++
			if attempt >= o.cfg.Retry.MaxAttempts {
				return nil, o.fail(call, err)
			}
			delay := o.cfg.Retry.DelayFor(attempt - 1)
			log.Debug("orchestrator retrying",
				"operation", call.Operation,
				"tenant_id", call.TenantID,
				"attempt", attempt,
				"delay", delay)
			if err := sleep(ctx, delay); err != nil {
				return nil, o.fail(call, errs.Wrap(errs.Cancelled, "orchestrator."+call.Operation, err))
			}
			continue

		default:
			// validation, permanent, credentials-unavailable,
			// invariant-violation, cancelled: surface verbatim.
			return nil, o.fail(call, err)
		}
	}
}

func (o *Orchestrator) fail(call Call, err error) error {
	metrics.OrchestratorCallsTotal.
		WithLabelValues(string(call.Strategy), string(errs.KindOf(err))).Inc()
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes fn through o and returns the typed result. A cached value of
// a different type is an invariant violation, not a silent miss.
func Run[T any](ctx context.Context, o *Orchestrator, call Call, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	val, err := o.Do(ctx, call, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	if val == nil {
		return zero, nil
	}
	out, ok := val.(T)
	if !ok {
		return zero, errs.Errorf(errs.InvariantViolation,
			"orchestrator: %s returned %T", call.Operation, val)
	}
	return out, nil
}
