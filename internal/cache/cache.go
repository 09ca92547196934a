// Package cache provides the TTL read cache in front of external ledger
// fetches. Entries are keyed by tenant, operation, and an argument hash, so
// identical reads within a freshness window are answered locally without
// spending rate budget.
package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/runwayly/ledgersync/internal/metrics"
)

const sep = "\x1f"

// Stats reports per-tenant cache effectiveness.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Entries       int   `json:"entries"`
	Invalidations int64 `json:"invalidations"`
}

type entry struct {
	value     any
	expiresAt time.Time
}

type tenantStats struct {
	mu            sync.Mutex
	hits          int64
	misses        int64
	invalidations int64
}

// Cache is safe for concurrent use. Reads are lock-free; stats and sweeping
// take narrow locks.
type Cache struct {
	entries sync.Map // string -> *entry

	statsMu sync.Mutex
	stats   map[string]*tenantStats

	stop chan struct{}
	once sync.Once
}

// New creates a cache and starts its expiry sweeper.
func New() *Cache {
	c := &Cache{
		stats: make(map[string]*tenantStats),
		stop:  make(chan struct{}),
	}
	go c.sweep()
	return c
}

// ArgsHash produces a stable hash of an operation's arguments. Arguments are
// serialized to JSON (map keys sorted by encoding/json) and hashed with
// FNV-64a. Two calls with equal arguments always produce equal hashes within
// a process lifetime.
func ArgsHash(args any) string {
	b, err := json.Marshal(args)
	if err != nil {
		// Unserializable arguments cannot be deduplicated; make the key unique.
		return fmt.Sprintf("nohash-%d", time.Now().UnixNano())
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmt.Sprintf("%016x", h.Sum64())
}

func key(tenant, op, argsHash string) string {
	return tenant + sep + op + sep + argsHash
}

// Get returns the cached value for (tenant, op, argsHash) if present and
// fresh. Expired entries are removed and counted as misses.
func (c *Cache) Get(tenant, op, argsHash string) (any, bool) {
	k := key(tenant, op, argsHash)
	v, ok := c.entries.Load(k)
	if ok {
		e := v.(*entry)
		if time.Now().Before(e.expiresAt) {
			c.tenant(tenant).hit()
			metrics.CacheHitsTotal.WithLabelValues(op).Inc()
			return e.value, true
		}
		c.entries.Delete(k)
	}
	c.tenant(tenant).miss()
	metrics.CacheMissesTotal.WithLabelValues(op).Inc()
	return nil, false
}

// Put stores value for ttl. Non-positive TTLs store nothing.
func (c *Cache) Put(tenant, op, argsHash string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.entries.Store(key(tenant, op, argsHash), &entry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
}

// Invalidate removes every cached read for tenant and returns the count.
func (c *Cache) Invalidate(tenant string) int {
	return c.invalidatePrefix(tenant, tenant+sep)
}

// InvalidateOperation removes cached reads for one operation of a tenant.
func (c *Cache) InvalidateOperation(tenant, op string) int {
	return c.invalidatePrefix(tenant, tenant+sep+op+sep)
}

func (c *Cache) invalidatePrefix(tenant, prefix string) int {
	n := 0
	c.entries.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			c.entries.Delete(k)
			n++
		}
		return true
	})
	if n > 0 {
		c.tenant(tenant).invalidated(int64(n))
	}
	return n
}

// Stats returns the counters for one tenant.
func (c *Cache) Stats(tenant string) Stats {
	ts := c.tenant(tenant)
	ts.mu.Lock()
	s := Stats{Hits: ts.hits, Misses: ts.misses, Invalidations: ts.invalidations}
	ts.mu.Unlock()

	prefix := tenant + sep
	c.entries.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			s.Entries++
		}
		return true
	})
	return s
}

// StatsAll returns counters for every tenant seen since startup.
func (c *Cache) StatsAll() map[string]Stats {
	c.statsMu.Lock()
	tenants := make([]string, 0, len(c.stats))
	for t := range c.stats {
		tenants = append(tenants, t)
	}
	c.statsMu.Unlock()

	out := make(map[string]Stats, len(tenants))
	for _, t := range tenants {
		out[t] = c.Stats(t)
	}
	return out
}

// Stop stops the sweeper goroutine.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.entries.Range(func(k, v any) bool {
				if now.After(v.(*entry).expiresAt) {
					c.entries.Delete(k)
				}
				return true
			})
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) tenant(t string) *tenantStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	ts, ok := c.stats[t]
	if !ok {
		ts = &tenantStats{}
		c.stats[t] = ts
	}
	return ts
}

func (ts *tenantStats) hit() {
	ts.mu.Lock()
	ts.hits++
	ts.mu.Unlock()
}

func (ts *tenantStats) miss() {
	ts.mu.Lock()
	ts.misses++
	ts.mu.Unlock()
}

func (ts *tenantStats) invalidated(n int64) {
	ts.mu.Lock()
	ts.invalidations += n
	ts.mu.Unlock()
}
