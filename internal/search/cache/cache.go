// Package cache memoizes in-flight and recent searches keyed by request
// fingerprint so identical concurrent requests reuse one backend search.
// The cache is best-effort: no operation here may fail a search.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/matchclient/internal/search/domain"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 10

	defaultSweepInterval = time.Minute

	freshInterval   = 2 * time.Second
	recentInterval  = 5 * time.Second
	defaultInterval = 10 * time.Second

	freshAge  = 30 * time.Second
	recentAge = 2 * time.Minute
)

// Entry is one memoized search.
type Entry struct {
	SearchID    string
	Fingerprint domain.Fingerprint
	CreatedAt   time.Time
	TTL         time.Duration
}

// Store is what the orchestrator consumes. Implementations are best-effort
// and never return errors; a failing backend must look like a miss.
type Store interface {
	Lookup(ctx context.Context, fp domain.Fingerprint) (Entry, bool)
	Store(ctx context.Context, searchID string, fp domain.Fingerprint, ttl time.Duration)
	Invalidate(ctx context.Context, searchID string)
	OptimalPollingInterval(ctx context.Context, fp domain.Fingerprint) time.Duration
}

// Config tunes the in-memory cache.
type Config struct {
	Capacity      int
	TTL           time.Duration
	SweepInterval time.Duration
}

// Cache is the in-memory Store. At most one entry per fingerprint; oldest
// entry is evicted when capacity is reached.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry

	capacity int
	ttl      time.Duration
	sweep    time.Duration
	clock    domain.Clock
	logger   *zap.Logger
}

// New constructs a Cache, filling defaults for zero-value config fields.
func New(cfg Config, clock domain.Clock, logger *zap.Logger) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries:  make(map[string]*Entry),
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		sweep:    cfg.SweepInterval,
		clock:    clock,
		logger:   logger,
	}
}

// Lookup returns the cached entry for fp. Expired entries are removed on
// read and reported as misses.
func (c *Cache) Lookup(_ context.Context, fp domain.Fingerprint) (Entry, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fp.Key()]
	if !ok {
		cacheMisses.Inc()
		return Entry{}, false
	}
	if now.Sub(entry.CreatedAt) > entry.TTL {
		delete(c.entries, fp.Key())
		cacheMisses.Inc()
		return Entry{}, false
	}
	cacheHits.Inc()
	return *entry, true
}

// Store memoizes a started search. A zero ttl uses the configured default.
func (c *Cache) Store(_ context.Context, searchID string, fp domain.Fingerprint, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[fp.Key()]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[fp.Key()] = &Entry{
		SearchID:    searchID,
		Fingerprint: fp,
		CreatedAt:   now,
		TTL:         ttl,
	}
}

// Invalidate removes every entry carrying searchID, whatever its
// fingerprint. Called when a search reaches a terminal state so a dead
// search is never handed out again.
func (c *Cache) Invalidate(_ context.Context, searchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.SearchID == searchID {
			delete(c.entries, key)
		}
	}
}

// OptimalPollingInterval shortens the poll period for fresh cache entries
// and decays back to the default as the entry ages. Pure function of age.
func (c *Cache) OptimalPollingInterval(_ context.Context, fp domain.Fingerprint) time.Duration {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fp.Key()]
	if !ok || now.Sub(entry.CreatedAt) > entry.TTL {
		return defaultInterval
	}
	return intervalForAge(now.Sub(entry.CreatedAt))
}

// Run sweeps expired entries on a fixed period until ctx is cancelled, so
// memory stays bounded even without lookups.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := c.Sweep()
			if removed > 0 {
				c.logger.Debug("swept expired search entries", zap.Int("removed", removed))
			}
		}
	}
}

// Sweep removes expired entries immediately and reports how many were
// dropped. Normally driven by Run.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.CreatedAt) > entry.TTL {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.CreatedAt.Before(oldest) {
			oldestKey = key
			oldest = entry.CreatedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		cacheEvictions.Inc()
	}
}

func intervalForAge(age time.Duration) time.Duration {
	switch {
	case age <= freshAge:
		return freshInterval
	case age <= recentAge:
		return recentInterval
	default:
		return defaultInterval
	}
}
