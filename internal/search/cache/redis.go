package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/matchclient/internal/search/domain"
)

const defaultSharedPrefix = "matchclient:search:"

// SharedCache is a Redis-backed Store letting several agent instances dedupe
// searches against the same backend. Every failure degrades to a miss; Redis
// being down must never fail a search.
type SharedCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	clock  domain.Clock
	logger *zap.Logger
}

// NewSharedCache constructs the Redis Store.
func NewSharedCache(client redis.Cmdable, prefix string, ttl time.Duration, logger *zap.Logger) *SharedCache {
	if prefix == "" {
		prefix = defaultSharedPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SharedCache{client: client, prefix: prefix, ttl: ttl, clock: domain.SystemClock{}, logger: logger}
}

type sharedEntry struct {
	SearchID  string    `json:"searchId"`
	CreatedAt time.Time `json:"createdAt"`
	TTLMillis int64     `json:"ttlMs"`
}

// Lookup fetches the entry for fp. Expiry is enforced by the Redis key TTL.
func (s *SharedCache) Lookup(ctx context.Context, fp domain.Fingerprint) (Entry, bool) {
	raw, err := s.client.Get(ctx, s.fpKey(fp)).Bytes()
	if err == redis.Nil {
		cacheMisses.Inc()
		return Entry{}, false
	}
	if err != nil {
		s.logger.Warn("shared cache lookup failed", zap.Error(err))
		cacheMisses.Inc()
		return Entry{}, false
	}
	var stored sharedEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		s.logger.Warn("shared cache entry corrupt", zap.Error(err))
		cacheMisses.Inc()
		return Entry{}, false
	}
	cacheHits.Inc()
	return Entry{
		SearchID:    stored.SearchID,
		Fingerprint: fp,
		CreatedAt:   stored.CreatedAt,
		TTL:         time.Duration(stored.TTLMillis) * time.Millisecond,
	}, true
}

// Store writes the entry under the fingerprint key and a reverse index under
// the search id so Invalidate can find it later. SET NX keeps the first
// writer's entry when two instances race (one entry per fingerprint).
func (s *SharedCache) Store(ctx context.Context, searchID string, fp domain.Fingerprint, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	payload, err := json.Marshal(sharedEntry{
		SearchID:  searchID,
		CreatedAt: s.clock.Now(),
		TTLMillis: ttl.Milliseconds(),
	})
	if err != nil {
		s.logger.Warn("shared cache marshal failed", zap.Error(err))
		return
	}
	set, err := s.client.SetNX(ctx, s.fpKey(fp), payload, ttl).Result()
	if err != nil {
		s.logger.Warn("shared cache store failed", zap.Error(err))
		return
	}
	// The reverse index belongs to whoever won the fingerprint key. A loser
	// writing it could later invalidate the winner's live entry.
	if !set {
		return
	}
	if err := s.client.Set(ctx, s.sidKey(searchID), fp.Key(), ttl).Err(); err != nil {
		s.logger.Warn("shared cache reverse index failed", zap.Error(err))
	}
}

// Invalidate drops the entry for searchID via the reverse index.
func (s *SharedCache) Invalidate(ctx context.Context, searchID string) {
	fpKey, err := s.client.Get(ctx, s.sidKey(searchID)).Result()
	if err == redis.Nil {
		return
	}
	if err != nil {
		s.logger.Warn("shared cache invalidate lookup failed", zap.Error(err))
		return
	}
	if err := s.client.Del(ctx, s.prefix+"fp:"+fpKey, s.sidKey(searchID)).Err(); err != nil {
		s.logger.Warn("shared cache invalidate failed", zap.Error(err))
	}
}

// OptimalPollingInterval mirrors the in-memory policy using the stored
// creation time.
func (s *SharedCache) OptimalPollingInterval(ctx context.Context, fp domain.Fingerprint) time.Duration {
	entry, ok := s.Lookup(ctx, fp)
	if !ok {
		return defaultInterval
	}
	return intervalForAge(s.clock.Now().Sub(entry.CreatedAt))
}

func (s *SharedCache) fpKey(fp domain.Fingerprint) string { return s.prefix + "fp:" + fp.Key() }

func (s *SharedCache) sidKey(searchID string) string { return s.prefix + "sid:" + searchID }
