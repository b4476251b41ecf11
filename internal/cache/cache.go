// Package cache holds the resolution cache: a Redis projection of link data
// sized to serve a redirect without touching Postgres. Entries are populated
// and invalidated by the service (cache-aside); nothing here is a source of
// truth, and every failure degrades to a miss.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"shortlinker/internal/model"
)

const (
	entryKeyPrefix  = "link:"
	uniqueKeyPrefix = "uniq:"

	// DefaultTTL bounds staleness of cached entries.
	DefaultTTL = time.Hour
	// DefaultOpTimeout bounds each Redis round trip; a slow cache must not
	// slow the redirect path, it just becomes a miss.
	DefaultOpTimeout = 250 * time.Millisecond
)

type Cache struct {
	client  *redis.Client // may be nil: every Get misses, writes are no-ops
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl, timeout: DefaultOpTimeout, logger: logger}
}

// Get returns the cached entry for code, or (nil, false) on miss. Errors and
// timeouts count as misses; the caller falls through to the store either way.
func (c *Cache) Get(ctx context.Context, code string) (*model.CacheEntry, bool) {
	if c.client == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Get(ctx, entryKeyPrefix+code).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache get failed", "code", code, "error", err)
		}
		return nil, false
	}
	var entry model.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		c.logger.Warn("cache entry corrupt, dropping", "code", code, "error", err)
		_ = c.client.Del(ctx, entryKeyPrefix+code).Err()
		return nil, false
	}
	return &entry, true
}

// Put stores the entry under its code with the configured TTL. Best effort:
// a failed put only costs the next reader a store round trip.
func (c *Cache) Put(ctx context.Context, code string, entry *model.CacheEntry) {
	if c.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("cache entry marshal failed", "code", code, "error", err)
		return
	}
	if err := c.client.Set(ctx, entryKeyPrefix+code, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache put failed", "code", code, "error", err)
	}
}

// Invalidate removes the entry for code. Unlike Put this returns the error:
// policy writes must not be acknowledged while a stale entry may survive.
func (c *Cache) Invalidate(ctx context.Context, code string) error {
	if c.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, entryKeyPrefix+code).Err(); err != nil {
		return err
	}
	return nil
}

// FirstSeen reports whether this visitor fingerprint is new for the link
// today. Membership lives in a per-link per-day Redis set that expires at the
// next UTC midnight. On any error the visitor counts as already seen, so
// unique counts never inflate when Redis is degraded.
func (c *Cache) FirstSeen(ctx context.Context, linkID, fingerprint string, at time.Time) bool {
	if c.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	day := at.UTC()
	key := uniqueKeyPrefix + linkID + ":" + day.Format("20060102")
	added, err := c.client.SAdd(ctx, key, fingerprint).Result()
	if err != nil {
		c.logger.Warn("unique-visitor check failed", "link_id", linkID, "error", err)
		return false
	}
	if added > 0 {
		midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		if err := c.client.ExpireAt(ctx, key, midnight).Err(); err != nil {
			c.logger.Warn("unique-visitor ttl failed", "key", key, "error", err)
		}
	}
	return added > 0
}
