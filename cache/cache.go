// Package cache implements the process-wide, best-effort two-tier cache
// (§4.1): a bounded in-process map with TTL backed, when configured, by a
// Redis distributed tier. When the local tier is full it evicts an
// arbitrary entry; it keeps no least-recently-used order. Distributed-tier failures degrade silently to the
// local tier; local-tier failures propagate as Cache errors (§7).
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/r3e-forks/data-core/common"
	"github.com/r3e-forks/data-core/db/repository"
	"github.com/r3e-forks/data-core/errs"
)

// entry is one local-tier cache slot. expiresAt is zero for non-expiring
// entries (ttl=0).
type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// localStore is a bounded, TTL-aware map guarded by a mutex. A background
// goroutine sweeps expired entries on cleanupInterval so a cache that
// receives no reads still releases memory for keys nobody ever collects.
type localStore struct {
	mu              sync.RWMutex
	entries         map[string]entry
	maxSize         int
	cleanupInterval time.Duration
}

func newLocalStore(maxSize int, cleanupInterval time.Duration) *localStore {
	if maxSize <= 0 {
		maxSize = 1000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	s := &localStore{
		entries:         make(map[string]entry),
		maxSize:         maxSize,
		cleanupInterval: cleanupInterval,
	}
	go s.startCleanup()
	return s
}

func (s *localStore) startCleanup() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for range ticker.C {
		s.sweep()
	}
}

func (s *localStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
}

func (s *localStore) get(key string) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if ok && e.expired(time.Now()) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, ok
}

// add evicts an arbitrary entry when at capacity. The eviction has no
// recency ordering; callers that need LRU precision should size maxSize
// generously relative to their working set instead.
func (s *localStore) add(key string, e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxSize {
		for k := range s.entries {
			delete(s.entries, k)
			break
		}
	}
	s.entries[key] = e
}

func (s *localStore) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *localStore) removeByPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key := range s.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *localStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]entry)
}

// Cache is the manager described in §4.1. It is safe for concurrent use.
type Cache struct {
	local      *localStore
	defaultTTL time.Duration
	distrib    repository.CacheRepository
	enabled    bool
	log        *common.ContextLogger
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithDistributed wires a Redis-backed second tier. Without this option
// the cache operates purely in-process.
func WithDistributed(d repository.CacheRepository) Option {
	return func(c *Cache) { c.distrib = d }
}

// WithLogger attaches a logger used to report (never propagate)
// distributed-tier failures.
func WithLogger(log *common.ContextLogger) Option {
	return func(c *Cache) { c.log = log }
}

// New builds a Cache with the given local capacity. defaultTTL is stored
// on the Cache, but Set applies only the ttl it is passed. enabled=false makes every operation a no-op returning empty results,
// per §4.1.
func New(maxSize int, defaultTTL time.Duration, enabled bool, opts ...Option) (*Cache, error) {
	c := &Cache{
		local:      newLocalStore(maxSize, 10*time.Minute),
		defaultTTL: defaultTTL,
		enabled:    enabled,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get decodes the cached value for key into dst. It reports false when the
// entry is missing or expired. Expired local entries are evicted
// opportunistically.
func (c *Cache) Get(ctx context.Context, key string, dst interface{}) (bool, error) {
	if !c.enabled {
		return false, nil
	}

	if c.distrib != nil {
		if err := c.distrib.GetCache(ctx, key, dst); err == nil {
			return true, nil
		} else if c.log != nil {
			c.log.WithError(err).Debug("distributed cache miss or error, falling back to local tier")
		}
	}

	raw, ok := c.local.get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw.value, dst); err != nil {
		return false, errs.Cache(err)
	}
	return true, nil
}

// Set writes value to both tiers. ttl=0 creates a non-expiring local
// entry; the distributed tier is given the same TTL (Redis treats 0 as
// "no expiry" for our SetCache wrapper).
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errs.Cache(err)
	}

	e := entry{value: data}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	c.local.add(key, e)

	if c.distrib != nil {
		if err := c.distrib.SetCache(ctx, key, value, ttl); err != nil && c.log != nil {
			c.log.WithError(err).Debug("distributed cache set failed, local tier still written")
		}
	}
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.enabled {
		return nil
	}
	c.local.remove(key)

	if c.distrib != nil {
		if err := c.distrib.DeleteCache(ctx, key); err != nil && c.log != nil {
			c.log.WithError(err).Debug("distributed cache delete failed")
		}
	}
	return nil
}

// DeleteByPrefix removes every entry whose key starts with prefix from
// both tiers and returns the number removed from the local tier (the
// distributed count, if any, is logged but not merged in since the two
// tiers may diverge).
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	if !c.enabled {
		return 0, nil
	}

	removed := c.local.removeByPrefix(prefix)

	if c.distrib != nil {
		if n, err := c.distrib.DeleteCacheByPrefix(ctx, prefix); err != nil && c.log != nil {
			c.log.WithError(err).Debug("distributed prefix delete failed")
		} else if c.log != nil {
			c.log.WithField("distributed_removed", n).Debug("prefix deletion reconciled across tiers")
		}
	}
	return removed, nil
}

// Clear empties the local tier. The distributed tier is left untouched —
// it is shared across processes and a blanket clear there would be an
// unscoped operation this cache never needs.
func (c *Cache) Clear() {
	if !c.enabled {
		return
	}
	c.local.clear()
}

// Cache key prefixes (§3.7).
const (
	PrefixRole              = "role:"
	PrefixUserRoles         = "user_roles:"
	PrefixUserPermissions   = "user_permissions:"
	PrefixAPIKeyPermissions = "api_key_permissions:"
	PrefixEntityDefinition  = "entity_def:"
	PrefixSettings          = "settings:"
)
