// Package cache provides the TTL result cache keyed by deterministic
// filter+budget digests.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/rs/zerolog"
)

// DefaultTTL matches the product's one-hour result retention.
const DefaultTTL = time.Hour

// ValidateFunc checks a cached payload for structural soundness before
// it is served. A non-nil return marks the entry corrupt.
type ValidateFunc func(payload []byte) error

// ComputeFunc produces a fresh payload on cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Cache is an in-memory TTL cache. Payloads are snappy-compressed at
// rest so large analysis results stay cheap to retain.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	fillMu    sync.Mutex
	fillLocks map[string]*fillLock

	defaultTTL time.Duration
	log        zerolog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	compressed []byte
	expiresAt  time.Time
}

// fillLock serializes concurrent fills of one key. refs counts the
// callers holding or waiting on it; the lock leaves the map when the
// last one releases, so the map stays bounded by in-flight fills rather
// than growing with every key ever computed.
type fillLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a cache with the given default TTL (DefaultTTL when <= 0).
func New(defaultTTL time.Duration, log zerolog.Logger) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Cache{
		entries:    make(map[string]*entry),
		fillLocks:  make(map[string]*fillLock),
		defaultTTL: defaultTTL,
		log:        log,
	}
}

// Get returns the payload for key. Expired entries are treated as
// misses and dropped; undecodable entries are dropped as corrupt.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.Invalidate(key)
		c.misses.Add(1)
		return nil, false
	}

	payload, err := snappy.Decode(nil, e.compressed)
	if err != nil {
		c.log.Warn().Str("key", key).Err(err).Msg("cache entry undecodable, evicting")
		c.Invalidate(key)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return payload, true
}

// Put stores a payload under key. ttl <= 0 selects the default TTL.
func (c *Cache) Put(key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	e := &entry{
		compressed: snappy.Encode(nil, payload),
		expiresAt:  time.Now().Add(ttl),
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Invalidate removes key from the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()
	if ok {
		c.evictions.Add(1)
	}
}

// GetOrCompute returns the cached payload for key, recomputing it on
// miss. A hit is validated first; corruption evicts the entry and falls
// through to recompute, invisible to the caller. Concurrent misses for
// the same key serialize on a per-key fill lock so the computation runs
// once.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, validate ValidateFunc, compute ComputeFunc) ([]byte, error) {
	if payload, ok := c.getValidated(key, validate); ok {
		return payload, nil
	}

	lock := c.acquireFillLock(key)
	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		c.releaseFillLock(key, lock)
	}()

	// Another caller may have filled the entry while we waited.
	if payload, ok := c.getValidated(key, validate); ok {
		return payload, nil
	}

	payload, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	c.Put(key, payload, ttl)
	return payload, nil
}

// getValidated is Get plus validate-on-hit with corruption eviction.
func (c *Cache) getValidated(key string, validate ValidateFunc) ([]byte, bool) {
	payload, ok := c.Get(key)
	if !ok {
		return nil, false
	}
	if validate != nil {
		if err := validate(payload); err != nil {
			c.log.Warn().Str("key", key).Err(err).Msg("cache entry failed validation, evicting")
			c.Invalidate(key)
			return nil, false
		}
	}
	return payload, true
}

// acquireFillLock returns the per-key fill lock, creating it on first
// use.
func (c *Cache) acquireFillLock(key string) *fillLock {
	c.fillMu.Lock()
	defer c.fillMu.Unlock()

	lock, ok := c.fillLocks[key]
	if !ok {
		lock = &fillLock{}
		c.fillLocks[key] = lock
	}
	lock.refs++
	return lock
}

// releaseFillLock drops the caller's reference, removing the lock from
// the map when no one else holds or waits on it.
func (c *Cache) releaseFillLock(key string, lock *fillLock) {
	c.fillMu.Lock()
	defer c.fillMu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(c.fillLocks, key)
	}
}

// Sweep drops expired entries. Callers run it periodically; expiry is
// also enforced lazily on Get.
func (c *Cache) Sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			c.evictions.Add(1)
		}
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Len returns the number of live entries, expired included until swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}
