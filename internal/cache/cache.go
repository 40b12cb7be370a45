// Package cache memoizes matcher lookups so repeated failures with
// identical error text skip the store scan.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Result is a cached match outcome. Matched=false entries are cached too:
// a repeatedly unmatched error should not rescan the store every retry.
type Result struct {
	SkillID int64 `json:"skill_id"`
	Matched bool  `json:"matched"`
}

// Backend is the storage interface for the match cache.
type Backend interface {
	Get(ctx context.Context, key string) (Result, bool)
	Set(ctx context.Context, key string, res Result, ttl time.Duration) error
	Clear(ctx context.Context)
}

// Stats tracks cache performance.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Cache wraps a backend with key hashing and hit/miss accounting.
type Cache struct {
	backend Backend
	ttl     time.Duration

	mu    sync.Mutex
	stats Stats
}

// New creates a cache over the given backend.
func New(backend Backend, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{backend: backend, ttl: ttl}
}

// Key derives a stable cache key from raw error text.
func Key(errorText string) string {
	sum := sha256.Sum256([]byte(errorText))
	return "match:" + hex.EncodeToString(sum[:16])
}

// Get returns the cached result for errorText, if present.
func (c *Cache) Get(ctx context.Context, errorText string) (Result, bool) {
	res, ok := c.backend.Get(ctx, Key(errorText))
	c.mu.Lock()
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()
	return res, ok
}

// Set stores a match result for errorText.
func (c *Cache) Set(ctx context.Context, errorText string, res Result) {
	// Backend write failures are non-fatal; the next lookup just misses.
	_ = c.backend.Set(ctx, Key(errorText), res, c.ttl)
}

// Clear drops all cached results. Called whenever the skill set changes,
// since a new skill can change what any error text matches.
func (c *Cache) Clear(ctx context.Context) {
	c.backend.Clear(ctx)
}

// Stats returns a snapshot of hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// memoryBackend is the default in-process backend.
type memoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	maxSize int
}

type memoryEntry struct {
	res       Result
	expiresAt time.Time
}

// NewMemoryBackend creates an in-memory backend holding at most maxSize
// entries. When full, expired entries are evicted first; if none are
// expired the write is dropped rather than evicting live entries.
func NewMemoryBackend(maxSize int) Backend {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &memoryBackend{
		entries: make(map[string]memoryEntry),
		maxSize: maxSize,
	}
}

func (m *memoryBackend) Get(ctx context.Context, key string) (Result, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return Result{}, false
	}
	return entry.res, true
}

func (m *memoryBackend) Set(ctx context.Context, key string, res Result, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= m.maxSize {
		now := time.Now()
		for k, e := range m.entries {
			if now.After(e.expiresAt) {
				delete(m.entries, k)
			}
		}
		if len(m.entries) >= m.maxSize {
			return nil
		}
	}

	m.entries[key] = memoryEntry{res: res, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *memoryBackend) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry)
}
