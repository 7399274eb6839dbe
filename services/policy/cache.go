package policy

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/upb/llm-enforcement-gateway/models"
)

// KeyFor builds the cache key for a request. Verdicts depend on who is
// asking and where, not on per-request identifiers.
func KeyFor(req RequestContext) string {
	return strings.Join([]string{req.ClientIP, req.ClientMAC, req.Endpoint, req.Method, req.Path}, "|")
}

// cacheEntry represents a single cache entry with TTL
type cacheEntry struct {
	key        string
	verdict    models.PolicyVerdict
	insertedAt time.Time
	element    *list.Element // For LRU tracking
}

// VerdictCache is an in-memory LRU cache with TTL for policy verdicts
type VerdictCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lruList *list.List    // Doubly linked list for LRU tracking
	maxSize int           // Maximum number of entries
	ttl     time.Duration // Time-to-live for entries
	now     func() time.Time
	hits    uint64
	misses  uint64
}

// NewVerdictCache creates a new VerdictCache with specified max size and TTL
func NewVerdictCache(maxSize int, ttl time.Duration) *VerdictCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &VerdictCache{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *VerdictCache) isExpired(e *cacheEntry) bool {
	return c.now().Sub(e.insertedAt) > c.ttl
}

// Get returns a cached verdict if present and not expired
func (c *VerdictCache) Get(key string) (models.PolicyVerdict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || c.isExpired(entry) {
		c.misses++
		if exists {
			c.removeEntry(key)
		}
		return models.PolicyVerdict{}, false
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.verdict, true
}

// Set stores a verdict, evicting the least recently used entry when full
func (c *VerdictCache) Set(key string, verdict models.PolicyVerdict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists {
		entry.verdict = verdict
		entry.insertedAt = c.now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		key:        key,
		verdict:    verdict,
		insertedAt: c.now(),
	}
	entry.element = c.lruList.PushFront(key)
	c.entries[key] = entry
}

// InvalidateClient removes all entries for a client address
func (c *VerdictCache) InvalidateClient(clientIP string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := clientIP + "|"
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeEntry(key)
			removed++
		}
	}
	return removed
}

// Clear removes all entries from the cache
func (c *VerdictCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.lruList.Init()
}

// Stats returns cache statistics
func (c *VerdictCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hitRate float64
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: hitRate,
	}
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// removeEntry removes an entry (must be called with lock held)
func (c *VerdictCache) removeEntry(key string) {
	if entry, exists := c.entries[key]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, key)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *VerdictCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	c.removeEntry(back.Value.(string))
}

// CleanupExpired removes all expired entries and returns how many were removed
func (c *VerdictCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if c.isExpired(entry) {
			c.removeEntry(key)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically removes expired entries until stopCh closes
func (c *VerdictCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}
