package gateway

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/dispatchd/internal/llm"
)

// CacheKey is a deterministic digest of model, messages, sampling parameters
// and the completion token limit.
func CacheKey(model string, messages []llm.Message, sampling llm.Sampling, tokenLimit int) string {
	payload, _ := json.Marshal(struct {
		Model      string        `json:"model"`
		Messages   []llm.Message `json:"messages"`
		Sampling   llm.Sampling  `json:"sampling"`
		TokenLimit int           `json:"token_limit"`
	}{model, messages, sampling, tokenLimit})
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	resp     llm.Response
	storedAt time.Time
}

// Cache is a TTL response cache. When full, the oldest entry is evicted.
type Cache struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &Cache{
		ttl:     ttl,
		max:     maxEntries,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns a fresh entry. Expired entries are dropped on read.
func (c *Cache) Get(key string) (llm.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return llm.Response{}, false
	}
	if c.expiredLocked(e) {
		delete(c.entries, key)
		return llm.Response{}, false
	}
	return e.resp, true
}

func (c *Cache) Put(key string, resp llm.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.max {
		c.pruneLocked()
		if len(c.entries) >= c.max {
			c.evictOldestLocked()
		}
	}
	c.entries[key] = cacheEntry{resp: resp, storedAt: c.now()}
}

// Prune removes expired entries and returns how many were dropped.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expiredLocked(e cacheEntry) bool {
	return c.ttl > 0 && c.now().Sub(e.storedAt) >= c.ttl
}

func (c *Cache) pruneLocked() int {
	n := 0
	for k, e := range c.entries {
		if c.expiredLocked(e) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
