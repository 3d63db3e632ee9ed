package storage

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/yunfeilu92/openclaw/pkg/metrics"
)

// cacheEntry records a loaded value together with the file mtime it was
// loaded from. An entry is valid only while the on-disk mtime still matches
// and the TTL has not elapsed.
type cacheEntry struct {
	value    any
	loadedAt time.Time
	mtimeMs  int64
}

// valueCache is a per-backend-instance value cache. Values cross the cache
// boundary as deep clones in both directions so callers can never alias
// cached state.
type valueCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newValueCache(ttl time.Duration) *valueCache {
	return &valueCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// get returns the cached value for key if it is still valid against mtimeMs.
func (c *valueCache) get(key string, mtimeMs int64) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	if time.Since(e.loadedAt) > c.ttl || e.mtimeMs != mtimeMs {
		delete(c.entries, key)
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	return cloneValue(e.value), true
}

// put stores a deep clone of value against key.
func (c *valueCache) put(key string, value any, mtimeMs int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		value:    cloneValue(value),
		loadedAt: time.Now(),
		mtimeMs:  mtimeMs,
	}
}

// invalidate drops the entry for key.
func (c *valueCache) invalidate(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// cloneValue deep-clones a JSON-shaped value via a marshal round trip.
// Unmarshalable values (which Set would reject anyway) pass through as-is.
func cloneValue(v any) any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case string, bool, float64, int, int64:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
