package repository

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cache key prefixes, one per cached concern
const (
	cacheKeyRuleSet      = "ruleset"  // current rule-set snapshot
	cacheKeyItemPrefix   = "item:"    // recent content items by id
	cacheKeyBucketPrefix = "buckets:" // metric buckets by subject
)

// Cache is a bounded in-memory layer fronting hot reads. Entries are
// invalidated synchronously on the corresponding write's commit, so a read
// is never served stale beyond one commit. Safe for concurrent use.
type Cache struct {
	lru *lru.Cache[string, any]
}

// NewCache creates a bounded cache with the given entry capacity
func NewCache(size int) (*Cache, error) {
	l, err := lru.New[string, any](size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

// Get returns a cached value and whether it was present
func (c *Cache) Get(key string) (any, bool) {
	return c.lru.Get(key)
}

// Set stores a value, evicting the least recently used entry when full
func (c *Cache) Set(key string, value any) {
	c.lru.Add(key, value)
}

// Invalidate drops the given keys
func (c *Cache) Invalidate(keys ...string) {
	for _, k := range keys {
		c.lru.Remove(k)
	}
}

// InvalidatePrefix drops every key under the prefix. The cache is bounded,
// so the key scan is cheap.
func (c *Cache) InvalidatePrefix(prefix string) {
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
}

// Purge drops everything, used on recovery
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	return c.lru.Len()
}
