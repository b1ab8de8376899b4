package session

import (
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of simultaneously open stores when the
// caller does not choose a size.
const DefaultCacheSize = 256

// Cache hands out session stores keyed by (mode, session ID, path).
// Lookups with an equal key return the same store handle, so every worker
// resolved for a session shares one history. Evicted stores are closed;
// a file-backed store reopens from disk on the next lookup with its key.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[Key, Store]
}

// NewCache creates a store cache holding at most maxEntries open stores.
// Values <= 0 fall back to DefaultCacheSize.
func NewCache(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheSize
	}
	cache, err := lru.NewWithEvict(maxEntries, func(key Key, store Store) {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close evicted session store",
				"session_id", key.SessionID,
				"path", key.Path,
				"error", err)
		}
	})
	if err != nil {
		// lru.NewWithEvict only errors on a non-positive size, which the
		// guard above rules out.
		panic(err)
	}
	return &Cache{lru: cache}
}

// Get returns the store for key, opening a new one when none is cached.
func (c *Cache) Get(key Key) (Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if store, ok := c.lru.Get(key); ok {
		return store, nil
	}

	store, err := open(key)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, store)
	return store, nil
}

// open creates a fresh store for key.
func open(key Key) (Store, error) {
	switch key.Mode {
	case ModeMemory:
		return NewMemoryStore(key.SessionID), nil
	case ModeFile:
		return NewSQLiteStore(key.SessionID, key.Path)
	case ModePostgres:
		return NewPostgresStore(key.SessionID, key.Path)
	default:
		return nil, fmt.Errorf("unknown session persistence mode %q", key.Mode)
	}
}

// Len reports the number of cached stores.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear closes every cached store and empties the cache. Close failures are
// logged by the eviction callback, not returned: clearing always leaves an
// empty cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
