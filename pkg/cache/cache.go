// Package cache provides the orchestration result cache: a TTL-bounded LRU
// keyed by (orchestrator, normalized query, expert set), with single-flight
// builds so concurrent requests for the same key share one orchestration.
package cache

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/mosaic-ai/mosaic/pkg/trace"
)

// Defaults applied when the constructor receives zero values.
const (
	DefaultMaxEntries = 256
	DefaultTTL        = 15 * time.Minute
)

// Key identifies one cacheable orchestration result. Construct keys through
// NewKey so equal requests compare equal regardless of query spacing, query
// casing, or expert order.
type Key struct {
	Orchestrator string
	Query        string
	Experts      string
}

// NewKey canonicalizes the inputs: the query is trimmed and case-folded and
// the expert set is sorted before joining.
func NewKey(orchestrator, query string, expertIDs []string) Key {
	ids := append([]string(nil), expertIDs...)
	sort.Strings(ids)
	return Key{
		Orchestrator: orchestrator,
		Query:        strings.ToLower(strings.TrimSpace(query)),
		Experts:      strings.Join(ids, ","),
	}
}

// String returns the flight-group form of the key. The NUL separator cannot
// appear in orchestrator tags or expert IDs, so distinct keys never collide.
func (k Key) String() string {
	return k.Orchestrator + "\x00" + k.Experts + "\x00" + k.Query
}

// Entry is one cached orchestration result. Entries are immutable after
// construction: the trace is snapshotted and the expert list copied, so
// later mutations by the producing run cannot leak into the cache.
type Entry struct {
	Answer      string
	Trace       *trace.Trace
	ExpertsUsed []string
	CreatedAt   time.Time
}

// NewEntry builds an immutable cache entry from a finished run.
func NewEntry(answer string, tr *trace.Trace, expertsUsed []string) *Entry {
	var snap *trace.Trace
	if tr != nil {
		snap = tr.Snapshot()
	}
	return &Entry{
		Answer:      answer,
		Trace:       snap,
		ExpertsUsed: append([]string(nil), expertsUsed...),
		CreatedAt:   time.Now(),
	}
}

// Cache is a TTL'd LRU of orchestration results. All methods are safe for
// concurrent use. A nil *Cache is valid and never caches: GetOrBuild on a
// nil receiver simply invokes the build, which is how a disabled cache is
// wired.
type Cache struct {
	lru   *expirable.LRU[Key, *Entry]
	group singleflight.Group
}

// New creates a result cache bounded to maxEntries with the given TTL.
// Non-positive values fall back to the package defaults.
func New(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		lru: expirable.NewLRU[Key, *Entry](maxEntries, nil, ttl),
	}
}

type flightResult struct {
	entry *Entry
	hit   bool
}

// GetOrBuild returns the entry for key, invoking build on a miss. At most
// one build per key runs at a time: concurrent callers for the same key wait
// for the in-flight build and share its result instead of starting a
// duplicate. A failed build is not cached and every waiter receives the raw
// build error. The boolean reports whether the entry came from the cache
// rather than a build performed during this call.
func (c *Cache) GetOrBuild(ctx context.Context, key Key, build func(context.Context) (*Entry, error)) (*Entry, bool, error) {
	if c == nil {
		entry, err := build(ctx)
		return entry, false, err
	}

	if entry, ok := c.lru.Get(key); ok {
		return entry, true, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// A build that finished between the miss above and joining the
		// flight group has already populated the key.
		if entry, ok := c.lru.Get(key); ok {
			return flightResult{entry: entry, hit: true}, nil
		}
		entry, err := build(ctx)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, entry)
		return flightResult{entry: entry}, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(flightResult)
	return res.entry, res.hit, nil
}

// Get returns the cached entry for key without building.
func (c *Cache) Get(key Key) (*Entry, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(key)
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Purge drops every entry. Used when a config reload changes the expert
// registry, since cached answers may reference experts that no longer exist.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}
