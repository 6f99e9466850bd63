package usecase

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

// cacheEntry stores one computed selection together with the registry
// generation it was derived from. Entries from an older generation are
// never served: any register/unregister/enable change invalidates them.
type cacheEntry struct {
	result     Selection
	storedAt   time.Time
	generation uint64
}

// selectionCache memoizes selection results keyed by (criteria, context
// fingerprint). It enforces a TTL on reads and evicts the oldest-inserted
// entries when the size cap is exceeded. It has its own mutex, independent
// of the registry's.
type selectionCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	entries    map[string]cacheEntry
	order      []string // insertion order, oldest first
}

func newSelectionCache(ttl time.Duration, maxEntries int) *selectionCache {
	return &selectionCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]cacheEntry),
	}
}

// get returns a copy of the cached selection for key, if present, younger
// than the TTL and computed against the given registry generation. Stale
// entries are dropped on sight.
func (c *selectionCache) get(key string, generation uint64, now time.Time) (Selection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Selection{}, false
	}
	if e.generation != generation || now.Sub(e.storedAt) >= c.ttl {
		c.removeLocked(key)
		return Selection{}, false
	}
	return e.result.clone(), true
}

// put stores a selection, evicting oldest-inserted entries when the cap is
// exceeded.
func (c *selectionCache) put(key string, sel Selection, generation uint64, now time.Time) {
	if c.maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.removeLocked(key)
	}
	c.entries[key] = cacheEntry{result: sel.clone(), storedAt: now, generation: generation}
	c.order = append(c.order, key)

	for len(c.entries) > c.maxEntries {
		c.removeLocked(c.order[0])
	}
}

// sweep drops every expired entry and returns how many were removed. The
// maintenance janitor calls this on a schedule so the cache does not hold
// dead results between selections.
func (c *selectionCache) sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for i := 0; i < len(c.order); {
		key := c.order[i]
		if now.Sub(c.entries[key].storedAt) >= c.ttl {
			c.removeLocked(key)
			removed++
			continue // order shrank, same index is the next key
		}
		i++
	}
	return removed
}

func (c *selectionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// removeLocked must be called with c.mu held.
func (c *selectionCache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// cacheKey hashes the criteria fingerprint together with the coarse work
// context fingerprint.
func cacheKey(criteriaFP, contextFP string) string {
	h := fnv.New64a()
	h.Write([]byte(criteriaFP))
	h.Write([]byte{0})
	h.Write([]byte(contextFP))
	return strconv.FormatUint(h.Sum64(), 16)
}
