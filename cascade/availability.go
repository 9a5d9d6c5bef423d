package cascade

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultAvailabilityTTL is how long a probe result is trusted before the
// stage is probed again.
const DefaultAvailabilityTTL = 30 * time.Second

type availabilityEntry struct {
	available bool
	checkedAt time.Time
	pinned    bool // pinned entries never expire or re-probe
}

// AvailabilityCache memoizes CanOperate probe results per stage with a TTL.
// Concurrent lookups of the same expired entry are collapsed into a single
// probe; the callers share its result.
//
// A stage can be pinned unavailable, which is how disabled stages are kept
// out of selection until an explicit reset.
type AvailabilityCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]availabilityEntry

	probes singleflight.Group

	// now is replaceable in tests
	now func() time.Time
}

// NewAvailabilityCache builds a cache with the given TTL. A non-positive
// ttl falls back to DefaultAvailabilityTTL.
func NewAvailabilityCache(ttl time.Duration) *AvailabilityCache {
	if ttl <= 0 {
		ttl = DefaultAvailabilityTTL
	}
	return &AvailabilityCache{
		ttl:     ttl,
		entries: make(map[string]availabilityEntry),
		now:     time.Now,
	}
}

// IsAvailable returns the cached probe result for the stage, running the
// probe if the entry is missing or stale.
func (c *AvailabilityCache) IsAvailable(ctx context.Context, key string, probe func(context.Context) bool) bool {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && (entry.pinned || c.now().Sub(entry.checkedAt) < c.ttl) {
		return entry.available
	}

	v, _, _ := c.probes.Do(key, func() (any, error) {
		// Another waiter may have refreshed the entry while this one was
		// blocked on the flight; only probe when still stale.
		c.mu.RLock()
		entry, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && (entry.pinned || c.now().Sub(entry.checkedAt) < c.ttl) {
			return entry.available, nil
		}

		available := probe(ctx)

		c.mu.Lock()
		if cur, ok := c.entries[key]; !ok || !cur.pinned {
			c.entries[key] = availabilityEntry{
				available: available,
				checkedAt: c.now(),
			}
		}
		c.mu.Unlock()
		return available, nil
	})
	return v.(bool)
}

// Invalidate drops the cached entry so the next lookup re-probes. Pinned
// entries are not affected.
func (c *AvailabilityCache) Invalidate(key string) {
	c.mu.Lock()
	if entry, ok := c.entries[key]; !ok || !entry.pinned {
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// PinUnavailable marks the stage unavailable until Unpin. Used when a stage
// is disabled after repeated failures.
func (c *AvailabilityCache) PinUnavailable(key string) {
	c.mu.Lock()
	c.entries[key] = availabilityEntry{
		available: false,
		checkedAt: c.now(),
		pinned:    true,
	}
	c.mu.Unlock()
}

// Unpin removes a pin and the stale entry with it; the next lookup probes
// afresh.
func (c *AvailabilityCache) Unpin(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Snapshot reports the currently cached availability per stage key.
func (c *AvailabilityCache) Snapshot() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.entries))
	for k, e := range c.entries {
		out[k] = e.available
	}
	return out
}
