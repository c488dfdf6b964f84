package catalog

import (
	"sync"
	"time"

	"github.com/amurg-ai/m10n/pkg/revision"
)

// chainCache keeps immutable chain snapshots per plan for a fixed TTL.
// Snapshots are replaced, never mutated, so readers holding an old one keep
// a consistent view.
//
// Every invalidation bumps the plan's generation. A loader reads the
// generation before it reads the store and passes it to put; a snapshot
// loaded across an invalidation is dropped instead of cached.
type chainCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]chainEntry
	gens    map[string]uint64
}

type chainEntry struct {
	chain   *revision.Chain
	expires time.Time
}

func newChainCache(ttl time.Duration) *chainCache {
	return &chainCache{ttl: ttl, entries: make(map[string]chainEntry), gens: make(map[string]uint64)}
}

func (c *chainCache) get(planID string, now time.Time) (*revision.Chain, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.entries[planID]
	c.mu.RUnlock()
	if !ok || !now.Before(e.expires) {
		return nil, false
	}
	return e.chain, true
}

// generation returns the plan's current generation.
func (c *chainCache) generation(planID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[planID]
}

// put stores chain unless the plan was invalidated since gen was read. It
// reports whether the snapshot was cached.
func (c *chainCache) put(planID string, chain *revision.Chain, gen uint64, now time.Time) bool {
	if c.ttl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[planID] != gen {
		return false
	}
	c.entries[planID] = chainEntry{chain: chain, expires: now.Add(c.ttl)}
	return true
}

func (c *chainCache) invalidate(planID string) {
	c.mu.Lock()
	delete(c.entries, planID)
	c.gens[planID]++
	c.mu.Unlock()
}
