package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// PrincipalCache keeps authenticated principals keyed by API key, with a
// TTL. Reads go through sync.Map and never take a lock.
//
// Expired entries are served stale while one caller revalidates in the
// background, so the bcrypt + DB cost is paid off the request path once
// a key has been seen.
type PrincipalCache struct {
	store sync.Map // map[string]*cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool // prevents duplicate background refreshes
}

// NewPrincipalCache creates a cache with the given TTL.
func NewPrincipalCache(ttl time.Duration) *PrincipalCache {
	return &PrincipalCache{ttl: ttl}
}

// GetResult is the outcome of a cache lookup.
type GetResult struct {
	Principal    *Principal
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // the entry is expired and this caller won the refresh
}

// Get looks up the API key. On a stale hit the refreshing flag is claimed
// with CompareAndSwap, so exactly one caller per key sees NeedsRefresh.
func (c *PrincipalCache) Get(apiKey string) GetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return GetResult{}
	}

	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Principal: entry.principal, Hit: true}
	}

	needsRefresh := entry.refreshing.CompareAndSwap(false, true)
	return GetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: needsRefresh,
	}
}

// Set caches a principal for the configured TTL.
func (c *PrincipalCache) Set(apiKey string, p *Principal) {
	c.store.Store(apiKey, &cacheEntry{
		principal: p,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete evicts the entry for the given API key, if any.
func (c *PrincipalCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
