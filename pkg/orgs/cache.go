package orgs

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/backoffice/pkg/rbac"
)

// CacheConfig configures the membership lookup cache
type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultCacheConfig returns default cache settings
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries: 10000,
		TTL:        30 * time.Second,
	}
}

// CacheStats reports cache effectiveness
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	ItemCount int64 `json:"item_count"`
}

// CachedLookup memoizes membership lookups for read paths. Concurrent
// misses for the same key share one store query. Mutations through the
// Service invalidate the affected organization; a query still in flight
// when its organization is invalidated is returned but not cached.
type CachedLookup struct {
	source rbac.MembershipSource
	cache  *lru.LRU[string, rbac.MembershipLookup]
	group  singleflight.Group

	// mu guards epoch and generations, and orders cache writes after
	// invalidations
	mu          sync.Mutex
	epoch       uint64
	generations map[string]uint64

	hits   atomic.Int64
	misses atomic.Int64
}

// generation identifies the invalidation state of one organization
type generation struct {
	epoch uint64
	org   uint64
}

func (g generation) String() string {
	return strconv.FormatUint(g.epoch, 10) + "." + strconv.FormatUint(g.org, 10)
}

// NewCachedLookup wraps source with an expiring LRU cache
func NewCachedLookup(source rbac.MembershipSource, config CacheConfig) *CachedLookup {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultCacheConfig().MaxEntries
	}
	if config.TTL <= 0 {
		config.TTL = DefaultCacheConfig().TTL
	}

	return &CachedLookup{
		source:      source,
		cache:       lru.NewLRU[string, rbac.MembershipLookup](config.MaxEntries, nil, config.TTL),
		generations: make(map[string]uint64),
	}
}

func (c *CachedLookup) generation(organizationID string) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return generation{epoch: c.epoch, org: c.generations[organizationID]}
}

// store caches lookup unless organizationID was invalidated after gen
func (c *CachedLookup) store(key, organizationID string, gen generation, lookup rbac.MembershipLookup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen.epoch != c.epoch || gen.org != c.generations[organizationID] {
		return
	}
	c.cache.Add(key, lookup)
}

func cacheKey(organizationID, userID string) string {
	return organizationID + "\x00" + userID
}

// LookupMembership implements rbac.MembershipSource
func (c *CachedLookup) LookupMembership(ctx context.Context, organizationID, userID string) (rbac.MembershipLookup, error) {
	key := cacheKey(organizationID, userID)
	if lookup, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return lookup, nil
	}
	c.misses.Add(1)

	// callers arriving after an invalidation start a new flight
	gen := c.generation(organizationID)
	v, err, _ := c.group.Do(key+"\x00"+gen.String(), func() (interface{}, error) {
		lookup, err := c.source.LookupMembership(ctx, organizationID, userID)
		if err != nil {
			return rbac.MembershipLookup{}, err
		}
		c.store(key, organizationID, gen, lookup)
		return lookup, nil
	})
	if err != nil {
		return rbac.MembershipLookup{}, err
	}
	return v.(rbac.MembershipLookup), nil
}

// Invalidate drops the cached lookup for one member. Lookups for the
// organization already in flight are not cached.
func (c *CachedLookup) Invalidate(organizationID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[organizationID]++
	c.cache.Remove(cacheKey(organizationID, userID))
}

// InvalidateOrganization drops every cached lookup for an organization
func (c *CachedLookup) InvalidateOrganization(organizationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[organizationID]++
	prefix := organizationID + "\x00"
	for _, key := range c.cache.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.cache.Remove(key)
		}
	}
}

// Purge empties the cache
func (c *CachedLookup) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	clear(c.generations)
	c.cache.Purge()
}

// Stats returns cache statistics
func (c *CachedLookup) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		ItemCount: int64(c.cache.Len()),
	}
}
