// Package scrapecache implements a single-entry, TTL-bounded full-scrape
// cache: concurrent callers that find a stale or missing entry coalesce
// onto one store walk via golang.org/x/sync/singleflight rather than each
// iterating the store themselves.
package scrapecache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kirelabs/beacontrack/internal/bittorrent"
)

// RefreshFunc performs the (potentially expensive) uncached store walk. The
// cache never calls the store directly; it only schedules one RefreshFunc
// call at a time behind the singleflight group.
type RefreshFunc func(ctx context.Context) (bittorrent.ScrapeResponse, error)

// Cache is a single-entry cache keyed by the empty full-scrape query. The
// zero value is not usable; construct with New.
type Cache struct {
	ttl     time.Duration
	refresh RefreshFunc
	now     func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	value     bittorrent.ScrapeResponse
	fetchedAt time.Time
	valid     bool
}

// New builds a Cache with the given TTL, backed by refresh for cache misses.
func New(ttl time.Duration, refresh RefreshFunc) *Cache {
	return &Cache{ttl: ttl, refresh: refresh, now: time.Now}
}

func (c *Cache) expired(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.valid || now.Sub(c.fetchedAt) >= c.ttl
}

// Get returns the cached full-scrape response, refreshing it first if it is
// missing or stale. Concurrent Get calls that race a refresh all wait for
// the single in-flight refresh rather than each walking the store: readers
// during a refresh either see the prior value or wait for that one refresh
// to complete.
func (c *Cache) Get(ctx context.Context) (bittorrent.ScrapeResponse, error) {
	now := c.now()
	if !c.expired(now) {
		c.mu.RLock()
		v := c.value
		c.mu.RUnlock()
		return v, nil
	}

	v, err, _ := c.group.Do("full-scrape", func() (interface{}, error) {
		// Re-check: another goroutine may have refreshed while we were
		// waiting to enter Do (the singleflight key dedupes concurrent
		// callers, but a caller arriving just after a refresh completed
		// and the group already forgot the key would otherwise redo it).
		if !c.expired(c.now()) {
			c.mu.RLock()
			defer c.mu.RUnlock()
			return c.value, nil
		}

		resp, err := c.refresh(ctx)
		if err != nil {
			return bittorrent.ScrapeResponse{}, err
		}

		c.mu.Lock()
		c.value = resp
		c.fetchedAt = c.now()
		c.valid = true
		c.mu.Unlock()
		return resp, nil
	})
	if err != nil {
		return bittorrent.ScrapeResponse{}, err
	}
	return v.(bittorrent.ScrapeResponse), nil
}

// Invalidate forces the next Get to refresh regardless of TTL.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
