package stream

import (
	"sync"
	"time"

	"tradeforce/models"
)

type cacheEntry struct {
	payload  models.TokenPrice
	cachedAt time.Time
}

// PriceCache keeps the last known price per symbol. Entries older than the
// expiry are treated as absent on read and are never swept.
type PriceCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	expiry  time.Duration
	now     func() time.Time
}

func NewPriceCache(expiry time.Duration, now func() time.Time) *PriceCache {
	if now == nil {
		now = time.Now
	}
	return &PriceCache{entries: make(map[string]cacheEntry), expiry: expiry, now: now}
}

func (c *PriceCache) Put(p models.TokenPrice) {
	c.mu.Lock()
	c.entries[p.Symbol] = cacheEntry{payload: p, cachedAt: c.now()}
	c.mu.Unlock()
}

// Get returns the cached payload while now-cachedAt < expiry.
func (c *PriceCache) Get(symbol string) (models.TokenPrice, bool) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.cachedAt) >= c.expiry {
		return models.TokenPrice{}, false
	}
	return e.payload, true
}
